package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ceymail/ceymail-mc/internal/model"
)

func TestSnapshotSharesNoMemory(t *testing.T) {
	a := NewAggregator()
	a.UpdateStats(model.SystemSnapshot{
		Timestamp: time.Now(),
		CPU:       model.CPUStats{UsagePercent: 10, PerCore: []float64{10, 10}},
		Disks:     []model.DiskStats{{MountPoint: "/", Total: 100}},
	})
	a.UpdateServices([]model.ServiceState{{Name: "postfix", Active: true}})
	a.AddLog(model.LogEntry{Message: "original"})

	snap := a.Snapshot()
	snap.Services[0].Name = "mutated"
	snap.RecentLogs[0].Message = "mutated"
	snap.LatestStats.CPU.PerCore[0] = 99
	snap.LatestStats.Disks[0].MountPoint = "/mutated"

	fresh := a.Snapshot()
	if fresh.Services[0].Name != "postfix" {
		t.Error("service name leaked through snapshot")
	}
	if fresh.RecentLogs[0].Message != "original" {
		t.Error("log entry leaked through snapshot")
	}
	if fresh.LatestStats.CPU.PerCore[0] != 10 {
		t.Error("per-core slice leaked through snapshot")
	}
	if fresh.LatestStats.Disks[0].MountPoint != "/" {
		t.Error("disk slice leaked through snapshot")
	}
}

func TestRecentLogsCapped(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < model.RecentLogCap+100; i++ {
		a.AddLog(model.LogEntry{Message: fmt.Sprintf("entry %d", i)})
	}
	logs := a.Snapshot().RecentLogs
	if len(logs) != model.RecentLogCap {
		t.Fatalf("len = %d, want %d", len(logs), model.RecentLogCap)
	}
	if logs[0].Message != "entry 100" {
		t.Errorf("oldest = %q, want %q (FIFO eviction)", logs[0].Message, "entry 100")
	}
	if logs[len(logs)-1].Message != fmt.Sprintf("entry %d", model.RecentLogCap+99) {
		t.Errorf("newest = %q", logs[len(logs)-1].Message)
	}
}

func TestUpdatesBroadcast(t *testing.T) {
	a := NewAggregator()
	before := a.Snapshot().LastUpdated
	sub := a.Subscribe()

	a.UpdateQueue(model.QueueSnapshot{Timestamp: time.Now(), Active: 3, Total: 3})

	select {
	case st := <-sub.C():
		if st.LatestQueue == nil || st.LatestQueue.Active != 3 {
			t.Errorf("LatestQueue = %+v", st.LatestQueue)
		}
		if !st.LastUpdated.After(before) && !st.LastUpdated.Equal(before) {
			t.Error("LastUpdated not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestAddLogDoesNotBroadcast(t *testing.T) {
	a := NewAggregator()
	sub := a.Subscribe()

	a.AddLog(model.LogEntry{Message: "quiet"})

	select {
	case st := <-sub.C():
		t.Fatalf("unexpected broadcast: %+v", st)
	case <-time.After(100 * time.Millisecond):
	}

	if logs := a.Snapshot().RecentLogs; len(logs) != 1 || logs[0].Message != "quiet" {
		t.Errorf("RecentLogs = %+v", logs)
	}
}

func TestRecentLogsFilters(t *testing.T) {
	a := NewAggregator()
	entries := []model.LogEntry{
		{Level: model.LevelInfo, Source: "postfix/smtpd", Message: "one"},
		{Level: model.LevelError, Source: "dovecot", Message: "two"},
		{Level: model.LevelError, Source: "postfix/smtpd", Message: "three"},
		{Level: model.LevelWarning, Source: "postfix/qmgr", Message: "four"},
		{Level: model.LevelError, Source: "dovecot", Message: "five"},
	}
	for _, e := range entries {
		a.AddLog(e)
	}

	errs := a.RecentLogs(0, model.LevelError, "")
	if len(errs) != 3 {
		t.Fatalf("error logs = %d, want 3", len(errs))
	}

	smtpd := a.RecentLogs(0, "", "postfix/smtpd")
	if len(smtpd) != 2 || smtpd[0].Message != "one" || smtpd[1].Message != "three" {
		t.Errorf("smtpd logs = %+v", smtpd)
	}

	limited := a.RecentLogs(2, model.LevelError, "")
	if len(limited) != 2 || limited[0].Message != "three" || limited[1].Message != "five" {
		t.Errorf("limited = %+v (want the two most recent errors, oldest first)", limited)
	}

	both := a.RecentLogs(0, model.LevelError, "dovecot")
	if len(both) != 2 {
		t.Errorf("combined filter = %d entries, want 2", len(both))
	}
}

func TestBroadcastsArriveInUpdateOrder(t *testing.T) {
	a := NewAggregator()
	sub := a.Subscribe()

	for i := 1; i <= 5; i++ {
		a.UpdateQueue(model.QueueSnapshot{Active: i, Total: i})
	}

	last := time.Time{}
	prevActive := 0
	for i := 0; i < 5; i++ {
		select {
		case st := <-sub.C():
			if st.LastUpdated.Before(last) {
				t.Error("LastUpdated went backwards")
			}
			last = st.LastUpdated
			if st.LatestQueue.Active <= prevActive {
				t.Errorf("broadcast out of order: %d after %d", st.LatestQueue.Active, prevActive)
			}
			prevActive = st.LatestQueue.Active
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast %d never arrived", i)
		}
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	a := NewAggregator()
	var wg sync.WaitGroup

	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.UpdateStats(model.SystemSnapshot{Timestamp: time.Now()})
				a.AddLog(model.LogEntry{Message: "x"})
			}
		}()
	}
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				st := a.Snapshot()
				if len(st.RecentLogs) > model.RecentLogCap {
					t.Error("recent_logs exceeded cap")
				}
				a.RecentLogs(10, "", "")
			}
		}()
	}
	wg.Wait()
}
