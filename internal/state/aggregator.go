// Package state holds the single authoritative AggregatedState for the
// daemon. Producers push into it through the update methods; consumers
// read point-in-time copies or subscribe to change broadcasts.
package state

import (
	"sync"
	"time"

	"github.com/ceymail/ceymail-mc/internal/broadcast"
	"github.com/ceymail/ceymail-mc/internal/model"
)

// Change broadcasts carry the full state, so a small buffer suffices.
const changeBuffer = 16

// Aggregator serializes all mutation behind one write lock and stamps
// LastUpdated on every change. Readers only ever see cloned snapshots.
type Aggregator struct {
	mu  sync.RWMutex
	cur model.AggregatedState
	hub *broadcast.Hub[model.AggregatedState]
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		cur: model.AggregatedState{LastUpdated: time.Now()},
		hub: broadcast.NewHub[model.AggregatedState](changeBuffer),
	}
}

// Snapshot implements model.StateReader. The returned value shares no
// memory with the live state.
func (a *Aggregator) Snapshot() model.AggregatedState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneState(a.cur)
}

// Subscribe returns a handle receiving the full state after each update
// broadcast. Slow subscribers lose the oldest unread broadcasts.
func (a *Aggregator) Subscribe() *broadcast.Subscriber[model.AggregatedState] {
	return a.hub.Subscribe()
}

// Close shuts the change-broadcast channels down. Update and read
// methods remain usable.
func (a *Aggregator) Close() {
	a.hub.Close()
}

// UpdateStats replaces the latest system snapshot and broadcasts.
func (a *Aggregator) UpdateStats(snap model.SystemSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur.LatestStats = &snap
	a.stampAndBroadcast()
}

// UpdateQueue replaces the latest queue snapshot and broadcasts.
func (a *Aggregator) UpdateQueue(snap model.QueueSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur.LatestQueue = &snap
	a.stampAndBroadcast()
}

// UpdateServices replaces the service list and broadcasts.
func (a *Aggregator) UpdateServices(services []model.ServiceState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur.Services = services
	a.stampAndBroadcast()
}

// AddLog appends to recent_logs, evicting the oldest entries beyond the
// cap. Log entries are not broadcast here; at mail-log volume that would
// drown state-change subscribers. Live log delivery is the watcher's own
// subscription channel.
func (a *Aggregator) AddLog(entry model.LogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur.RecentLogs = append(a.cur.RecentLogs, entry)
	if excess := len(a.cur.RecentLogs) - model.RecentLogCap; excess > 0 {
		n := copy(a.cur.RecentLogs, a.cur.RecentLogs[excess:])
		a.cur.RecentLogs = a.cur.RecentLogs[:n]
	}
	a.cur.LastUpdated = time.Now()
}

// RecentLogs implements model.StateReader. Entries are filtered by exact
// level and source when those are non-empty, then trimmed to the most
// recent limit entries, returned oldest first. limit <= 0 means no
// trimming.
func (a *Aggregator) RecentLogs(limit int, level model.LogLevel, source string) []model.LogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.LogEntry, 0, len(a.cur.RecentLogs))
	for _, e := range a.cur.RecentLogs {
		if level != "" && e.Level != level {
			continue
		}
		if source != "" && e.Source != source {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// stampAndBroadcast runs under the write lock so subscribers observe
// broadcasts in update order.
func (a *Aggregator) stampAndBroadcast() {
	a.cur.LastUpdated = time.Now()
	a.hub.Publish(cloneState(a.cur))
}

func cloneState(s model.AggregatedState) model.AggregatedState {
	out := s
	if len(s.Services) > 0 {
		out.Services = append([]model.ServiceState(nil), s.Services...)
	}
	if len(s.RecentLogs) > 0 {
		out.RecentLogs = append([]model.LogEntry(nil), s.RecentLogs...)
	}
	if s.LatestStats != nil {
		st := *s.LatestStats
		if len(st.CPU.PerCore) > 0 {
			st.CPU.PerCore = append([]float64(nil), st.CPU.PerCore...)
		}
		if len(st.Disks) > 0 {
			st.Disks = append([]model.DiskStats(nil), st.Disks...)
		}
		out.LatestStats = &st
	}
	if s.LatestQueue != nil {
		q := *s.LatestQueue
		out.LatestQueue = &q
	}
	return out
}
