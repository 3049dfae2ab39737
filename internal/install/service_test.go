package install

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ceymail/ceymail-mc/internal/journal"
	"github.com/ceymail/ceymail-mc/internal/model"
)

func openTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "install.journal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })
	return jnl
}

func drainUntilTerminal(t *testing.T, svc *Service) model.InstallProgress {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-svc.Events():
			if Terminal(p) {
				return p
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal install event")
		}
	}
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	for i := 0; i < 500; i++ {
		svc.mu.Lock()
		running := svc.running
		svc.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("install service still running")
}

func TestServiceStateBeforeAnyRun(t *testing.T) {
	svc := NewService(nil)
	state := svc.State()
	if len(state) != NumSteps {
		t.Fatalf("State() has %d entries, want %d", len(state), NumSteps)
	}
	if state[0].StepName != "system_check" || state[NumSteps-1].StepName != "summary" {
		t.Errorf("step order wrong: first %q, last %q", state[0].StepName, state[NumSteps-1].StepName)
	}
	for i, p := range state {
		if p.Status != model.StatusPending {
			t.Errorf("step %d status = %q, want pending", i, p.Status)
		}
		if p.TotalSteps != NumSteps {
			t.Errorf("step %d total = %d, want %d", i, p.TotalSteps, NumSteps)
		}
	}
}

func TestServiceRunStreamsAndCommits(t *testing.T) {
	root := newInstallRoot(t)
	jnl := openTestJournal(t)
	fake := newFakeRunner()
	svc := NewService(jnl, withRunner(fake), withFSRoot(root))

	if err := svc.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	terminal := drainUntilTerminal(t, svc)
	if terminal.StepName != "summary" || terminal.Status != model.StatusCompleted {
		t.Fatalf("terminal event = %s/%s, want summary/completed", terminal.StepName, terminal.Status)
	}
	waitIdle(t, svc)

	// A finished run is committed away; nothing is left to resume.
	steps, err := jnl.CompletedSteps()
	if err != nil {
		t.Fatalf("CompletedSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("journal still holds %v after a committed run", steps)
	}

	for i, p := range svc.State() {
		if p.Status != model.StatusCompleted {
			t.Errorf("step %d status = %q, want completed", i, p.Status)
		}
	}
}

func TestServiceFailureThenResumeFromJournal(t *testing.T) {
	root := newInstallRoot(t)
	jnl := openTestJournal(t)
	fake := newFakeRunner()
	fake.fail["certbot"] = "rate limited"
	svc := NewService(jnl, withRunner(fake), withFSRoot(root))

	if err := svc.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	terminal := drainUntilTerminal(t, svc)
	if terminal.StepName != "error" || terminal.StepLabel != "Error" {
		t.Fatalf("terminal event = %s/%s, want error/Error", terminal.StepName, terminal.StepLabel)
	}
	if !strings.HasPrefix(terminal.Status, model.StatusFailedPrefix) {
		t.Errorf("terminal status = %q, want failed", terminal.Status)
	}
	if !strings.Contains(terminal.Message, "rate limited") {
		t.Errorf("terminal message = %q, want certbot stderr", terminal.Message)
	}
	waitIdle(t, svc)

	steps, err := jnl.CompletedSteps()
	if err != nil {
		t.Fatalf("CompletedSteps: %v", err)
	}
	wantDone := []string{"system_check", "php_install", "core_packages", "domain_config", "database_setup"}
	if len(steps) != len(wantDone) {
		t.Fatalf("journal steps = %v, want %v", steps, wantDone)
	}
	for i := range wantDone {
		if steps[i] != wantDone[i] {
			t.Errorf("journal step %d = %q, want %q", i, steps[i], wantDone[i])
		}
	}

	if got := svc.State()[5].Status; !strings.HasPrefix(got, model.StatusFailedPrefix) {
		t.Errorf("step 5 status = %q, want failed", got)
	}

	// Clear the fault and resume from what the journal recorded.
	delete(fake.fail, "certbot")
	if err := svc.Resume(testConfig(), nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	var resumed []model.InstallProgress
	deadline := time.After(5 * time.Second)
	for {
		var p model.InstallProgress
		select {
		case p = <-svc.Events():
		case <-deadline:
			t.Fatal("timed out waiting for resume events")
		}
		resumed = append(resumed, p)
		if Terminal(p) {
			break
		}
	}
	waitIdle(t, svc)

	if resumed[0].StepName != "ssl_certificates" || resumed[0].StepIndex != 5 {
		t.Errorf("first resumed event = %s/%d, want ssl_certificates/5", resumed[0].StepName, resumed[0].StepIndex)
	}
	last := resumed[len(resumed)-1]
	if last.StepName != "summary" || last.Status != model.StatusCompleted {
		t.Errorf("final resumed event = %s/%s, want summary/completed", last.StepName, last.Status)
	}

	steps, err = jnl.CompletedSteps()
	if err != nil {
		t.Fatalf("CompletedSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("journal still holds %v after resumed run committed", steps)
	}
}

func TestServiceResumeFailureEmitsIndexedError(t *testing.T) {
	root := newInstallRoot(t)
	fake := newFakeRunner()
	fake.fail["opendkim-genkey"] = "cannot write key"
	svc := NewService(nil, withRunner(fake), withFSRoot(root))

	completed := make([]string, 7)
	for i := range completed {
		completed[i] = StepKind(i).Name()
	}
	if err := svc.Resume(testConfig(), completed); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	terminal := drainUntilTerminal(t, svc)
	if terminal.StepName != "step_7" {
		t.Errorf("terminal step name = %q, want step_7", terminal.StepName)
	}
	if terminal.StepIndex != 7 {
		t.Errorf("terminal step index = %d, want 7", terminal.StepIndex)
	}
	if !strings.Contains(terminal.Message, "DKIM key generation failed") {
		t.Errorf("terminal message = %q", terminal.Message)
	}
}

func TestServiceRejectsConcurrentRuns(t *testing.T) {
	root := newInstallRoot(t)
	fake := newFakeRunner()
	gate := make(chan struct{})
	fake.block = gate
	svc := NewService(nil, withRunner(fake), withFSRoot(root))

	if err := svc.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(testConfig()); !errors.Is(err, ErrInstallRunning) {
		t.Errorf("second Start = %v, want ErrInstallRunning", err)
	}
	if err := svc.Resume(testConfig(), nil); !errors.Is(err, ErrInstallRunning) {
		t.Errorf("Resume during run = %v, want ErrInstallRunning", err)
	}

	close(gate)
	if p := drainUntilTerminal(t, svc); p.StepName != "summary" {
		t.Errorf("terminal event = %s, want summary", p.StepName)
	}
}

func TestServiceInvalidConfigKeepsJournal(t *testing.T) {
	jnl := openTestJournal(t)
	if _, err := jnl.Append(journal.StepRecord{Step: "system_check", Status: journal.StatusCompleted}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	svc := NewService(jnl, withRunner(newFakeRunner()))
	cfg := testConfig()
	cfg.AdminPassword = "short"

	err := svc.Start(cfg)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "validation" {
		t.Fatalf("Start = %v, want validation StepError", err)
	}

	steps, err := jnl.CompletedSteps()
	if err != nil {
		t.Fatalf("CompletedSteps: %v", err)
	}
	if len(steps) != 1 || steps[0] != "system_check" {
		t.Errorf("journal = %v, rejected start must not discard progress", steps)
	}
}

func TestServiceStopClosesEvents(t *testing.T) {
	svc := NewService(nil)
	svc.Stop()
	if _, open := <-svc.Events(); open {
		t.Error("events channel still open after Stop")
	}
}

func TestTerminalClassification(t *testing.T) {
	tests := []struct {
		name string
		p    model.InstallProgress
		want bool
	}{
		{"run error event", model.InstallProgress{StepName: "error", Status: "failed: boom"}, true},
		{"resume error event", model.InstallProgress{StepName: "step_4", Status: "failed: boom", StepIndex: 4}, true},
		{"summary completed", model.InstallProgress{StepName: "summary", Status: model.StatusCompleted, StepIndex: NumSteps - 1}, true},
		{"mid-run completed", model.InstallProgress{StepName: "php_install", Status: model.StatusCompleted, StepIndex: 1}, false},
		{"summary in progress", model.InstallProgress{StepName: "summary", Status: model.StatusInProgress, StepIndex: NumSteps - 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Terminal(tt.p); got != tt.want {
				t.Errorf("Terminal(%+v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}
