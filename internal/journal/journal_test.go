package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func record(step, status string) StepRecord {
	return StepRecord{
		Step:       step,
		Status:     status,
		FinishedAt: time.Now().UTC(),
	}
}

func TestAppendReplayCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	seq1, err := j.Append(record("system_check", StatusCompleted))
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}
	seq2, err := j.Append(record("php_install", StatusCompleted))
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence did not advance: seq1=%d seq2=%d", seq1, seq2)
	}

	if err := j.Commit(seq1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var replayed []string
	err = j.Replay(func(_ uint64, r StepRecord) error {
		replayed = append(replayed, r.Step)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "php_install" {
		t.Fatalf("Replay steps=%v, want [php_install]", replayed)
	}
}

func TestOpenIgnoresPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(record("system_check", StatusCompleted)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate torn write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"seq":999,"record":`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close torn writer: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer func() { _ = j2.Close() }()

	var replayed []string
	err = j2.Replay(func(_ uint64, r StepRecord) error {
		replayed = append(replayed, r.Step)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay second: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "system_check" {
		t.Fatalf("Replay after torn write=%v, want [system_check]", replayed)
	}
}

func TestCompletedStepsSkipsFailuresAndDedupes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	// A run that failed at domain_config and then succeeded on retry.
	outcomes := []StepRecord{
		record("system_check", StatusCompleted),
		record("php_install", StatusCompleted),
		record("core_packages", StatusCompleted),
		record("domain_config", StatusFailed),
		record("domain_config", StatusCompleted),
	}
	for _, rec := range outcomes {
		if _, err := j.Append(rec); err != nil {
			t.Fatalf("Append %s: %v", rec.Step, err)
		}
	}

	steps, err := j.CompletedSteps()
	if err != nil {
		t.Fatalf("CompletedSteps: %v", err)
	}
	want := []string{"system_check", "php_install", "core_packages", "domain_config"}
	if len(steps) != len(want) {
		t.Fatalf("CompletedSteps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("steps[%d] = %q, want %q", i, steps[i], want[i])
		}
	}
}

func TestCommitThenReopenCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, step := range []string{"system_check", "php_install"} {
		if _, err := j.Append(record(step, StatusCompleted)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Commit(j.LastSeq()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = j2.Close() })

	steps, err := j2.CompletedSteps()
	if err != nil {
		t.Fatalf("CompletedSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("CompletedSteps after committed run = %v, want empty", steps)
	}

	// New appends continue above the committed sequence.
	seq, err := j2.Append(record("system_check", StatusCompleted))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 3 {
		t.Errorf("seq = %d, want 3", seq)
	}
}

func TestResetClearsProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	if _, err := j.Append(record("system_check", StatusCompleted)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := j.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	steps, err := j.CompletedSteps()
	if err != nil {
		t.Fatalf("CompletedSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("CompletedSteps after Reset = %v, want empty", steps)
	}
	if got := j.Committed(); got != 0 {
		t.Errorf("Committed after Reset = %d, want 0", got)
	}

	seq, err := j.Append(record("system_check", StatusCompleted))
	if err != nil {
		t.Fatalf("Append after Reset: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq after Reset = %d, want 1", seq)
	}
}
