// Package audit records administrative actions as JSON Lines. Every
// security-sensitive operation (service control, account changes, DKIM
// generation, backups, install steps) produces one event. Logging is
// best effort: a failure to persist an event is reported to the
// process log, never to the audited operation.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLogPath is where the daemon writes its audit trail.
const DefaultLogPath = "/var/lib/ceymail-mc/audit.log"

// Log files over this size rotate to a timestamp-suffixed file.
const defaultMaxSize = 10 * 1024 * 1024

// Action is an audited administrative operation. The set is closed.
type Action string

const (
	ActionServiceControl Action = "service_control"
	ActionConfigChange   Action = "config_change"
	ActionUserCreate     Action = "user_create"
	ActionUserDelete     Action = "user_delete"
	ActionDomainCreate   Action = "domain_create"
	ActionDomainDelete   Action = "domain_delete"
	ActionAliasCreate    Action = "alias_create"
	ActionAliasDelete    Action = "alias_delete"
	ActionDKIMGenerate   Action = "dkim_generate"
	ActionPasswordChange Action = "password_change"
	ActionBackupCreate   Action = "backup_create"
	ActionBackupRestore  Action = "backup_restore"
	ActionInstallStep    Action = "install_step"
	ActionPermissionFix  Action = "permission_fix"
	ActionLogin          Action = "login"
	ActionLogout         Action = "logout"
)

// Result is the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target"`
	Result    Result    `json:"result"`
	Details   string    `json:"details,omitempty"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(action Action, actor, target string, result Result) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Actor:     actor,
		Target:    target,
		Result:    result,
	}
}

// Success builds a successful event.
func Success(action Action, actor, target string) Event {
	return NewEvent(action, actor, target, ResultSuccess)
}

// Failure builds a failed event carrying the cause in Details.
func Failure(action Action, actor, target string, cause error) Event {
	e := NewEvent(action, actor, target, ResultFailure)
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

func (e Event) String() string {
	s := fmt.Sprintf("[%s] %s %s on %s (%s)",
		e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Target, e.Result)
	if e.Details != "" {
		s += ": " + e.Details
	}
	return s
}

// Logger records audit events. Implementations must be safe for
// concurrent use and must never propagate persistence failures to the
// caller.
type Logger interface {
	Log(event Event)
}

// FileLogger appends JSON Lines to a file and rotates it past the size
// limit.
type FileLogger struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	w       *bufio.Writer
}

// NewFileLogger opens (creating as needed) the audit log at path.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		path:    path,
		maxSize: defaultMaxSize,
		file:    f,
		w:       bufio.NewWriter(f),
	}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	return f, nil
}

// Log writes one event line. Rotation and reopen failures keep the
// logger usable; a lost event is reported to the process log.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.maybeRotate(); err != nil {
		log.Printf("audit: rotate: %v", err)
	}

	if l.w == nil {
		f, err := openAppend(l.path)
		if err != nil {
			log.Printf("audit: reopen failed, event lost: %s", event)
			return
		}
		l.file = f
		l.w = bufio.NewWriter(f)
	}

	line, err := json.Marshal(event)
	if err != nil {
		log.Printf("audit: marshal: %v", err)
		return
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		log.Printf("audit: write: %v", err)
		return
	}
	if err := l.w.Flush(); err != nil {
		log.Printf("audit: flush: %v", err)
	}
}

// maybeRotate renames the file to <path>.<timestamp> once it reaches
// the size limit and starts a fresh one.
func (l *FileLogger) maybeRotate() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil
	}
	if info.Size() < l.maxSize {
		return nil
	}

	if l.w != nil {
		l.w.Flush()
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = nil
	l.w = nil

	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rename to %s: %w", rotated, err)
	}
	log.Printf("audit: rotated log to %s", rotated)

	f, err := openAppend(l.path)
	if err != nil {
		return err
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	return nil
}

// Close flushes and closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		if err := l.w.Flush(); err != nil {
			return err
		}
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NullLogger discards every event. Used when auditing is disabled.
type NullLogger struct{}

func (NullLogger) Log(Event) {}

// Recorder keeps events in memory so tests can assert on what an
// operation audited.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
