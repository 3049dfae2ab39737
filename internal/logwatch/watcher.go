// Package logwatch tails the mail log and classifies each appended line
// into a LogEntry fanned out to subscribers.
package logwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ceymail/ceymail-mc/internal/broadcast"
	"github.com/ceymail/ceymail-mc/internal/model"
)

const defaultPollInterval = 5 * time.Second

// Watcher follows a growing log file. Historic content is not replayed:
// the watch starts at end-of-file and publishes entries for lines appended
// afterwards. If the file does not exist yet (mail services may not have
// started), the watcher polls for it instead of failing.
type Watcher struct {
	hub          *broadcast.Hub[model.LogEntry]
	pollInterval time.Duration

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher creates a watcher whose subscribers buffer up to
// subscriberBuffer entries each.
func NewWatcher(subscriberBuffer int) *Watcher {
	if subscriberBuffer <= 0 {
		subscriberBuffer = model.DefaultLogSubscriberBuffer
	}
	return &Watcher{
		hub:          broadcast.NewHub[model.LogEntry](subscriberBuffer),
		pollInterval: defaultPollInterval,
	}
}

// Subscribe returns a handle receiving every entry published after the
// call. Slow subscribers lose the oldest unread entries.
func (w *Watcher) Subscribe() *broadcast.Subscriber[model.LogEntry] {
	return w.hub.Subscribe()
}

// Start begins the background watch of path. Watch failures terminate the
// loop with a logged message; subscribers simply stop receiving entries.
func (w *Watcher) Start(ctx context.Context, path string) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.watch(ctx, path); err != nil {
				log.Printf("logwatch: watch %s: %v", path, err)
			}
		}()
	})
}

// Stop cancels the background watch and closes all subscriber channels.
// In-flight reads are abandoned.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		w.hub.Close()
	})
}

// Tail implements model.LogTailer.
func (w *Watcher) Tail(path string, n int) ([]model.LogEntry, error) {
	return Tail(path, n)
}

// Tail returns the last n lines of path as classified entries, ordered
// oldest to newest and stamped with the current time. A nonexistent file
// yields an empty slice, not an error.
func Tail(path string, n int) ([]model.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.LogEntry{}, nil
		}
		return nil, fmt.Errorf("logwatch: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Keep only the trailing n lines while scanning.
	lines := make([]string, 0, n)
	for scanner.Scan() {
		if len(lines) == n && n > 0 {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("logwatch: read %s: %w", path, err)
	}

	entries := make([]model.LogEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, Entry(line))
	}
	return entries, nil
}

func (w *Watcher) watch(ctx context.Context, path string) error {
	seekEnd := true
	for {
		if err := w.waitForFile(ctx, path); err != nil {
			return nil // canceled
		}
		rotated, err := w.follow(ctx, path, seekEnd)
		if err != nil {
			return err
		}
		if !rotated {
			return nil // canceled
		}
		// The file was rotated away; the replacement is all new content.
		seekEnd = false
		log.Printf("logwatch: %s rotated, reopening", path)
	}
}

func (w *Watcher) waitForFile(ctx context.Context, path string) error {
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		log.Printf("logwatch: %s not found, retrying in %s", path, w.pollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Watcher) follow(ctx context.Context, path string, seekEnd bool) (rotated bool, err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if seekEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return false, fmt.Errorf("seek: %w", err)
		}
	}
	if err := fw.Add(path); err != nil {
		return false, fmt.Errorf("add watch: %w", err)
	}

	reader := bufio.NewReader(f)
	var partial []byte

	// Content may have arrived between open and watch registration.
	if err := w.drain(reader, &partial); err != nil {
		return false, err
	}

	log.Printf("logwatch: watching %s", path)
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case ev, ok := <-fw.Events:
			if !ok {
				return false, errors.New("event channel closed")
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return true, nil
			}
			if !ev.Has(fsnotify.Write) {
				continue
			}
			if err := w.drain(reader, &partial); err != nil {
				return false, err
			}
		case werr, ok := <-fw.Errors:
			if !ok {
				return false, errors.New("error channel closed")
			}
			return false, fmt.Errorf("notify: %w", werr)
		}
	}
}

// drain reads all complete appended lines, publishing one entry per line.
// An unterminated trailing line stays buffered until the next wakeup.
func (w *Watcher) drain(r *bufio.Reader, partial *[]byte) error {
	for {
		chunk, err := r.ReadBytes('\n')
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] == '\n' {
				*partial = append(*partial, chunk[:len(chunk)-1]...)
				line := strings.TrimSpace(string(*partial))
				*partial = (*partial)[:0]
				if line != "" {
					w.hub.Publish(Entry(line))
				}
			} else {
				*partial = append(*partial, chunk...)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}
