package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceymail/ceymail-mc/internal/validate"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24
	archivePrefix   = "ceymail-backup-"
)

// ErrNotFound is returned when no archive matches a backup ID.
var ErrNotFound = errors.New("backup not found")

// Manager creates archives on demand, runs the periodic schedule, and
// applies the retention policy.
type Manager struct {
	cfg      Config
	archiver Archiver
	uploader Uploader

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager initializes the backup manager. On-demand archives work
// regardless of cfg.Enabled; the startup snapshot and the periodic
// loop run only when enabled.
func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	// Archives hold mail configs and DKIM private keys.
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("backup: create archive dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(cfg)
		if err != nil {
			return nil, fmt.Errorf("backup: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	m := &Manager{
		cfg:      cfg,
		archiver: NewTarArchiver(),
		uploader: uploader,
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if cfg.Enabled {
		// Startup snapshot to shorten the recovery point after restarts.
		if err := m.RunOnce(m.ctx); err != nil {
			log.Printf("backup: startup archive failed: %v", err)
		}
		m.wg.Add(1)
		go m.loop()
	}
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil {
				log.Printf("backup: periodic archive failed: %v", err)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) scheduledOptions() Options {
	return Options{Config: true, DKIM: m.cfg.IncludeDKIM, Mailboxes: m.cfg.IncludeMailboxes}
}

// RunOnce creates one archive with the scheduled contents.
func (m *Manager) RunOnce(ctx context.Context) error {
	_, err := m.Create(ctx, m.scheduledOptions())
	return err
}

// Create writes one archive plus its metadata sidecar, uploads it when
// remote storage is configured, and prunes old local copies.
func (m *Manager) Create(ctx context.Context, opts Options) (Metadata, error) {
	md, err := m.create(ctx, opts)
	if err != nil {
		return Metadata{}, err
	}
	if err := m.prune(); err != nil {
		return Metadata{}, fmt.Errorf("prune old archives: %w", err)
	}
	return md, nil
}

func (m *Manager) create(ctx context.Context, opts Options) (Metadata, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	name := fmt.Sprintf("%s%s_%s.tar.gz", archivePrefix, now.Format("20060102_150405"), id[:8])
	path := filepath.Join(m.cfg.Dir, name)

	if err := m.archiver.Archive(path, opts); err != nil {
		return Metadata{}, fmt.Errorf("archive: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("stat archive: %w", err)
	}

	md := Metadata{
		ID:                id,
		File:              name,
		CreatedAt:         now,
		SizeBytes:         info.Size(),
		IncludesConfig:    opts.Config,
		IncludesDKIM:      opts.DKIM,
		IncludesMailboxes: opts.Mailboxes,
	}
	if err := writeSidecar(path, md); err != nil {
		return Metadata{}, err
	}
	log.Printf("backup: created %s (%d bytes)", name, md.SizeBytes)

	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, path); err != nil {
			return Metadata{}, fmt.Errorf("upload: %w", err)
		}
		log.Printf("backup: uploaded %s", name)
	}
	return md, nil
}

// List returns the available archives, newest first. An archive
// without a readable sidecar (hand-copied in, or predating the
// sidecar format) degrades to metadata derived from the file itself.
func (m *Manager) List() ([]Metadata, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.Dir, archivePrefix+"*.tar.gz"))
	if err != nil {
		return nil, err
	}

	out := make([]Metadata, 0, len(matches))
	for _, p := range matches {
		out = append(out, readMetadata(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Restore unpacks the archive matching id over the live filesystem.
// The ID is vetted before any path work and matches either the
// sidecar ID or a substring of the file name, so the short ID shown
// in listings works too. A safety archive of the current state is
// taken first so a bad restore can itself be rolled back.
func (m *Manager) Restore(ctx context.Context, id string) error {
	if err := validate.PathComponent(id); err != nil {
		return err
	}
	path, err := m.find(id)
	if err != nil {
		return err
	}

	// Retention is deliberately not applied here: pruning could
	// otherwise remove the very archive being restored.
	if _, err := m.create(ctx, Options{Config: true, DKIM: true}); err != nil {
		return fmt.Errorf("pre-restore archive: %w", err)
	}

	if err := m.archiver.Unpack(path); err != nil {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	log.Printf("backup: restored %s", id)
	return nil
}

// Stop cancels any in-flight upload and terminates the periodic loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.done)
		m.wg.Wait()
	})
}

func (m *Manager) find(id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.Dir, archivePrefix+"*.tar.gz"))
	if err != nil {
		return "", err
	}
	for _, p := range matches {
		if strings.Contains(filepath.Base(p), id) || readMetadata(p).ID == id {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Manager) prune() error {
	if m.cfg.KeepLast <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(m.cfg.Dir, archivePrefix+"*.tar.gz"))
	if err != nil {
		return err
	}
	if len(matches) <= m.cfg.KeepLast {
		return nil
	}

	// Names embed the UTC timestamp, so lexical order is age order.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, old := range matches[m.cfg.KeepLast:] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(old + ".json"); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func writeSidecar(archivePath string, md Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(archivePath+".json", append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func readMetadata(archivePath string) Metadata {
	var md Metadata
	if data, err := os.ReadFile(archivePath + ".json"); err == nil {
		if json.Unmarshal(data, &md) == nil && md.ID != "" {
			md.File = filepath.Base(archivePath)
			return md
		}
	}

	// Derive what we can from the file: the short ID baked into the
	// name, the mtime, the size.
	name := filepath.Base(archivePath)
	md = Metadata{ID: idFromName(name), File: name, IncludesConfig: true, IncludesDKIM: true}
	if info, err := os.Stat(archivePath); err == nil {
		md.CreatedAt = info.ModTime().UTC()
		md.SizeBytes = info.Size()
	}
	return md
}

func idFromName(name string) string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), ".tar.gz")
	if i := strings.LastIndex(trimmed, "_"); i >= 0 {
		return trimmed[i+1:]
	}
	return "unknown"
}
