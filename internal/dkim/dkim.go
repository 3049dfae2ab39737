// Package dkim generates per-domain DKIM signing keys and maintains
// the OpenDKIM lookup tables that put them into service. Key material
// is produced by opendkim-genkey and never passes through this
// process; the package only moves files and rewrites tables.
package dkim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ceymail/ceymail-mc/internal/validate"
)

// DefaultBaseDir holds one subdirectory per signing domain.
const DefaultBaseDir = "/etc/mail/dkim-keys"

// DefaultSelector is the selector the installer provisions and the
// one assumed when listing keys.
const DefaultSelector = "mail"

var (
	// ErrKeyExists is returned when a domain already has a private key.
	ErrKeyExists = errors.New("DKIM key already exists")

	// ErrToolNotFound is returned when opendkim-genkey is not on PATH.
	ErrToolNotFound = errors.New("opendkim-genkey not found, is opendkim-tools installed")
)

// KeyInfo describes one generated key pair and the TXT record the
// domain owner has to publish.
type KeyInfo struct {
	Domain         string
	Selector       string
	PrivateKeyPath string
	PublicKeyPath  string
	DNSRecord      string
}

// runFunc spawns a command in an optional working directory. ok
// reports a zero exit; err is set only when the process never started.
type runFunc func(ctx context.Context, dir, name string, args ...string) (stderr string, ok bool, err error)

func execRun(ctx context.Context, dir, name string, args ...string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var errBuf strings.Builder
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errBuf.String(), false, nil
		}
		return errBuf.String(), false, err
	}
	return errBuf.String(), true, nil
}

// Manager creates, lists, and deletes key material under a base
// directory.
type Manager struct {
	baseDir string
	run     runFunc
}

func NewManager() *Manager {
	return &Manager{baseDir: DefaultBaseDir, run: execRun}
}

// Generate creates a key pair for domain with the given selector.
// opendkim-genkey writes selector-named files; they are renamed to
// carry the domain so the directory stays self-describing. Inputs are
// validated before any path or argv is built.
func (m *Manager) Generate(ctx context.Context, domain, selector string) (KeyInfo, error) {
	if err := validate.Domain(domain); err != nil {
		return KeyInfo{}, err
	}
	if err := validate.PathComponent(selector); err != nil {
		return KeyInfo{}, err
	}

	domainDir := filepath.Join(m.baseDir, domain)
	privPath := filepath.Join(domainDir, domain+".private")
	txtPath := filepath.Join(domainDir, domain+".txt")

	if _, err := os.Stat(privPath); err == nil {
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrKeyExists, domain)
	}
	if err := os.MkdirAll(domainDir, 0o755); err != nil {
		return KeyInfo{}, fmt.Errorf("create key directory: %w", err)
	}

	stderr, ok, err := m.run(ctx, domainDir, "opendkim-genkey", "-s", selector, "-d", domain)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return KeyInfo{}, ErrToolNotFound
		}
		return KeyInfo{}, fmt.Errorf("opendkim-genkey: %w", err)
	}
	if !ok {
		return KeyInfo{}, fmt.Errorf("DKIM key generation failed: %s", strings.TrimSpace(stderr))
	}

	renames := []struct{ src, dst string }{
		{filepath.Join(domainDir, selector+".private"), privPath},
		{filepath.Join(domainDir, selector+".txt"), txtPath},
	}
	for _, r := range renames {
		if _, err := os.Stat(r.src); err == nil {
			if err := os.Rename(r.src, r.dst); err != nil {
				return KeyInfo{}, fmt.Errorf("rename key file: %w", err)
			}
		}
	}

	record, _ := os.ReadFile(txtPath)

	if err := m.fixOwnership(ctx, domainDir); err != nil {
		return KeyInfo{}, err
	}

	log.Printf("dkim: generated key for %s with selector %s", domain, selector)
	return KeyInfo{
		Domain:         domain,
		Selector:       selector,
		PrivateKeyPath: privPath,
		PublicKeyPath:  txtPath,
		DNSRecord:      string(record),
	}, nil
}

// Delete removes all key material for domain. A domain without keys is
// not an error.
func (m *Manager) Delete(domain string) error {
	if err := validate.Domain(domain); err != nil {
		return err
	}

	domainDir := filepath.Join(m.baseDir, domain)
	if _, err := os.Stat(domainDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(domainDir); err != nil {
		return fmt.Errorf("remove key directory: %w", err)
	}
	log.Printf("dkim: deleted keys for %s", domain)
	return nil
}

// List returns every domain that has a key directory. The selector is
// not recoverable from the directory layout, so the default is
// reported.
func (m *Manager) List() ([]KeyInfo, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key directory: %w", err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		domain := entry.Name()
		dir := filepath.Join(m.baseDir, domain)
		txtPath := filepath.Join(dir, domain+".txt")
		record, _ := os.ReadFile(txtPath)

		keys = append(keys, KeyInfo{
			Domain:         domain,
			Selector:       DefaultSelector,
			PrivateKeyPath: filepath.Join(dir, domain+".private"),
			PublicKeyPath:  txtPath,
			DNSRecord:      string(record),
		})
	}
	return keys, nil
}

// fixOwnership hands the key directory to the opendkim user and locks
// it down. Both calls go through subprocesses so the daemon itself
// does not need CAP_CHOWN; a nonzero exit is logged and tolerated.
func (m *Manager) fixOwnership(ctx context.Context, dir string) error {
	if _, ok, err := m.run(ctx, "", "chown", "-R", "opendkim:opendkim", dir); err != nil {
		return fmt.Errorf("chown key directory: %w", err)
	} else if !ok {
		log.Printf("dkim: chown on %s failed (may need elevated privileges)", dir)
	}
	if _, ok, err := m.run(ctx, "", "chmod", "-R", "700", dir); err != nil {
		return fmt.Errorf("chmod key directory: %w", err)
	} else if !ok {
		log.Printf("dkim: chmod on %s failed (may need elevated privileges)", dir)
	}
	return nil
}
