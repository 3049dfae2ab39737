package dkim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestService(t *testing.T) (*Service, *fakeRunner, string) {
	t.Helper()
	root := t.TempDir()
	fr := newFakeRunner()
	m := &Manager{baseDir: filepath.Join(root, DefaultBaseDir), run: fr.run}
	return &Service{keys: m, root: root}, fr, root
}

func readUnderRoot(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func TestServiceGenerateUpdatesTables(t *testing.T) {
	svc, _, root := newTestService(t)

	info, err := svc.Generate(context.Background(), "example.com", "mail")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if info.Domain != "example.com" {
		t.Errorf("info.Domain = %q", info.Domain)
	}

	keyTable := readUnderRoot(t, root, "etc/opendkim/key.table")
	wantLine := "mail._domainkey.example.com example.com:mail:/etc/mail/dkim-keys/example.com/example.com.private\n"
	if keyTable != wantLine {
		t.Errorf("key.table = %q, want %q", keyTable, wantLine)
	}

	signing := readUnderRoot(t, root, "etc/opendkim/signing.table")
	if signing != "*@example.com mail._domainkey.example.com\n" {
		t.Errorf("signing.table = %q", signing)
	}

	trusted := readUnderRoot(t, root, "etc/opendkim/trusted.hosts")
	if !strings.Contains(trusted, "*.example.com\n") {
		t.Errorf("trusted.hosts missing wildcard: %q", trusted)
	}

	conf := readUnderRoot(t, root, "etc/opendkim.conf")
	if !strings.Contains(conf, "Socket                  inet:8891@localhost") {
		t.Errorf("opendkim.conf missing socket line: %q", conf)
	}
}

func TestServiceDeleteCleansUp(t *testing.T) {
	svc, _, root := newTestService(t)
	if _, err := svc.Generate(context.Background(), "example.com", "mail"); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := svc.Delete("example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if keyTable := readUnderRoot(t, root, "etc/opendkim/key.table"); strings.TrimSpace(keyTable) != "" {
		t.Errorf("key.table not emptied: %q", keyTable)
	}
	trusted := readUnderRoot(t, root, "etc/opendkim/trusted.hosts")
	if strings.Contains(trusted, "example.com") {
		t.Errorf("trusted.hosts still lists the domain: %q", trusted)
	}
	keyDir := filepath.Join(root, DefaultBaseDir, "example.com")
	if _, err := os.Stat(keyDir); err == nil {
		t.Errorf("key directory still present")
	}
}

func TestServiceDeleteUnknownDomainKeepsFiles(t *testing.T) {
	svc, _, root := newTestService(t)
	keyDir := filepath.Join(root, DefaultBaseDir, "example.com")
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	err := svc.Delete("example.com")
	if !errors.Is(err, ErrDomainNotFound) {
		t.Fatalf("Delete = %v, want ErrDomainNotFound", err)
	}
	if _, err := os.Stat(keyDir); err != nil {
		t.Errorf("key directory removed despite table error: %v", err)
	}
}

func TestServiceGenerateTableConflictKeepsFiles(t *testing.T) {
	svc, _, root := newTestService(t)

	pre := DefaultTables()
	if err := pre.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	if err := pre.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := svc.Generate(context.Background(), "example.com", "mail")
	if !errors.Is(err, ErrDomainExists) {
		t.Fatalf("Generate = %v, want ErrDomainExists", err)
	}
	// The generated key stays on disk for the operator to inspect.
	priv := filepath.Join(root, DefaultBaseDir, "example.com", "example.com.private")
	if _, statErr := os.Stat(priv); statErr != nil {
		t.Errorf("private key missing after table conflict: %v", statErr)
	}
}

func TestServiceListReportsGeneratedKeys(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Generate(context.Background(), "example.com", "mail"); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	keys, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0].Domain != "example.com" {
		t.Errorf("List = %+v", keys)
	}
}
