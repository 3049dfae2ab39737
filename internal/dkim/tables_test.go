package dkim

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDefaultTables(t *testing.T) {
	cfg := DefaultTables()
	if cfg.Socket != "inet:8891@localhost" {
		t.Errorf("Socket = %q", cfg.Socket)
	}
	if cfg.Mode != "sv" {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.Canonicalization != "relaxed/simple" {
		t.Errorf("Canonicalization = %q", cfg.Canonicalization)
	}
	if cfg.KeyBaseDir != DefaultBaseDir {
		t.Errorf("KeyBaseDir = %q, want %q", cfg.KeyBaseDir, DefaultBaseDir)
	}
	want := []string{"127.0.0.1", "localhost"}
	if !reflect.DeepEqual(cfg.TrustedHosts, want) {
		t.Errorf("TrustedHosts = %v, want %v", cfg.TrustedHosts, want)
	}
}

func TestAddDomainRegistersEverywhere(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}

	want := Entry{Domain: "example.com", Selector: "mail"}
	if len(cfg.KeyTable) != 1 || cfg.KeyTable[0] != want {
		t.Errorf("KeyTable = %v", cfg.KeyTable)
	}
	if len(cfg.SigningTable) != 1 || cfg.SigningTable[0] != want {
		t.Errorf("SigningTable = %v", cfg.SigningTable)
	}
	for _, host := range []string{"example.com", "*.example.com"} {
		if !containsHost(cfg.TrustedHosts, host) {
			t.Errorf("TrustedHosts missing %q: %v", host, cfg.TrustedHosts)
		}
	}
}

func TestAddDomainRejectsDuplicate(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	if err := cfg.AddDomain("example.com", "other"); !errors.Is(err, ErrDomainExists) {
		t.Errorf("AddDomain duplicate = %v, want ErrDomainExists", err)
	}
}

func TestAddDomainValidation(t *testing.T) {
	tests := []struct {
		name     string
		domain   string
		selector string
		wantErr  bool
	}{
		{"empty domain", "", "mail", true},
		{"single label", "localhost", "mail", true},
		{"shell injection", "example.com; rm -rf /", "mail", true},
		{"embedded newline", "example.com\nevil.com", "mail", true},
		{"leading dot", ".example.com", "mail", true},
		{"trailing dot", "example.com.", "mail", true},
		{"selector with space", "example.com", "mail key", true},
		{"selector subshell", "example.com", "$(whoami)", true},
		{"selector underscore", "example.com", "mail_key", true},
		{"subdomain", "sub.example.com", "mail", false},
		{"numeric selector", "example.com", "dkim2024", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTables()
			err := cfg.AddDomain(tt.domain, tt.selector)
			if (err != nil) != tt.wantErr {
				t.Errorf("AddDomain(%q, %q) = %v, wantErr %v", tt.domain, tt.selector, err, tt.wantErr)
			}
		})
	}
}

func TestRemoveDomain(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	if err := cfg.AddDomain("other.org", "dkim2024"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}

	if err := cfg.RemoveDomain("example.com"); err != nil {
		t.Fatalf("RemoveDomain: %v", err)
	}
	if len(cfg.KeyTable) != 1 || cfg.KeyTable[0].Domain != "other.org" {
		t.Errorf("KeyTable = %v", cfg.KeyTable)
	}
	if len(cfg.SigningTable) != 1 || cfg.SigningTable[0].Domain != "other.org" {
		t.Errorf("SigningTable = %v", cfg.SigningTable)
	}
	for _, host := range []string{"example.com", "*.example.com"} {
		if containsHost(cfg.TrustedHosts, host) {
			t.Errorf("TrustedHosts still lists %q: %v", host, cfg.TrustedHosts)
		}
	}
	if !containsHost(cfg.TrustedHosts, "other.org") {
		t.Errorf("TrustedHosts lost other.org: %v", cfg.TrustedHosts)
	}
}

func TestRemoveDomainNotFound(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.RemoveDomain("example.com"); !errors.Is(err, ErrDomainNotFound) {
		t.Errorf("RemoveDomain = %v, want ErrDomainNotFound", err)
	}
}

func TestDomainsIsACopy(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	domains := cfg.Domains()
	domains[0].Domain = "mutated.example.com"
	if cfg.KeyTable[0].Domain != "example.com" {
		t.Errorf("Domains leaked internal slice")
	}
}

func TestRenderKeyTable(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	want := "mail._domainkey.example.com example.com:mail:/etc/mail/dkim-keys/example.com/example.com.private\n"
	if got := cfg.renderKeyTable(); got != want {
		t.Errorf("renderKeyTable() = %q, want %q", got, want)
	}
}

func TestRenderSigningTable(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	want := "*@example.com mail._domainkey.example.com\n"
	if got := cfg.renderSigningTable(); got != want {
		t.Errorf("renderSigningTable() = %q, want %q", got, want)
	}
}

func TestRenderConf(t *testing.T) {
	cfg := DefaultTables()
	out := cfg.renderConf()
	for _, want := range []string{
		"Socket                  inet:8891@localhost",
		"Mode                    sv",
		"Canonicalization        relaxed/simple",
		"KeyTable                refile:/etc/opendkim/key.table",
		"SigningTable            refile:/etc/opendkim/signing.table",
		"InternalHosts           /etc/opendkim/trusted.hosts",
		"OversignHeaders         From",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("renderConf() missing %q", want)
		}
	}
}

func TestRenderTrustedHosts(t *testing.T) {
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	got := cfg.renderTrustedHosts()
	want := "127.0.0.1\nlocalhost\nexample.com\n*.example.com\n"
	if got != want {
		t.Errorf("renderTrustedHosts() = %q, want %q", got, want)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultTables()
	if err := cfg.AddDomain("example.com", "mail"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	if err := cfg.AddDomain("other.org", "dkim2024"); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	if err := cfg.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, p := range []string{
		"etc/opendkim.conf",
		"etc/opendkim/key.table",
		"etc/opendkim/signing.table",
		"etc/opendkim/trusted.hosts",
	} {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}

	loaded := LoadTables(root)
	if !reflect.DeepEqual(loaded.KeyTable, cfg.KeyTable) {
		t.Errorf("KeyTable = %v, want %v", loaded.KeyTable, cfg.KeyTable)
	}
	if !reflect.DeepEqual(loaded.SigningTable, cfg.SigningTable) {
		t.Errorf("SigningTable = %v, want %v", loaded.SigningTable, cfg.SigningTable)
	}
	if !reflect.DeepEqual(loaded.TrustedHosts, cfg.TrustedHosts) {
		t.Errorf("TrustedHosts = %v, want %v", loaded.TrustedHosts, cfg.TrustedHosts)
	}
}

func TestLoadMissingFilesKeepsDefaults(t *testing.T) {
	got := LoadTables(t.TempDir())
	if !reflect.DeepEqual(got, DefaultTables()) {
		t.Errorf("LoadTables = %+v, want defaults", got)
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "etc", "opendkim")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := strings.Join([]string{
		"# a comment",
		"",
		"no-space-on-this-line",
		"mail._domainkey.example.com example.com:mail:/etc/mail/dkim-keys/example.com/example.com.private",
		"mail._domainkey.example.com example.com:mail:/duplicate",
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "key.table"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := LoadTables(root)
	if len(got.KeyTable) != 1 {
		t.Fatalf("KeyTable has %d entries, want 1: %v", len(got.KeyTable), got.KeyTable)
	}
	if got.KeyTable[0].Domain != "example.com" || got.KeyTable[0].Selector != "mail" {
		t.Errorf("entry = %+v", got.KeyTable[0])
	}
}

func TestLoadTrustedHostsReplacesDefaults(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "etc", "opendkim")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trusted.hosts"), []byte("10.0.0.8\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := LoadTables(root)
	want := []string{"10.0.0.8"}
	if !reflect.DeepEqual(got.TrustedHosts, want) {
		t.Errorf("TrustedHosts = %v, want %v", got.TrustedHosts, want)
	}
}

func containsHost(hosts []string, want string) bool {
	for _, h := range hosts {
		if h == want {
			return true
		}
	}
	return false
}
