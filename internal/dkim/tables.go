package dkim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ceymail/ceymail-mc/internal/confedit"
	"github.com/ceymail/ceymail-mc/internal/validate"
)

// Paths OpenDKIM reads, relative to the filesystem root.
const (
	confPath         = "/etc/opendkim.conf"
	tablesDir        = "/etc/opendkim"
	keyTablePath     = "/etc/opendkim/key.table"
	signingTablePath = "/etc/opendkim/signing.table"
	trustedHostsPath = "/etc/opendkim/trusted.hosts"
)

var (
	// ErrDomainExists is returned when a domain is already configured.
	ErrDomainExists = errors.New("domain already in DKIM tables")

	// ErrDomainNotFound is returned when a domain is not configured.
	ErrDomainNotFound = errors.New("domain not in DKIM tables")
)

// Selectors become a DNS label in <selector>._domainkey.<domain>, so
// the character set is tighter than for file names: alphanumerics and
// interior hyphens only.
var selectorRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// Entry is one signing domain in the lookup tables.
type Entry struct {
	Domain   string
	Selector string
}

// Tables models opendkim.conf plus the three lookup tables OpenDKIM
// consults: the key table, the signing table, and the trusted-hosts
// list. Mutate it with AddDomain/RemoveDomain and persist with Save.
type Tables struct {
	KeyTable         []Entry
	SigningTable     []Entry
	TrustedHosts     []string
	Socket           string
	Mode             string
	Canonicalization string
	KeyBaseDir       string
}

// DefaultTables returns an empty configuration with conservative
// milter settings and the loopback hosts trusted.
func DefaultTables() Tables {
	return Tables{
		TrustedHosts:     []string{"127.0.0.1", "localhost"},
		Socket:           "inet:8891@localhost",
		Mode:             "sv",
		Canonicalization: "relaxed/simple",
		KeyBaseDir:       DefaultBaseDir,
	}
}

// AddDomain registers a domain in all three tables. The domain and its
// wildcard are added to the trusted hosts so locally submitted mail is
// signed rather than verified.
func (t *Tables) AddDomain(domain, selector string) error {
	if err := validate.Domain(domain); err != nil {
		return err
	}
	if !selectorRE.MatchString(selector) {
		return fmt.Errorf("invalid DKIM selector: %q", selector)
	}
	for _, e := range t.KeyTable {
		if e.Domain == domain {
			return fmt.Errorf("%w: %s", ErrDomainExists, domain)
		}
	}

	entry := Entry{Domain: domain, Selector: selector}
	t.KeyTable = append(t.KeyTable, entry)
	t.SigningTable = append(t.SigningTable, entry)
	t.addTrusted(domain)
	t.addTrusted("*." + domain)
	return nil
}

// RemoveDomain drops a domain from all three tables, including its
// trusted-hosts wildcard.
func (t *Tables) RemoveDomain(domain string) error {
	if err := validate.Domain(domain); err != nil {
		return err
	}

	before := len(t.KeyTable)
	t.KeyTable = dropDomain(t.KeyTable, domain)
	if len(t.KeyTable) == before {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	t.SigningTable = dropDomain(t.SigningTable, domain)

	wildcard := "*." + domain
	hosts := t.TrustedHosts[:0]
	for _, h := range t.TrustedHosts {
		if h != domain && h != wildcard {
			hosts = append(hosts, h)
		}
	}
	t.TrustedHosts = hosts
	return nil
}

// Domains returns the configured entries in table order.
func (t *Tables) Domains() []Entry {
	out := make([]Entry, len(t.KeyTable))
	copy(out, t.KeyTable)
	return out
}

func (t *Tables) addTrusted(host string) {
	for _, h := range t.TrustedHosts {
		if h == host {
			return
		}
	}
	t.TrustedHosts = append(t.TrustedHosts, host)
}

func dropDomain(entries []Entry, domain string) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Domain != domain {
			out = append(out, e)
		}
	}
	return out
}

// LoadTables reads the current configuration from the standard paths
// under root. Missing or unreadable files leave the defaults in place,
// so a fresh host loads cleanly.
func LoadTables(root string) Tables {
	t := DefaultTables()

	if data, err := os.ReadFile(filepath.Join(root, keyTablePath)); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			// selector._domainkey.domain domain:selector:keyfile
			_, rest, found := strings.Cut(line, " ")
			if !found {
				continue
			}
			parts := strings.SplitN(rest, ":", 3)
			if len(parts) < 2 {
				continue
			}
			entry := Entry{Domain: parts[0], Selector: parts[1]}
			if t.hasDomain(entry.Domain) {
				continue
			}
			t.KeyTable = append(t.KeyTable, entry)
			t.SigningTable = append(t.SigningTable, entry)
		}
	}

	if data, err := os.ReadFile(filepath.Join(root, trustedHostsPath)); err == nil {
		t.TrustedHosts = nil
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				t.TrustedHosts = append(t.TrustedHosts, line)
			}
		}
	}

	return t
}

func (t *Tables) hasDomain(domain string) bool {
	for _, e := range t.KeyTable {
		if e.Domain == domain {
			return true
		}
	}
	return false
}

// Save writes opendkim.conf and the three tables under root. Every
// write is atomic so a crash never leaves OpenDKIM half-configured.
func (t *Tables) Save(root string) error {
	if err := os.MkdirAll(filepath.Join(root, tablesDir), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", tablesDir, err)
	}

	files := []struct {
		path string
		data string
	}{
		{confPath, t.renderConf()},
		{keyTablePath, t.renderKeyTable()},
		{signingTablePath, t.renderSigningTable()},
		{trustedHostsPath, t.renderTrustedHosts()},
	}
	for _, f := range files {
		if err := confedit.WriteFileAtomic(filepath.Join(root, f.path), []byte(f.data), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}

func (t *Tables) renderConf() string {
	return fmt.Sprintf(`## managed by ceymail-mc
AutoRestart             Yes
AutoRestartRate         10/1h
Syslog                  yes
SyslogSuccess           Yes
LogWhy                  Yes

Canonicalization        %s
Mode                    %s
SubDomains              no

OversignHeaders         From

Socket                  %s
PidFile                 /run/opendkim/opendkim.pid
UMask                   002

UserID                  opendkim:opendkim

TrustAnchorFile         /usr/share/dns/root.key

KeyTable                refile:/etc/opendkim/key.table
SigningTable            refile:/etc/opendkim/signing.table
ExternalIgnoreList      /etc/opendkim/trusted.hosts
InternalHosts           /etc/opendkim/trusted.hosts
`, t.Canonicalization, t.Mode, t.Socket)
}

// renderKeyTable emits one line per domain:
//
//	<selector>._domainkey.<domain> <domain>:<selector>:<keyfile>
//
// The key file carries the domain's name, matching what Generate
// leaves on disk.
func (t *Tables) renderKeyTable() string {
	var b strings.Builder
	for _, e := range t.KeyTable {
		fmt.Fprintf(&b, "%s._domainkey.%s %s:%s:%s/%s/%s.private\n",
			e.Selector, e.Domain, e.Domain, e.Selector, t.KeyBaseDir, e.Domain, e.Domain)
	}
	return b.String()
}

// renderSigningTable emits one line per domain:
//
//	*@<domain> <selector>._domainkey.<domain>
func (t *Tables) renderSigningTable() string {
	var b strings.Builder
	for _, e := range t.SigningTable {
		fmt.Fprintf(&b, "*@%s %s._domainkey.%s\n", e.Domain, e.Selector, e.Domain)
	}
	return b.String()
}

func (t *Tables) renderTrustedHosts() string {
	var b strings.Builder
	for _, h := range t.TrustedHosts {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	return b.String()
}
