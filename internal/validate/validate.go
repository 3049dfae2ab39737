// Package validate holds strict allowlist validators for every external
// input that flows into subprocess arguments, file paths, database
// queries, or configuration files. Callers must validate before the
// value reaches any of those sinks.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	ErrInvalidDomain        = errors.New("invalid domain name")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrInvalidDatabaseName  = errors.New("invalid database name")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrInvalidHostname      = errors.New("invalid hostname")
	ErrInvalidPathComponent = errors.New("invalid path component")
	ErrTooLong              = errors.New("input too long")
	ErrForbiddenCharacters  = errors.New("input contains forbidden characters")
	ErrWeakPassword         = errors.New("password does not meet requirements")
)

var (
	// Fully-qualified domain name (RFC 1035 / RFC 1123 compatible).
	domainRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*\.[a-zA-Z]{2,}$`)

	// RFC 5321 compatible email address (simplified but safe).
	emailRE = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*\\.[a-zA-Z]{2,}$")

	// MySQL / MariaDB database name.
	dbNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

	// Unix username.
	usernameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

	// Hostname (RFC 952 / RFC 1123). Single labels are fine here.
	hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,253}[a-zA-Z0-9])?$`)

	// Safe path component: one file or directory name, never a full path.
	pathComponentRE = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,255}$`)
)

// Rejected in anything headed for a subprocess argument, even though
// exec never invokes a shell.
const shellMetacharacters = "`$(){}[]|;&<>\n\r\x00\\\"'"

// Domain validates a fully-qualified domain name. Bare TLDs, leading or
// trailing hyphens and dots, whitespace, and anything over 253 bytes are
// rejected.
func Domain(domain string) error {
	if len(domain) > 253 {
		return fmt.Errorf("%w: max 253 chars, got %d", ErrTooLong, len(domain))
	}
	if !domainRE.MatchString(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return nil
}

// Email validates an address against a simplified RFC 5321 pattern.
func Email(email string) error {
	if len(email) > 254 {
		return fmt.Errorf("%w: max 254 chars, got %d", ErrTooLong, len(email))
	}
	if !emailRE.MatchString(email) {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}

// DatabaseName validates a MySQL / MariaDB database name: alphanumerics,
// underscore, hyphen, at most 64 characters.
func DatabaseName(name string) error {
	if !dbNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}
	return nil
}

// Username validates a Unix username.
func Username(username string) error {
	if !usernameRE.MatchString(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return nil
}

// Hostname validates an RFC 952 / RFC 1123 hostname.
func Hostname(hostname string) error {
	if len(hostname) > 253 {
		return fmt.Errorf("%w: max 253 chars, got %d", ErrTooLong, len(hostname))
	}
	if !hostnameRE.MatchString(hostname) {
		return fmt.Errorf("%w: %q", ErrInvalidHostname, hostname)
	}
	return nil
}

// PathComponent validates a single file or directory name. Traversal
// sequences, slashes, backslashes, and NUL bytes are rejected before the
// allowlist is even consulted.
func PathComponent(component string) error {
	if strings.Contains(component, "..") ||
		strings.ContainsAny(component, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidPathComponent, component)
	}
	if !pathComponentRE.MatchString(component) {
		return fmt.Errorf("%w: %q", ErrInvalidPathComponent, component)
	}
	return nil
}

// NoShellMeta rejects strings carrying shell metacharacters. exec passes
// argv directly, so this guards against a future accidental "sh -c".
func NoShellMeta(input string) error {
	if i := strings.IndexAny(input, shellMetacharacters); i >= 0 {
		return fmt.Errorf("%w: %q", ErrForbiddenCharacters, input[i:i+1])
	}
	return nil
}

// Password enforces minimum strength: at least 12 bytes with an upper
// and lower case letter, an ASCII digit, and a non-alphanumeric.
func Password(password string) error {
	if len(password) < 12 {
		return ErrWeakPassword
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return ErrWeakPassword
	}
	return nil
}

// TLD normalizes and validates a top-level domain: leading dots are
// stripped, the rest lowercased and restricted to ASCII alphanumerics,
// 1-63 characters.
func TLD(tld string) (string, error) {
	tld = strings.ToLower(strings.TrimLeft(tld, "."))
	if tld == "" || len(tld) > 63 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, tld)
	}
	for _, r := range tld {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidDomain, tld)
		}
	}
	return tld, nil
}
