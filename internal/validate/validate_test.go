package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestDomain(t *testing.T) {
	valid := []string{
		"example.com",
		"mail.example.co.uk",
		"sub-domain.example.org",
		"a.bc",
		"x1.y2.z3.example.com",
	}
	for _, d := range valid {
		if err := Domain(d); err != nil {
			t.Errorf("Domain(%q) = %v, want nil", d, err)
		}
	}

	invalid := []string{
		"",
		"-example.com",
		"example",
		"exam ple.com",
		"example.com; rm -rf /",
		"../../../etc/passwd",
		"example.com\ninjection",
		".example.com",
		"example.com.",
	}
	for _, d := range invalid {
		if err := Domain(d); err == nil {
			t.Errorf("Domain(%q) = nil, want error", d)
		}
	}

	long := strings.Repeat("a", 250) + ".com"
	if err := Domain(long); !errors.Is(err, ErrTooLong) {
		t.Errorf("Domain(long) = %v, want ErrTooLong", err)
	}
}

func TestEmail(t *testing.T) {
	valid := []string{
		"user@example.com",
		"first.last@mail.example.com",
		"user+tag@example.org",
	}
	for _, e := range valid {
		if err := Email(e); err != nil {
			t.Errorf("Email(%q) = %v, want nil", e, err)
		}
	}

	invalid := []string{
		"",
		"notanemail",
		"user@",
		"@example.com",
		"user@example.com; DROP TABLE users;--",
		"user@example.com\n",
	}
	for _, e := range invalid {
		if err := Email(e); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("Email(%q) = %v, want ErrInvalidEmail", e, err)
		}
	}
}

func TestNoShellMeta(t *testing.T) {
	if err := NoShellMeta("safe-input.123"); err != nil {
		t.Errorf("NoShellMeta(safe) = %v", err)
	}
	if err := NoShellMeta("simple_name"); err != nil {
		t.Errorf("NoShellMeta(simple) = %v", err)
	}

	for _, s := range []string{
		"$(whoami)", "`id`", "foo;bar", "foo|bar", "foo\nbar",
		"foo\x00bar", "foo&bar", "foo>bar", "foo<bar",
	} {
		if err := NoShellMeta(s); !errors.Is(err, ErrForbiddenCharacters) {
			t.Errorf("NoShellMeta(%q) = %v, want ErrForbiddenCharacters", s, err)
		}
	}
}

func TestPathComponent(t *testing.T) {
	for _, c := range []string{"valid-name", "file.txt", "my_config-2"} {
		if err := PathComponent(c); err != nil {
			t.Errorf("PathComponent(%q) = %v, want nil", c, err)
		}
	}
	for _, c := range []string{"..", "../etc/passwd", "foo/bar", "foo\\bar", "", " "} {
		if err := PathComponent(c); !errors.Is(err, ErrInvalidPathComponent) {
			t.Errorf("PathComponent(%q) = %v, want ErrInvalidPathComponent", c, err)
		}
	}
}

func TestDatabaseName(t *testing.T) {
	for _, n := range []string{"ceymail_mysite", "ceymail-hyphen", "db123", strings.Repeat("a", 64)} {
		if err := DatabaseName(n); err != nil {
			t.Errorf("DatabaseName(%q) = %v, want nil", n, err)
		}
	}
	for _, n := range []string{"DROP TABLE users;--", "db name with spaces", "", strings.Repeat("a", 65)} {
		if err := DatabaseName(n); !errors.Is(err, ErrInvalidDatabaseName) {
			t.Errorf("DatabaseName(%q) = %v, want ErrInvalidDatabaseName", n, err)
		}
	}
}

func TestUsername(t *testing.T) {
	for _, u := range []string{"alice", "bob.smith", "user_name", "user-name"} {
		if err := Username(u); err != nil {
			t.Errorf("Username(%q) = %v, want nil", u, err)
		}
	}
	for _, u := range []string{"root; rm -rf /", "", "user name"} {
		if err := Username(u); !errors.Is(err, ErrInvalidUsername) {
			t.Errorf("Username(%q) = %v, want ErrInvalidUsername", u, err)
		}
	}
}

func TestHostname(t *testing.T) {
	for _, h := range []string{"mail", "mail.example.com", "192.168.1.1"} {
		if err := Hostname(h); err != nil {
			t.Errorf("Hostname(%q) = %v, want nil", h, err)
		}
	}
	for _, h := range []string{"-invalid", ""} {
		if err := Hostname(h); !errors.Is(err, ErrInvalidHostname) {
			t.Errorf("Hostname(%q) = %v, want ErrInvalidHostname", h, err)
		}
	}
}

func TestPassword(t *testing.T) {
	invalid := []string{
		"short",
		"onlylowercase1!",
		"ONLYUPPERCASE1!",
		"NoDigitsHere!!",
		"NoSpecial1234A",
	}
	for _, p := range invalid {
		if err := Password(p); !errors.Is(err, ErrWeakPassword) {
			t.Errorf("Password(%q) = %v, want ErrWeakPassword", p, err)
		}
	}
	for _, p := range []string{"Str0ng!Pass#2024", "C0mpl3x@Passw0rd"} {
		if err := Password(p); err != nil {
			t.Errorf("Password(%q) = %v, want nil", p, err)
		}
	}
}

func TestTLD(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"com", "com"},
		{".COM", "com"},
		{"...org", "org"},
		{strings.Repeat("a", 63), strings.Repeat("a", 63)},
	}
	for _, tt := range cases {
		got, err := TLD(tt.input)
		if err != nil || got != tt.expected {
			t.Errorf("TLD(%q) = %q, %v, want %q", tt.input, got, err, tt.expected)
		}
	}
	for _, bad := range []string{"", "c-om", "co m", strings.Repeat("a", 64)} {
		if _, err := TLD(bad); err == nil {
			t.Errorf("TLD(%q) = nil error, want error", bad)
		}
	}
}
