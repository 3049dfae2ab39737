// Package confedit reads and rewrites "key = value" service
// configuration files (Postfix main.cf and friends) while preserving
// comments, blank lines, and ordering, so a managed edit produces a
// minimal diff.
package confedit

import (
	"fmt"
	"strings"
	"unicode"
)

type lineKind int

const (
	lineKeyValue lineKind = iota
	lineComment
	lineBlank
)

type line struct {
	kind  lineKind
	key   string
	value string
	// text is the comment body including the leading '#'.
	text string
}

// ConfigFile is a parsed configuration file. The zero value is an
// empty file.
type ConfigFile struct {
	lines []line
}

// Parse reads Postfix-style configuration text. Every line must be a
// comment, blank, or a key = value assignment.
func Parse(input string) (*ConfigFile, error) {
	f := &ConfigFile{}
	if input == "" {
		return f, nil
	}

	rows := strings.Split(input, "\n")
	// A trailing newline produces one empty trailing element, which is
	// not a line of its own.
	if rows[len(rows)-1] == "" {
		rows = rows[:len(rows)-1]
	}

	for i, row := range rows {
		row = strings.TrimSuffix(row, "\r")
		trimmed := strings.TrimLeft(row, " \t")

		switch {
		case trimmed == "":
			f.lines = append(f.lines, line{kind: lineBlank})
		case strings.HasPrefix(trimmed, "#"):
			f.lines = append(f.lines, line{kind: lineComment, text: trimmed})
		default:
			key, value, err := splitKeyValue(trimmed)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			f.lines = append(f.lines, line{kind: lineKeyValue, key: key, value: value})
		}
	}
	return f, nil
}

func isKeyRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

func splitKeyValue(s string) (key, value string, err error) {
	end := 0
	for _, r := range s {
		if !isKeyRune(r) {
			break
		}
		end += len(string(r))
	}
	if end == 0 {
		return "", "", fmt.Errorf("expected a key, got %q", s)
	}
	key = s[:end]

	rest := strings.TrimLeft(s[end:], " \t")
	if !strings.HasPrefix(rest, "=") {
		return "", "", fmt.Errorf("expected '=' after key %q", key)
	}
	value = strings.TrimSpace(rest[1:])
	return key, value, nil
}

// Get returns the first value for key.
func (f *ConfigFile) Get(key string) (string, bool) {
	for _, l := range f.lines {
		if l.kind == lineKeyValue && l.key == key {
			return l.value, true
		}
	}
	return "", false
}

// GetAll returns every value for key, in file order, for directives
// that may repeat.
func (f *ConfigFile) GetAll(key string) []string {
	var out []string
	for _, l := range f.lines {
		if l.kind == lineKeyValue && l.key == key {
			out = append(out, l.value)
		}
	}
	return out
}

// Set replaces the first assignment of key, or appends a new one.
func (f *ConfigFile) Set(key, value string) {
	for i := range f.lines {
		if f.lines[i].kind == lineKeyValue && f.lines[i].key == key {
			f.lines[i].value = value
			return
		}
	}
	f.lines = append(f.lines, line{kind: lineKeyValue, key: key, value: value})
}

// Remove deletes every assignment of key.
func (f *ConfigFile) Remove(key string) {
	kept := f.lines[:0]
	for _, l := range f.lines {
		if l.kind == lineKeyValue && l.key == key {
			continue
		}
		kept = append(kept, l)
	}
	f.lines = kept
}

// Serialize renders the file back to text. Assignments are normalized
// to "key = value"; comments and blank lines come back verbatim.
func (f *ConfigFile) Serialize() string {
	var b strings.Builder
	for _, l := range f.lines {
		switch l.kind {
		case lineKeyValue:
			b.WriteString(l.key)
			b.WriteString(" = ")
			b.WriteString(l.value)
		case lineComment:
			b.WriteString(l.text)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ToMap flattens the assignments, last value winning for repeated
// keys.
func (f *ConfigFile) ToMap() map[string]string {
	m := make(map[string]string)
	for _, l := range f.lines {
		if l.kind == lineKeyValue {
			m[l.key] = l.value
		}
	}
	return m
}
