package confedit

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// VerifyPostfix asks postconf to parse the configuration directory and
// returns its complaints. A missing postconf binary is reported as a
// single warning rather than an error, so config edits still work on
// hosts without Postfix installed.
func VerifyPostfix(ctx context.Context, configDir string) ([]string, error) {
	return runVerifier(ctx, "postconf", "-c", configDir, "-n")
}

// VerifyDovecot asks doveconf to parse the configuration file, with
// the same degradation as VerifyPostfix.
func VerifyDovecot(ctx context.Context, configFile string) ([]string, error) {
	return runVerifier(ctx, "doveconf", "-c", configFile, "-n")
}

func runVerifier(ctx context.Context, name string, args ...string) ([]string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return []string{name + " not found, skipping verification"}, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
	}

	// Both tools report problems on stderr, sometimes with exit 0.
	var warnings []string
	for _, l := range strings.Split(stderr.String(), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			warnings = append(warnings, l)
		}
	}
	return warnings, nil
}
