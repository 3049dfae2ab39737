// Package dnscheck answers deliverability questions with dig: does a
// domain resolve, is an IP on the common blocklists, and is the local
// resolver alive. Everything shells out; the daemon never speaks DNS
// itself.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ceymail/ceymail-mc/internal/validate"
)

var (
	// ErrToolNotFound is returned when dig is not on PATH.
	ErrToolNotFound = errors.New("dig not found, is dnsutils installed")

	// ErrInvalidIP is returned for anything that is not a dotted-quad
	// IPv4 address.
	ErrInvalidIP = errors.New("invalid IPv4 address")
)

// blocklists are the DNSBLs every reputation check consults, in order.
var blocklists = []string{
	"zen.spamhaus.org",
	"bl.spamcop.net",
	"b.barracudacentral.org",
	"dnsbl.sorbs.net",
	"ips.backscatterer.org",
}

// Blocklists returns the consulted DNSBL zones in their fixed order.
func Blocklists() []string {
	out := make([]string, len(blocklists))
	copy(out, blocklists)
	return out
}

// runFunc invokes dig with the given arguments. ok reports a zero
// exit; err is set only when the process never started.
type runFunc func(ctx context.Context, args ...string) (stdout string, ok bool, err error)

func execDig(ctx context.Context, args ...string) (string, bool, error) {
	cmd := exec.CommandContext(ctx, "dig", args...)
	var out strings.Builder
	cmd.Stdout = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), false, nil
		}
		return "", false, err
	}
	return out.String(), true, nil
}

// Checker wraps dig for resolution, DNSBL, and resolver liveness
// checks.
type Checker struct {
	run runFunc
}

func NewChecker() *Checker {
	return &Checker{run: execDig}
}

func (c *Checker) query(ctx context.Context, args ...string) (string, bool, error) {
	out, ok, err := c.run(ctx, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", false, ErrToolNotFound
		}
		return "", false, fmt.Errorf("dig: %w", err)
	}
	return out, ok, nil
}

// Resolves reports whether the domain has at least one A record.
func (c *Checker) Resolves(ctx context.Context, domain string) (bool, error) {
	if err := validate.Domain(domain); err != nil {
		return false, err
	}

	out, _, err := c.query(ctx, "+short", "+timeout=5", "+tries=2", domain, "A")
	if err != nil {
		return false, err
	}
	return hasAnswer(out), nil
}

// CheckDNSBL queries every blocklist for the reversed IP and returns
// the zones that list it. An empty result means the IP is clean. A
// listing is any answer in 127.0.0.0/8, per DNSBL convention.
func (c *Checker) CheckDNSBL(ctx context.Context, ip string) ([]string, error) {
	reversed, err := reverseIPv4(ip)
	if err != nil {
		return nil, err
	}

	var listed []string
	for _, zone := range blocklists {
		out, _, err := c.query(ctx, "+short", "+timeout=3", "+tries=1", reversed+"."+zone, "A")
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "127.") {
				log.Printf("dnscheck: %s is listed on %s", ip, zone)
				listed = append(listed, zone)
				break
			}
		}
	}
	return listed, nil
}

// TestResolver sends a probe query to the resolver expected on
// 127.0.0.1 and reports whether it answered.
func (c *Checker) TestResolver(ctx context.Context) (bool, error) {
	out, ok, err := c.query(ctx, "@127.0.0.1", "+short", "+timeout=3", "+tries=1", "example.com", "A")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return hasAnswer(out), nil
}

// hasAnswer reports whether dig +short printed any record. Comment
// lines (";;") show up on timeouts even with +short.
func hasAnswer(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, ";;") {
			return true
		}
	}
	return false
}

// reverseIPv4 validates a dotted-quad address and returns its octets
// in reverse order, the form every DNSBL expects.
func reverseIPv4(ip string) (string, error) {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 8); err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
		}
	}
	return parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0], nil
}
