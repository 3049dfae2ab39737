// Package services controls and inspects the mail-stack systemd units.
// Every operation is restricted to an allow-list of unit names so the
// RPC surface can never be steered at arbitrary services.
package services

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ceymail/ceymail-mc/internal/model"
)

// ErrNotAllowed is returned for any unit name outside the allow-list.
var ErrNotAllowed = errors.New("service not in allow-list")

// allowedServices are the units this daemon manages. Closed set.
var allowedServices = []string{
	"postfix",
	"dovecot",
	"opendkim",
	"spamassassin",
	"apache2",
	"mariadb",
	"mysql",
	"unbound",
	"clamav-daemon",
	"clamav-freshclam",
	"fail2ban",
	"ceymail-mc",
}

// Allowed returns the managed unit names in their fixed order.
func Allowed() []string {
	out := make([]string, len(allowedServices))
	copy(out, allowedServices)
	return out
}

// IsAllowed reports whether name is a managed unit.
func IsAllowed(name string) bool {
	for _, s := range allowedServices {
		if s == name {
			return true
		}
	}
	return false
}

// runFunc executes systemctl with the given arguments. ok reports a
// zero exit; err is set only when the process could not start.
type runFunc func(args ...string) (stdout, stderr string, ok bool, err error)

func execSystemctl(args ...string) (string, string, bool, error) {
	cmd := exec.Command("systemctl", args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), errBuf.String(), false, nil
		}
		return "", "", false, err
	}
	return out.String(), errBuf.String(), true, nil
}

// Manager implements model.ServiceController over systemctl.
type Manager struct {
	run runFunc
}

func NewManager() *Manager {
	return &Manager{run: execSystemctl}
}

func checkAllowed(name string) error {
	if !IsAllowed(name) {
		return fmt.Errorf("%w: %s", ErrNotAllowed, name)
	}
	return nil
}

// Control applies a lifecycle action to an allow-listed unit. The
// action vocabulary is closed; anything else is rejected before
// systemctl sees it.
func (m *Manager) Control(name string, action model.ServiceAction) error {
	if err := checkAllowed(name); err != nil {
		return err
	}
	switch action {
	case model.ActionStart, model.ActionStop, model.ActionRestart,
		model.ActionReload, model.ActionEnable, model.ActionDisable:
	default:
		return fmt.Errorf("unsupported service action: %q", action)
	}

	_, stderr, ok, err := m.run(string(action), name)
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %w", action, name, err)
	}
	if !ok {
		return fmt.Errorf("systemctl %s %s failed: %s", action, name, strings.TrimSpace(stderr))
	}
	log.Printf("services: %s %s", action, name)
	return nil
}

// IsActive reports whether the unit is currently active. systemctl
// is-active exits nonzero for inactive units, so only the output
// matters.
func (m *Manager) IsActive(name string) (bool, error) {
	if err := checkAllowed(name); err != nil {
		return false, err
	}
	out, _, _, err := m.run("is-active", name)
	if err != nil {
		return false, fmt.Errorf("systemctl is-active %s: %w", name, err)
	}
	return strings.TrimSpace(out) == "active", nil
}

// Status collects one unit's state from systemd properties. PID,
// memory, and uptime are zero when the property is unavailable.
func (m *Manager) Status(name string) (model.ServiceState, error) {
	if err := checkAllowed(name); err != nil {
		return model.ServiceState{}, err
	}

	activeState, err := m.property(name, "ActiveState")
	if err != nil {
		return model.ServiceState{}, err
	}
	subState, err := m.property(name, "SubState")
	if err != nil {
		return model.ServiceState{}, err
	}

	st := model.ServiceState{
		Name:   name,
		Active: activeState == "active",
		Status: fmt.Sprintf("%s (%s)", activeState, subState),
	}

	if v, perr := m.property(name, "MainPID"); perr == nil {
		if pid, cerr := strconv.Atoi(v); cerr == nil && pid > 0 {
			st.PID = pid
		}
	}
	if v, perr := m.property(name, "MemoryCurrent"); perr == nil {
		// systemd reports an unset accounting value as uint64 max or as
		// the literal "[not set]".
		if mem, cerr := strconv.ParseUint(v, 10, 64); cerr == nil && mem < math.MaxUint64 {
			st.MemoryBytes = mem
		}
	}
	if v, perr := m.property(name, "ActiveEnterTimestamp"); perr == nil {
		st.UptimeSeconds = uptimeSince(v, time.Now())
	}
	return st, nil
}

// List reports the status of every managed unit. Units systemd cannot
// describe degrade to an "unknown" entry instead of failing the whole
// listing.
func (m *Manager) List() []model.ServiceState {
	out := make([]model.ServiceState, 0, len(allowedServices))
	for _, name := range allowedServices {
		st, err := m.Status(name)
		if err != nil {
			st = model.ServiceState{Name: name, Status: "unknown"}
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) property(name, prop string) (string, error) {
	out, _, ok, err := m.run("show", name, "--property="+prop, "--value")
	if err != nil {
		return "", fmt.Errorf("systemctl show %s: %w", name, err)
	}
	if !ok {
		return "", fmt.Errorf("property %s for %s unavailable", prop, name)
	}
	return strings.TrimSpace(out), nil
}

// uptimeSince converts an ActiveEnterTimestamp value, e.g.
// "Mon 2024-01-15 10:30:45 UTC", to whole seconds before now.
// Unset ("", "n/a") or unparsable values count as zero.
func uptimeSince(v string, now time.Time) uint64 {
	if v == "" || v == "n/a" {
		return 0
	}
	t, err := time.Parse("Mon 2006-01-02 15:04:05 MST", v)
	if err != nil {
		return 0
	}
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return uint64(d.Seconds())
}
