package install

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// Rule describes the required ownership and mode for one path.
type Rule struct {
	Path      string
	Owner     string
	Group     string
	Mode      fs.FileMode
	Recursive bool
}

func (r Rule) String() string {
	suffix := ""
	if r.Recursive {
		suffix = " (recursive)"
	}
	return fmt.Sprintf("%s %s:%s %04o%s", r.Path, r.Owner, r.Group, r.Mode, suffix)
}

// DefaultRules is the full permission manifest for the mail stack. The
// install step applies a smaller set while directories are still being
// created; this is the authoritative list the repair path enforces.
func DefaultRules() []Rule {
	return []Rule{
		{Path: "/etc/postfix", Owner: "root", Group: "root", Mode: 0o755, Recursive: true},
		// 0755, not 0600: postfix refuses to start with a locked-down spool.
		{Path: "/var/lib/postfix", Owner: "postfix", Group: "postfix", Mode: 0o755},
		{Path: "/var/spool/postfix/opendkim", Owner: "opendkim", Group: "postfix", Mode: 0o750},
		{Path: "/etc/dovecot", Owner: "vmail", Group: "dovecot", Mode: 0o751, Recursive: true},
		{Path: "/etc/dovecot/sieve", Owner: "mail", Group: "mail", Mode: 0o755, Recursive: true},
		{Path: "/var/mail/vhosts", Owner: "vmail", Group: "vmail", Mode: 0o755, Recursive: true},
		{Path: "/etc/opendkim", Owner: "opendkim", Group: "opendkim", Mode: 0o755, Recursive: true},
		{Path: "/etc/mail/dkim-keys", Owner: "opendkim", Group: "opendkim", Mode: 0o700, Recursive: true},
		{Path: "/var/www/html", Owner: "www-data", Group: "www-data", Mode: 0o755, Recursive: true},
		{Path: "/var/log/spamassassin", Owner: "spamd", Group: "spamd", Mode: 0o755, Recursive: true},
	}
}

// GroupMembership names a supplementary group a service account needs.
type GroupMembership struct {
	User  string
	Group string
}

// RequiredGroupMemberships lists the cross-service group grants the
// mail stack depends on, such as postfix reading the opendkim socket.
func RequiredGroupMemberships() []GroupMembership {
	return []GroupMembership{
		{User: "postfix", Group: "opendkim"},
		{User: "vmail", Group: "dovecot"},
		{User: "vmail", Group: "mail"},
	}
}

// ApplyRule enforces one rule under root. A missing path is skipped
// with a warning so the repair pass works on partial installs.
func ApplyRule(root string, r Rule) error {
	target := filepath.Join(root, r.Path)
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("permissions: path does not exist, skipping: %s", target)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", target, err)
	}

	uid, gid, err := resolveIDs(r.Owner, r.Group)
	if err != nil {
		return err
	}

	if r.Recursive && info.IsDir() {
		err = filepath.WalkDir(target, func(path string, _ fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return applyOne(path, uid, gid, r.Mode)
		})
	} else {
		err = applyOne(target, uid, gid, r.Mode)
	}
	if err != nil {
		return err
	}

	log.Printf("permissions: applied %s", Rule{Path: target, Owner: r.Owner, Group: r.Group, Mode: r.Mode, Recursive: r.Recursive})
	return nil
}

// ApplyAll enforces every rule, collecting failures instead of
// stopping: one unfixable path must not leave the rest of the stack
// broken.
func ApplyAll(root string, rules []Rule) []error {
	var errs []error
	for _, r := range rules {
		if err := ApplyRule(root, r); err != nil {
			log.Printf("permissions: rule %s: %v", r.Path, err)
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Path, err))
		}
	}
	return errs
}

func applyOne(path string, uid, gid int, mode fs.FileMode) error {
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func resolveIDs(owner, group string) (int, int, error) {
	u, err := user.Lookup(owner)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s: %w", owner, err)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, 0, fmt.Errorf("group %s: %w", group, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("uid %s: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("gid %s: %w", g.Gid, err)
	}
	return uid, gid, nil
}
