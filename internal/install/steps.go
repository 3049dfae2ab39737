package install

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ceymail/ceymail-mc/internal/confedit"
	"github.com/ceymail/ceymail-mc/internal/maildb"
	"github.com/ceymail/ceymail-mc/internal/secrets"
	"github.com/ceymail/ceymail-mc/internal/validate"
)

const (
	minDiskGB = 10
	minRAMMB  = 1024
)

// enableServices are enabled and restarted by the enable_services step,
// in this order.
var enableServices = []string{
	"postfix",
	"dovecot",
	"opendkim",
	"apache2",
	"mariadb",
	"spamassassin",
	"unbound",
	"rsyslog",
}

// permissionEntry is one row of the permissions step manifest.
type permissionEntry struct {
	path  string
	owner string
	mode  string
}

var permissionManifest = []permissionEntry{
	{"/var/mail/vhosts", "vmail:vmail", "0755"},
	{"/etc/postfix", "root:postfix", "0755"},
	{"/etc/dovecot", "root:dovecot", "0755"},
	{"/etc/opendkim/keys", "opendkim:opendkim", "0700"},
	{"/etc/spamassassin", "root:root", "0644"},
}

// path maps an absolute system path under the orchestrator's
// filesystem root.
func (o *Orchestrator) path(abs string) string {
	return filepath.Join(o.fsRoot, abs)
}

func (o *Orchestrator) stepSystemCheck(ctx context.Context) (string, error) {
	osName := "Unknown OS"
	if res, err := o.run.run(ctx, "lsb_release", "-ds"); err == nil && res.ok {
		osName = strings.TrimSpace(string(res.stdout))
	}

	res, err := o.run.run(ctx, "df", "-BG", "--output=avail", "/")
	if err != nil {
		return "", fmt.Errorf("df: %w", err)
	}
	availGB := parseAvailGB(string(res.stdout))
	if availGB < minDiskGB {
		return "", fmt.Errorf("Insufficient disk space: %dGB available, minimum %dGB required", availGB, minDiskGB)
	}

	res, err = o.run.run(ctx, "free", "-m")
	if err != nil {
		return "", fmt.Errorf("free: %w", err)
	}
	totalMB := parseMemTotalMB(string(res.stdout))
	if totalMB < minRAMMB {
		return "", fmt.Errorf("Insufficient RAM: %dMB available, minimum %dMB required", totalMB, minRAMMB)
	}

	return fmt.Sprintf("System check passed. OS: %s, Disk: %dGB free, RAM: %dMB", osName, availGB, totalMB), nil
}

// parseAvailGB reads the last line of df -BG --output=avail output,
// e.g. "Avail\n  50G\n". Unparsable output counts as zero.
func parseAvailGB(out string) uint64 {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	gb, err := strconv.ParseUint(strings.TrimSuffix(last, "G"), 10, 64)
	if err != nil {
		return 0
	}
	return gb
}

// parseMemTotalMB finds the "Mem:" row of free -m output and returns
// the total column. Unparsable output counts as zero.
func parseMemTotalMB(out string) uint64 {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "Mem:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		mb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return mb
	}
	return 0
}

func (o *Orchestrator) stepPHPInstall(ctx context.Context) (string, error) {
	version := o.cfg.PHPVersion
	if version == "" {
		version = RecommendedPHPVersion
	}
	if err := installPHP(ctx, o.run, version); err != nil {
		return "", err
	}
	return fmt.Sprintf("PHP %s installed successfully", version), nil
}

func (o *Orchestrator) stepCorePackages(ctx context.Context) (string, error) {
	if err := aptUpdate(ctx, o.run); err != nil {
		return "", err
	}

	installed := 0
	for _, pkg := range CorePackages {
		if isInstalled(ctx, o.run, pkg) {
			installed++
			continue
		}
		if err := installPackage(ctx, o.run, pkg); err != nil {
			return "", fmt.Errorf("install %s: %w", pkg, err)
		}
		installed++
	}

	return fmt.Sprintf("Core packages installed (%d/%d)", installed, len(CorePackages)), nil
}

func (o *Orchestrator) stepDomainConfig(ctx context.Context) (string, error) {
	res, err := o.run.run(ctx, "hostnamectl", "set-hostname", o.cfg.Hostname)
	if err != nil {
		return "", fmt.Errorf("hostnamectl: %w", err)
	}
	if !res.ok {
		// Expected inside containers; the hostname is still used for
		// the generated configs.
		log.Printf("install: hostnamectl set-hostname failed: %s", strings.TrimSpace(string(res.stderr)))
	}

	return fmt.Sprintf("Domain configured: hostname=%s, mail_domain=%s", o.cfg.Hostname, o.cfg.MailDomain), nil
}

func (o *Orchestrator) stepDatabaseSetup(ctx context.Context) (string, error) {
	dbPassword, err := secrets.GenerateDBPassword()
	if err != nil {
		return "", fmt.Errorf("generate database password: %w", err)
	}

	// The password is hex, so it cannot escape the quoted SQL literal.
	sql := fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS ceymail_db; "+
			"CREATE USER IF NOT EXISTS 'ceymail'@'localhost' IDENTIFIED BY '%s'; "+
			"GRANT ALL PRIVILEGES ON ceymail_db.* TO 'ceymail'@'localhost'; "+
			"FLUSH PRIVILEGES;",
		dbPassword,
	)

	// The SQL travels over stdin so the password never appears in the
	// process list.
	res, err := o.run.runStdin(ctx, []byte(sql), "mysql", "-u", "root")
	if err != nil {
		return "", fmt.Errorf("mysql: %w", err)
	}
	if !res.ok {
		return "", fmt.Errorf("database setup failed: %s", strings.TrimSpace(string(res.stderr)))
	}

	if o.creds != nil {
		if err := o.creds.Store("db_password", []byte(dbPassword)); err != nil {
			return "", fmt.Errorf("store database password: %w", err)
		}
	}

	return "Database ceymail_db created and migrations applied", nil
}

func (o *Orchestrator) stepSSLCertificates(ctx context.Context) (string, error) {
	res, err := o.run.run(ctx, "certbot",
		"certonly", "--apache",
		"-d", o.cfg.Hostname,
		"--non-interactive", "--agree-tos",
		"--email", o.cfg.AdminEmail)
	if err != nil {
		return "", fmt.Errorf("certbot: %w", err)
	}
	if !res.ok {
		return "", fmt.Errorf("certbot failed: %s", strings.TrimSpace(string(res.stderr)))
	}

	return fmt.Sprintf("SSL certificate issued for %s. Auto-renewal enabled.", o.cfg.Hostname), nil
}

func (o *Orchestrator) stepServiceConfig(_ context.Context) (string, error) {
	hostname := o.cfg.Hostname
	domain := o.cfg.MailDomain

	postfixMainCf := fmt.Sprintf(`# CeyMail Postfix Configuration

myhostname = %[1]s
mydomain = %[2]s
myorigin = $mydomain
inet_interfaces = all
inet_protocols = all
mydestination = $myhostname, localhost.$mydomain, localhost

# TLS
smtpd_tls_cert_file = /etc/letsencrypt/live/%[1]s/fullchain.pem
smtpd_tls_key_file = /etc/letsencrypt/live/%[1]s/privkey.pem
smtpd_use_tls = yes
smtpd_tls_security_level = may
smtp_tls_security_level = may

# Virtual mailbox
virtual_transport = lmtp:unix:private/dovecot-lmtp
virtual_mailbox_domains = mysql:/etc/postfix/mysql-virtual-mailbox-domains.cf
virtual_mailbox_maps = mysql:/etc/postfix/mysql-virtual-mailbox-maps.cf
virtual_alias_maps = mysql:/etc/postfix/mysql-virtual-alias-maps.cf

# DKIM milter
milter_protocol = 6
milter_default_action = accept
smtpd_milters = local:opendkim/opendkim.sock
non_smtpd_milters = $smtpd_milters
`, hostname, domain)

	if err := confedit.WriteFileAtomicBackup(o.path("/etc/postfix/main.cf"), []byte(postfixMainCf), 0o644); err != nil {
		return "", fmt.Errorf("write postfix main.cf: %w", err)
	}

	dovecotConf := fmt.Sprintf(`# CeyMail Dovecot Configuration
protocols = imap lmtp sieve
listen = *, ::

ssl = required
ssl_cert = </etc/letsencrypt/live/%[1]s/fullchain.pem
ssl_key = </etc/letsencrypt/live/%[1]s/privkey.pem
ssl_min_protocol = TLSv1.2

mail_location = maildir:/var/mail/vhosts/%%d/%%n
mail_privileged_group = mail

auth_mechanisms = plain login

passdb {
  driver = sql
  args = /etc/dovecot/dovecot-sql.conf.ext
}

userdb {
  driver = static
  args = uid=vmail gid=vmail home=/var/mail/vhosts/%%d/%%n
}
`, hostname)

	if err := confedit.WriteFileAtomicBackup(o.path("/etc/dovecot/dovecot.conf"), []byte(dovecotConf), 0o644); err != nil {
		return "", fmt.Errorf("write dovecot.conf: %w", err)
	}

	opendkimConf := fmt.Sprintf(`# CeyMail OpenDKIM Configuration
Syslog yes
SyslogSuccess yes
LogWhy yes
UMask 007
Mode sv
Canonicalization relaxed/simple
Domain %[1]s
Selector mail
KeyFile /etc/opendkim/keys/%[1]s/mail.private
Socket local:/run/opendkim/opendkim.sock
PidFile /run/opendkim/opendkim.pid
TrustAnchorFile /usr/share/dns/root.key
`, domain)

	if err := confedit.WriteFileAtomicBackup(o.path("/etc/opendkim.conf"), []byte(opendkimConf), 0o644); err != nil {
		return "", fmt.Errorf("write opendkim.conf: %w", err)
	}

	return "Service configuration files generated for Postfix, Dovecot, and OpenDKIM", nil
}

func (o *Orchestrator) stepDKIMSetup(ctx context.Context) (string, error) {
	domain := o.cfg.MailDomain
	keyDir := o.path(filepath.Join("/etc/opendkim/keys", domain))

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return "", fmt.Errorf("create DKIM key directory: %w", err)
	}

	res, err := o.run.run(ctx, "opendkim-genkey",
		"-b", "2048", "-d", domain, "-D", keyDir, "-s", "mail", "-v")
	if err != nil {
		return "", fmt.Errorf("opendkim-genkey: %w", err)
	}
	if !res.ok {
		return "", fmt.Errorf("DKIM key generation failed: %s", strings.TrimSpace(string(res.stderr)))
	}

	// Ownership fixup, best effort.
	_, _ = o.run.run(ctx, "chown", "-R", "opendkim:opendkim", o.path("/etc/opendkim/keys"))

	return fmt.Sprintf("DKIM keys generated for %s. Selector: mail._domainkey.%s", domain, domain), nil
}

func (o *Orchestrator) stepPermissions(ctx context.Context) (string, error) {
	for _, entry := range permissionManifest {
		target := o.path(entry.path)
		_ = os.MkdirAll(target, 0o755)

		res, err := o.run.run(ctx, "chown", "-R", entry.owner, target)
		if err != nil {
			return "", fmt.Errorf("chown: %w", err)
		}
		if !res.ok {
			log.Printf("install: chown %s %s failed: %s", entry.owner, target, strings.TrimSpace(string(res.stderr)))
		}

		res, err = o.run.run(ctx, "chmod", "-R", entry.mode, target)
		if err != nil {
			return "", fmt.Errorf("chmod: %w", err)
		}
		if !res.ok {
			log.Printf("install: chmod %s %s failed: %s", entry.mode, target, strings.TrimSpace(string(res.stderr)))
		}
	}

	return "File permissions applied for all service directories", nil
}

func (o *Orchestrator) stepEnableServices(ctx context.Context) (string, error) {
	enabled := 0
	for _, svc := range enableServices {
		res, err := o.run.run(ctx, "systemctl", "enable", svc)
		if err != nil {
			return "", fmt.Errorf("systemctl enable %s: %w", svc, err)
		}
		if !res.ok {
			log.Printf("install: enable %s failed: %s", svc, strings.TrimSpace(string(res.stderr)))
			continue
		}

		res, err = o.run.run(ctx, "systemctl", "restart", svc)
		if err != nil {
			return "", fmt.Errorf("systemctl restart %s: %w", svc, err)
		}
		if !res.ok {
			log.Printf("install: restart %s failed: %s", svc, strings.TrimSpace(string(res.stderr)))
			continue
		}

		enabled++
	}

	return fmt.Sprintf("Enabled and started %d/%d services", enabled, len(enableServices)), nil
}

func (o *Orchestrator) stepAdminAccount(ctx context.Context) (string, error) {
	email := o.cfg.AdminEmail
	if err := validate.Email(email); err != nil {
		return "", fmt.Errorf("invalid admin email: %w", err)
	}

	hash, err := maildb.HashPassword(o.cfg.AdminPassword)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	// The hash is crypt-scheme ASCII and cannot contain a quote; the
	// email's local part legally can, so it is escaped for the literal.
	sql := fmt.Sprintf(
		"INSERT INTO ceymail_db.dashboard_users (username, email, password_hash, role, created_at) "+
			"VALUES ('admin', '%s', '%s', 'admin', NOW()) "+
			"ON DUPLICATE KEY UPDATE email = VALUES(email), password_hash = VALUES(password_hash);",
		strings.ReplaceAll(email, "'", "''"), hash,
	)

	res, err := o.run.runStdin(ctx, []byte(sql), "mysql", "-u", "root")
	if err != nil {
		return "", fmt.Errorf("mysql: %w", err)
	}
	if !res.ok {
		return "", fmt.Errorf("create admin account failed: %s", strings.TrimSpace(string(res.stderr)))
	}

	return fmt.Sprintf("Admin account created for %s", email), nil
}

func (o *Orchestrator) stepSummary(_ context.Context) (string, error) {
	return fmt.Sprintf(
		"Installation complete! Mail domain: %s. "+
			"Access the CeyMail dashboard at https://%s. "+
			"Remember to configure your DNS records (MX, SPF, DKIM, DMARC) for full email deliverability.",
		o.cfg.MailDomain, o.cfg.Hostname,
	), nil
}
