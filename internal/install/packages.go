package install

import (
	"context"
	"fmt"
	"strings"
)

// CorePackages is everything a complete CeyMail host needs from apt,
// beyond PHP itself.
var CorePackages = []string{
	"apache2",
	"certbot",
	"python3-certbot-apache",
	"wget",
	"unzip",
	"curl",
	"spamassassin",
	"spamc",
	"mariadb-server",
	"postfix",
	"postfix-mysql",
	"postfix-policyd-spf-python",
	"postfix-pcre",
	"dovecot-common",
	"dovecot-imapd",
	"dovecot-pop3d",
	"dovecot-core",
	"dovecot-sieve",
	"dovecot-lmtpd",
	"dovecot-mysql",
	"opendkim",
	"opendkim-tools",
	"coreutils",
	"dos2unix",
	"dnsutils",
	"rsyslog",
	"unbound",
}

// SupportedPHPVersions lists the PHP releases the installer knows how to
// set up. RecommendedPHPVersion is the default for new installs.
var SupportedPHPVersions = []string{"7.4", "8.0", "8.2"}

const RecommendedPHPVersion = "8.2"

// phpExtensions are installed as php{version}-{ext} packages.
var phpExtensions = []string{
	"cli", "common", "mysql", "zip", "gd", "intl",
	"opcache", "xml", "mbstring", "curl", "bcmath",
}

var aptEnv = []string{"DEBIAN_FRONTEND=noninteractive"}

func aptUpdate(ctx context.Context, r commandRunner) error {
	res, err := r.runEnv(ctx, aptEnv, "apt-get", "update")
	if err != nil {
		return fmt.Errorf("apt-get update: %w", err)
	}
	if !res.ok {
		return fmt.Errorf("apt-get update failed: %s", strings.TrimSpace(string(res.stderr)))
	}
	return nil
}

func installPackage(ctx context.Context, r commandRunner, pkg string) error {
	res, err := r.runEnv(ctx, aptEnv, "apt-get", "install", "-y", "--no-install-recommends", pkg)
	if err != nil {
		return fmt.Errorf("apt-get install: %w", err)
	}
	if !res.ok {
		return fmt.Errorf("apt-get install failed: %s", strings.TrimSpace(string(res.stderr)))
	}
	return nil
}

func isInstalled(ctx context.Context, r commandRunner, pkg string) bool {
	res, err := r.run(ctx, "dpkg", "-s", pkg)
	return err == nil && res.ok
}

func phpSupported(version string) bool {
	for _, v := range SupportedPHPVersions {
		if v == version {
			return true
		}
	}
	return false
}

// installPHP adds the ondrej/php PPA (best effort), installs the base
// package with every required extension plus the Apache module, enables
// the module, and disables competing PHP versions in Apache.
func installPHP(ctx context.Context, r commandRunner, version string) error {
	if !phpSupported(version) {
		return fmt.Errorf("unsupported PHP version: %s", version)
	}

	// The PPA may already exist or the host may not have
	// add-apt-repository at all; neither blocks the install.
	if res, err := r.runEnv(ctx, aptEnv, "add-apt-repository", "-y", "ppa:ondrej/php"); err == nil && res.ok {
		_, _ = r.runEnv(ctx, aptEnv, "apt-get", "update")
	}

	args := []string{"install", "-y", "--no-install-recommends", "php" + version}
	for _, ext := range phpExtensions {
		args = append(args, fmt.Sprintf("php%s-%s", version, ext))
	}
	args = append(args, "libapache2-mod-php"+version)

	res, err := r.runEnv(ctx, aptEnv, "apt-get", args...)
	if err != nil {
		return fmt.Errorf("apt-get install: %w", err)
	}
	if !res.ok {
		return fmt.Errorf("install PHP %s packages: %s", version, strings.TrimSpace(string(res.stderr)))
	}

	// Module switching is advisory: a2enmod may be absent outside Apache
	// hosts, and the module may already be in the desired state.
	_, _ = r.run(ctx, "a2enmod", "php"+version)
	for _, other := range SupportedPHPVersions {
		if other != version {
			_, _ = r.run(ctx, "a2dismod", "php"+other)
		}
	}
	return nil
}
