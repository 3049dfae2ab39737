package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ceymail/ceymail-mc/internal/model"
	"github.com/ceymail/ceymail-mc/internal/secrets"
	"github.com/ceymail/ceymail-mc/internal/socketrpc"

	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is /etc/ceymail-mc/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("CeyMail Mission Control - Mail Server Daemon\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CEYMAIL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("log-path", model.DefaultMailLogPath)
	v.SetDefault("queue-interval", defaultQueueInterval)
	v.SetDefault("stats-interval", defaultStatsInterval)
	v.SetDefault("services-interval", defaultServicesInterval)
	v.SetDefault("subscriber-buffer", defaultSubscriberBuffer)
	v.SetDefault("log-subscriber-buffer", defaultLogSubscriberBuffer)
	v.SetDefault("test-mode", false)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", false)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("api-addr", "")
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("state-dir", defaultStateDir(home))
	v.SetDefault("credentials-key", defaultCredentialsKey(home))
	v.SetDefault("mail-db-dsn", "")
	v.SetDefault("otlp-endpoint", "")
	v.SetDefault("otlp-batch-size", defaultOTLPBatchSize)
	v.SetDefault("otlp-flush-interval", defaultOTLPFlushInterval)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-dir", "")
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-include-dkim", true)
	v.SetDefault("backup-include-mailboxes", false)
	v.SetDefault("backup-bucket-url", "")
	v.SetDefault("backup-s3-endpoint", "")
	v.SetDefault("backup-s3-region", "")
	v.SetDefault("backup-s3-access-key", "")
	v.SetDefault("backup-s3-secret-key", "")
	v.SetDefault("backup-s3-session-token", "")
	v.SetDefault("backup-s3-use-ssl", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(defaultConfigPath(home))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.QueueInterval <= 0 {
		return cfg, fmt.Errorf("invalid queue-interval: %s", cfg.QueueInterval)
	}
	if cfg.StatsInterval <= 0 {
		return cfg, fmt.Errorf("invalid stats-interval: %s", cfg.StatsInterval)
	}
	if cfg.ServicesInterval <= 0 {
		return cfg, fmt.Errorf("invalid services-interval: %s", cfg.ServicesInterval)
	}
	if cfg.BackupEnabled {
		if cfg.BackupInterval <= 0 {
			return cfg, fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast <= 0 {
			return cfg, fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
	}
	if cfg.BackupBucketURL != "" && (cfg.BackupS3AccessKey == "" || cfg.BackupS3SecretKey == "") {
		return cfg, errors.New("backup-s3-access-key and backup-s3-secret-key are required when backup-bucket-url is set")
	}

	// Expand ~ in path-valued settings.
	for _, p := range []*string{&cfg.LogPath, &cfg.StateDir, &cfg.SocketPath, &cfg.BackupDir, &cfg.CredentialsKey} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.StateDir, "backups")
	}

	return cfg, nil
}

func defaultConfigPath(home string) string {
	if os.Geteuid() == 0 {
		return "/etc/ceymail-mc/config.yml"
	}
	return filepath.Join(home, ".config", "ceymail-mc", "config.yml")
}

func defaultStateDir(home string) string {
	if os.Geteuid() == 0 {
		return "/var/lib/ceymail-mc"
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "ceymail-mc")
	}
	return filepath.Join(home, ".local", "state", "ceymail-mc")
}

func defaultCredentialsKey(home string) string {
	if os.Geteuid() == 0 {
		return secrets.DefaultKeyPath
	}
	return filepath.Join(home, ".config", "ceymail-mc", "credentials.key")
}
