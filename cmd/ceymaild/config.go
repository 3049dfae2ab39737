package main

import (
	"time"

	"github.com/ceymail/ceymail-mc/internal/model"
)

const (
	defaultBindHost            = "127.0.0.1"
	defaultAPIPort             = 8925
	defaultQueueInterval       = model.DefaultQueueInterval
	defaultStatsInterval       = model.DefaultStatsInterval
	defaultServicesInterval    = model.DefaultServicesInterval
	defaultSubscriberBuffer    = model.DefaultSubscriberBuffer
	defaultLogSubscriberBuffer = model.DefaultLogSubscriberBuffer
	defaultOTLPBatchSize       = 512
	defaultOTLPFlushInterval   = 5 * time.Second
	defaultBackupInterval      = 6 * time.Hour
	defaultBackupKeepLast      = 24
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	LogPath             string        `mapstructure:"log-path"`
	QueueInterval       time.Duration `mapstructure:"queue-interval"`
	StatsInterval       time.Duration `mapstructure:"stats-interval"`
	ServicesInterval    time.Duration `mapstructure:"services-interval"`
	SubscriberBuffer    int           `mapstructure:"subscriber-buffer"`
	LogSubscriberBuffer int           `mapstructure:"log-subscriber-buffer"`
	TestMode            bool          `mapstructure:"test-mode"`

	Host       string `mapstructure:"host"`
	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`

	SocketPath     string `mapstructure:"socket-path"`
	StateDir       string `mapstructure:"state-dir"`
	CredentialsKey string `mapstructure:"credentials-key"`
	MailDBDSN      string `mapstructure:"mail-db-dsn"`

	OTLPEndpoint      string        `mapstructure:"otlp-endpoint"`
	OTLPBatchSize     int           `mapstructure:"otlp-batch-size"`
	OTLPFlushInterval time.Duration `mapstructure:"otlp-flush-interval"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupDir            string        `mapstructure:"backup-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupDKIM           bool          `mapstructure:"backup-include-dkim"`
	BackupMailboxes      bool          `mapstructure:"backup-include-mailboxes"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
