package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ceymail/ceymail-mc/internal/audit"
	"github.com/ceymail/ceymail-mc/internal/backup"
	"github.com/ceymail/ceymail-mc/internal/dkim"
	"github.com/ceymail/ceymail-mc/internal/dnscheck"
	"github.com/ceymail/ceymail-mc/internal/httpserver"
	"github.com/ceymail/ceymail-mc/internal/install"
	"github.com/ceymail/ceymail-mc/internal/journal"
	"github.com/ceymail/ceymail-mc/internal/logwatch"
	"github.com/ceymail/ceymail-mc/internal/maildb"
	"github.com/ceymail/ceymail-mc/internal/mailq"
	"github.com/ceymail/ceymail-mc/internal/model"
	"github.com/ceymail/ceymail-mc/internal/otlpexport"
	"github.com/ceymail/ceymail-mc/internal/secrets"
	"github.com/ceymail/ceymail-mc/internal/services"
	"github.com/ceymail/ceymail-mc/internal/socketrpc"
	"github.com/ceymail/ceymail-mc/internal/state"
	"github.com/ceymail/ceymail-mc/internal/sysstats"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"
)

// runServer starts the monitoring pipeline with the control surfaces.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger(cfg)
	defer cleanupLogger()
	defer memguard.Purge()

	// The state dir holds the install journal, credentials, audit log
	// and backup archives.
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// Audit trail first so every later subsystem can record into it.
	auditLog, err := audit.NewFileLogger(filepath.Join(cfg.StateDir, "audit.log"))
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	// Credential store: age identity plus encrypted per-secret files.
	credStore, err := secrets.Open(cfg.CredentialsKey, filepath.Join(cfg.StateDir, "credentials"))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	// Durable step journal so interrupted installs resume from what
	// actually finished.
	jnl, err := journal.Open(filepath.Join(cfg.StateDir, "install-journal.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to open install journal: %w", err)
	}
	defer jnl.Close()

	installer := install.NewService(jnl, install.WithCredentialStore(credStore))
	defer installer.Stop()

	// Monitoring producers and the aggregate they feed.
	agg := state.NewAggregator()
	defer agg.Close()

	watcher := logwatch.NewWatcher(cfg.LogSubscriberBuffer)
	queueMon := mailq.NewMonitor(cfg.SubscriberBuffer)
	statsCol := sysstats.NewCollector(cfg.SubscriberBuffer)
	svcMgr := services.NewManager()

	// The mail-account database is optional; without a DSN the account
	// RPC methods report that cleanly.
	var mailDB *maildb.DB
	if cfg.MailDBDSN != "" {
		mailDB, err = maildb.Open(cfg.MailDBDSN)
		if err != nil {
			return fmt.Errorf("failed to open mail database: %w", err)
		}
		defer mailDB.Close()
	}

	// Backups: on-demand archives always work, the schedule only when
	// enabled.
	backupMgr, err := backup.NewManager(backup.Config{
		Enabled:          cfg.BackupEnabled,
		Interval:         cfg.BackupInterval,
		Dir:              cfg.BackupDir,
		KeepLast:         cfg.BackupKeepLast,
		IncludeDKIM:      cfg.BackupDKIM,
		IncludeMailboxes: cfg.BackupMailboxes,
		BucketURL:        cfg.BackupBucketURL,
		S3Endpoint:       cfg.BackupS3Endpoint,
		S3Region:         cfg.BackupS3Region,
		S3AccessKey:      cfg.BackupS3AccessKey,
		S3SecretKey:      cfg.BackupS3SecretKey,
		S3SessionToken:   cfg.BackupS3SessionToken,
		S3UseSSL:         cfg.BackupS3UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	defer backupMgr.Stop()

	// Optional OTLP log forwarding.
	var exporter *otlpexport.Exporter
	if cfg.OTLPEndpoint != "" {
		exporter, err = otlpexport.NewExporter(otlpexport.Config{
			Endpoint:      cfg.OTLPEndpoint,
			BatchSize:     cfg.OTLPBatchSize,
			FlushInterval: cfg.OTLPFlushInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize otlp export: %w", err)
		}
		defer exporter.Stop()
	}

	// Start HTTP status API if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, agg, installer)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// The socket is the control surface ceymailctl talks to; without it
	// the daemon is monitor-only, so failing to bind is fatal.
	deps := socketrpc.Deps{
		State:    agg,
		Tailer:   watcher,
		Queue:    queueMon,
		Stats:    statsCol,
		Services: svcMgr,
		Install:  installer,
		DNS:      dnscheck.NewChecker(),
		DKIM:     dkim.NewService(),
		Backups:  backupMgr,
		Audit:    auditLog,
	}
	if mailDB != nil {
		deps.Accounts = mailDB
	}
	sockServer := socketrpc.NewServer(cfg.SocketPath, deps)
	if err := sockServer.Start(); err != nil {
		return fmt.Errorf("failed to start socket server: %w", err)
	}
	defer sockServer.Stop()

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		memguard.Purge()
		os.Exit(1)
	}()

	// Start the producers.
	watcher.Start(ctx, cfg.LogPath)
	defer watcher.Stop()
	queueMon.Start(ctx, cfg.QueueInterval)
	defer queueMon.Stop()
	statsCol.Start(ctx, cfg.StatsInterval)
	defer statsCol.Stop()

	if !cfg.TestMode {
		printStartupBanner(cfg, mailDB != nil, exporter != nil)
	}

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pump(gctx, "logs", watcher.Subscribe(), func(e model.LogEntry) {
			agg.AddLog(e)
			if exporter != nil {
				exporter.Add(e)
			}
		})
	})
	g.Go(func() error {
		return pump(gctx, "queue", queueMon.Subscribe(), agg.UpdateQueue)
	})
	g.Go(func() error {
		return pump(gctx, "stats", statsCol.Subscribe(), agg.UpdateStats)
	})
	g.Go(func() error {
		return pollServices(gctx, svcMgr, agg, cfg.ServicesInterval)
	})

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)

	return nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func configureRuntimeLogger(cfg appConfig) func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Test mode keeps logs on stderr and the banner off, so test output
	// stays readable.
	if cfg.TestMode {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(cfg.StateDir, "ceymaild.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, dbConnected, otlpEnabled bool) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╦ ╦╔╦╗╔═╗╦╦
    ║  ║╣ ╚╦╝║║║╠═╣║║
    ╚═╝╚═╝ ╩ ╩ ╩╩ ╩╩╩═╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Control
	lines = append(lines, bold.Render("    Control"))
	lines = append(lines, "")

	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")

	// Monitoring
	lines = append(lines, bold.Render("    Monitoring"))
	lines = append(lines, "")

	lines = append(lines, fmt.Sprintf("    %s  Mail Log       %s", check, dim.Render(shortenPath(cfg.LogPath))))
	lines = append(lines, fmt.Sprintf("    %s  Queue Check    %s", check, dim.Render("every "+cfg.QueueInterval.String())))
	lines = append(lines, fmt.Sprintf("    %s  Host Stats     %s", check, dim.Render("every "+cfg.StatsInterval.String())))
	lines = append(lines, fmt.Sprintf("    %s  Services       %s", check, dim.Render("every "+cfg.ServicesInterval.String())))

	lines = append(lines, "")

	// Mail platform
	lines = append(lines, bold.Render("    Mail Platform"))
	lines = append(lines, "")

	if dbConnected {
		lines = append(lines, fmt.Sprintf("    %s  Accounts DB    %s", check, dim.Render("connected")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Accounts DB    %s", dot, dim.Render("disabled")))
	}
	if otlpEnabled {
		lines = append(lines, fmt.Sprintf("    %s  OTLP Export    %s", check, cyan.Render(cfg.OTLPEndpoint)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  OTLP Export    %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")

	// Storage
	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")

	lines = append(lines, fmt.Sprintf("    %s  State Dir      %s", check, dim.Render(shortenPath(cfg.StateDir))))
	if cfg.BackupEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(shortenPath(cfg.BackupDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
