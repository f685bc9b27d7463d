package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mescon/contentguardian/internal/api"
	"github.com/mescon/contentguardian/internal/auth"
	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/config"
	"github.com/mescon/contentguardian/internal/confluence"
	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/eventbus"
	"github.com/mescon/contentguardian/internal/logger"
	"github.com/mescon/contentguardian/internal/metrics"
	"github.com/mescon/contentguardian/internal/notifier"
	"github.com/mescon/contentguardian/internal/services"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Every flag can also be set through a GUARDIAN_* environment variable.
	flagPort := flag.String("port", "", "HTTP server port (env: GUARDIAN_PORT, default: 3095)")
	flagBasePath := flag.String("base-path", "", "URL base path for reverse proxy (env: GUARDIAN_BASE_PATH, default: /)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: GUARDIAN_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: GUARDIAN_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: GUARDIAN_DATABASE_PATH)")
	flagConfluenceURL := flag.String("confluence-url", "", "Confluence site URL (env: GUARDIAN_CONFLUENCE_URL)")
	flagBatchSize := flag.Int("batch-size", 0, "Pages per scan batch, max 250 (env: GUARDIAN_SCAN_BATCH_SIZE, default: 50)")
	flagSchedule := flag.String("schedule", "", "Cron expression for scheduled scans (env: GUARDIAN_SCAN_SCHEDULE)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep events and scan history, 0 to disable pruning (env: GUARDIAN_RETENTION_DAYS, default: 90)")
	hashKey := flag.String("hash-api-key", "", "Print the bcrypt hash of the given API key and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Content Guardian %s\n", config.Version)
		os.Exit(0)
	}

	if *hashKey != "" {
		hash, err := auth.HashAPIKey(*hashKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	config.Load()

	overrides := config.FlagOverrides{
		Port:              flagPort,
		BasePath:          flagBasePath,
		LogLevel:          flagLogLevel,
		DataDir:           flagDataDir,
		DatabasePath:      flagDatabasePath,
		ConfluenceBaseURL: flagConfluenceURL,
		ScanBatchSize:     flagBatchSize,
		ScanSchedule:      flagSchedule,
	}
	// -1 means unset, 0 disables pruning
	if *flagRetentionDays >= 0 {
		overrides.RetentionDays = flagRetentionDays
	}
	config.ApplyFlags(overrides)
	cfg := config.Get()

	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Content Guardian %s...", config.Version)
	logger.Infof("========================================")

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Base Path: %s", cfg.BasePath)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Confluence: %s", cfg.ConfluenceBaseURL)
	logger.Infof("  Scan Batch Size: %d (lookup concurrency: %d)", cfg.ScanBatchSize, cfg.ScanLookupConcurrency)
	logger.Infof("  Scan Schedule: %s", cfg.ScanSchedule)
	logger.Infof("  Confluence Rate Limit: %.1f req/s (burst: %d)", cfg.ConfluenceRateLimitRPS, cfg.ConfluenceRateLimitBurst)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}
	if cfg.ConfluenceBaseURL == "" {
		logger.Warnf("  GUARDIAN_CONFLUENCE_URL is not set; scans will fail until it is configured")
	}

	verifier, err := auth.NewVerifier(cfg.APIKey)
	if err != nil {
		logger.Errorf("Failed to prepare API key: %v", err)
		os.Exit(1)
	}
	if !verifier.Enabled() {
		logger.Warnf("  API authentication: disabled (set GUARDIAN_API_KEY to enable)")
	}

	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Database initialized successfully")

	if backupPath, err := repo.Backup(); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("✓ Database backup created: %s", backupPath)
	}

	eb := eventbus.NewEventBus(repo)
	logger.Infof("✓ Event Bus initialized")

	clk := clock.NewRealClock()
	client := confluence.NewClient(confluence.Config{
		BaseURL:        cfg.ConfluenceBaseURL,
		Email:          cfg.ConfluenceEmail,
		APIToken:       cfg.ConfluenceAPIToken,
		Timeout:        cfg.ConfluenceTimeout,
		RateLimitRPS:   cfg.ConfluenceRateLimitRPS,
		RateLimitBurst: cfg.ConfluenceRateLimitBurst,
		Clock:          clk,
	})
	logger.Infof("✓ Confluence client initialized")

	audit := services.NewAuditService(repo)
	scanner := services.NewScanService(repo, client, eb, clk, services.ScanOptions{
		BatchSize:   cfg.ScanBatchSize,
		Concurrency: cfg.ScanLookupConcurrency,
		LockTTL:     cfg.ScanLockTTL,
	})
	scheduler := services.NewSchedulerService(repo, scanner, audit, cfg.ScanSchedule)
	logger.Infof("✓ Core services initialized")

	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()
	if n, err := repo.CountDetected(context.Background()); err == nil {
		metricsService.SetIndexSize(n)
	}
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	notifierService := notifier.NewNotifier(eb, cfg.NotificationURLs)
	notifierService.Start()

	scheduler.Start()

	if cfg.ResumeOnStartup {
		if err := scanner.ResumePending(context.Background()); err != nil {
			logger.Errorf("Failed to resume interrupted scan: %v", err)
		}
	}

	maintenanceDone := make(chan struct{})
	go runMaintenance(repo, cfg.RetentionDays, maintenanceDone)

	server := api.NewRESTServer(api.ServerDeps{
		Repo:        repo,
		EventBus:    eb,
		Scanner:     scanner,
		Scheduler:   scheduler,
		Detected:    services.NewDetectedService(repo),
		Bulk:        services.NewBulkService(repo, client, audit, eb, clk),
		Audit:       audit,
		Dashboard:   services.NewDashboardService(repo, clk),
		Maintenance: services.NewMaintenanceService(repo, scanner.Locks(), audit, eb),
		Settings:    services.NewSettingsService(repo, audit, scheduler, eb),
		Notifier:    notifierService,
		Metrics:     metricsService,
		Auth:        verifier,
		Upstream:    client,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ Content Guardian %s started, listening on port %s", config.Version, cfg.Port)
	logger.Infof("========================================")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	logger.Infof("✓ HTTP server stopped")

	close(maintenanceDone)

	// The checkpoint stays in place so the next start resumes the run.
	scanner.Shutdown()
	scheduler.Stop()
	notifierService.Stop()
	eb.Shutdown()
	logger.Infof("✓ Background services stopped")

	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Error closing database: %v", err)
	}
	logger.Infof("✓ Content Guardian stopped")
	if err := logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close log file: %v\n", err)
	}
}

// runMaintenance prunes old events and scan runs daily at 3 AM local time
// and takes a backup every 6 hours until done is closed.
func runMaintenance(repo *db.Repository, retentionDays int, done <-chan struct{}) {
	backups := time.NewTicker(6 * time.Hour)
	defer backups.Stop()

	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
		if !now.Before(next) {
			next = next.Add(24 * time.Hour)
		}
		logger.Debugf("Next database maintenance scheduled in %v", next.Sub(now))
		timer := time.NewTimer(next.Sub(now))

	wait:
		for {
			select {
			case <-done:
				timer.Stop()
				return
			case <-backups.C:
				if _, err := repo.Backup(); err != nil {
					logger.Errorf("Scheduled backup failed: %v", err)
				}
			case <-timer.C:
				if err := repo.RunMaintenance(context.Background(), retentionDays); err != nil {
					logger.Errorf("Scheduled maintenance failed: %v", err)
				}
				break wait
			}
		}
	}
}
