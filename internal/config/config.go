package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 3095)
	Port string

	// BasePath is the URL base path for reverse proxy setups (default: "/")
	BasePath string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// DataDir is the directory for persistent data (database, logs, backups)
	// Default: /config in Docker, ./config locally
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/guardian.db)
	DatabasePath string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string

	// ConfluenceBaseURL is the site root, e.g. https://example.atlassian.net
	ConfluenceBaseURL string

	// ConfluenceEmail and ConfluenceAPIToken are used for HTTP basic auth
	ConfluenceEmail    string
	ConfluenceAPIToken string

	// ConfluenceTimeout bounds a single HTTP request to Confluence (default: 30s)
	ConfluenceTimeout time.Duration

	// ConfluenceRateLimitRPS is the maximum requests per second to Confluence (default: 5)
	ConfluenceRateLimitRPS float64

	// ConfluenceRateLimitBurst allows short bursts above the RPS limit (default: 10)
	ConfluenceRateLimitBurst int

	// ScanBatchSize is the page limit requested per batch (default: 50)
	ScanBatchSize int

	// ScanLockTTL is how long a scan lock stays valid without a heartbeat (default: 10m)
	ScanLockTTL time.Duration

	// ScanLookupConcurrency bounds concurrent per-page lookups within a batch (default: 4)
	ScanLookupConcurrency int

	// ScanSchedule is the cron expression for scheduled scans (default: every 6 hours).
	// The job only runs a scan when settings.schedule.mode is "auto".
	ScanSchedule string

	// ResumeOnStartup resumes an interrupted scan found at startup (default: true)
	ResumeOnStartup bool

	// APIKey protects the /api routes. Empty disables authentication.
	APIKey string

	// NotificationURLs are shoutrrr service URLs notified on scan completion/failure
	NotificationURLs []string

	// RetentionDays is the number of days to keep events and scan history (default: 90)
	// Set to 0 to disable automatic pruning
	RetentionDays int
}

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	dataDir := getEnvOrDefault("GUARDIAN_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "config")
		} else {
			dataDir = "./config"
		}
	}
	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}
	os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("GUARDIAN_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "guardian.db")
	}

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	cfg = &Config{
		Port:                     getEnvOrDefault("GUARDIAN_PORT", "3095"),
		BasePath:                 normalizeBasePath(getEnvOrDefault("GUARDIAN_BASE_PATH", "/")),
		LogLevel:                 strings.ToLower(getEnvOrDefault("GUARDIAN_LOG_LEVEL", "info")),
		DataDir:                  dataDir,
		DatabasePath:             dbPath,
		LogDir:                   logDir,
		ConfluenceBaseURL:        strings.TrimSuffix(getEnvOrDefault("GUARDIAN_CONFLUENCE_URL", ""), "/"),
		ConfluenceEmail:          getEnvOrDefault("GUARDIAN_CONFLUENCE_EMAIL", ""),
		ConfluenceAPIToken:       getEnvOrDefault("GUARDIAN_CONFLUENCE_TOKEN", ""),
		ConfluenceTimeout:        getEnvDurationOrDefault("GUARDIAN_CONFLUENCE_TIMEOUT", 30*time.Second),
		ConfluenceRateLimitRPS:   getEnvFloatOrDefault("GUARDIAN_CONFLUENCE_RATE_LIMIT_RPS", 5.0),
		ConfluenceRateLimitBurst: getEnvIntOrDefault("GUARDIAN_CONFLUENCE_RATE_LIMIT_BURST", 10),
		ScanBatchSize:            getEnvIntOrDefault("GUARDIAN_SCAN_BATCH_SIZE", 50),
		ScanLockTTL:              getEnvDurationOrDefault("GUARDIAN_SCAN_LOCK_TTL", 10*time.Minute),
		ScanLookupConcurrency:    getEnvIntOrDefault("GUARDIAN_SCAN_LOOKUP_CONCURRENCY", 4),
		ScanSchedule:             getEnvOrDefault("GUARDIAN_SCAN_SCHEDULE", "0 */6 * * *"),
		ResumeOnStartup:          getEnvBoolOrDefault("GUARDIAN_RESUME_ON_STARTUP", true),
		APIKey:                   getEnvOrDefault("GUARDIAN_API_KEY", ""),
		NotificationURLs:         getEnvListOrDefault("GUARDIAN_NOTIFICATION_URLS", nil),
		RetentionDays:            getEnvIntOrDefault("GUARDIAN_RETENTION_DAYS", 90),
	}

	cfg.validate()
	return cfg
}

// validate replaces out-of-range values with their defaults.
func (c *Config) validate() {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	if c.ScanBatchSize <= 0 || c.ScanBatchSize > 250 {
		c.ScanBatchSize = 50
	}
	if c.ScanLockTTL <= 0 {
		c.ScanLockTTL = 10 * time.Minute
	}
	if c.ScanLookupConcurrency <= 0 {
		c.ScanLookupConcurrency = 1
	}
	if c.ConfluenceRateLimitRPS <= 0 {
		c.ConfluenceRateLimitRPS = 5.0
	}
	if c.ConfluenceRateLimitBurst <= 0 {
		c.ConfluenceRateLimitBurst = 10
	}
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                     "8080",
		BasePath:                 "/",
		LogLevel:                 "debug",
		DataDir:                  "/tmp/guardian-test",
		DatabasePath:             "/tmp/guardian-test/guardian.db",
		LogDir:                   "/tmp/guardian-test/logs",
		ConfluenceBaseURL:        "http://confluence.test",
		ConfluenceTimeout:        5 * time.Second,
		ConfluenceRateLimitRPS:   1000,
		ConfluenceRateLimitBurst: 1000,
		ScanBatchSize:            50,
		ScanLockTTL:              10 * time.Minute,
		ScanLookupConcurrency:    4,
		ScanSchedule:             "0 */6 * * *",
		ResumeOnStartup:          false,
		RetentionDays:            90,
	}
}

func normalizeBasePath(basePath string) string {
	if basePath == "" || basePath == "/" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or the default if not set/invalid.
// Accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault accepts "true", "1", "yes" as true values (case-insensitive).
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma-separated variable, dropping empty entries.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port              *string
	BasePath          *string
	LogLevel          *string
	DataDir           *string
	DatabasePath      *string
	ConfluenceBaseURL *string
	ScanBatchSize     *int
	ScanSchedule      *string
	RetentionDays     *int
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.BasePath != nil && *flags.BasePath != "" {
		cfg.BasePath = normalizeBasePath(*flags.BasePath)
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.ConfluenceBaseURL != nil && *flags.ConfluenceBaseURL != "" {
		cfg.ConfluenceBaseURL = strings.TrimSuffix(*flags.ConfluenceBaseURL, "/")
	}
	if flags.ScanBatchSize != nil && *flags.ScanBatchSize != 0 {
		cfg.ScanBatchSize = *flags.ScanBatchSize
	}
	if flags.ScanSchedule != nil && *flags.ScanSchedule != "" {
		cfg.ScanSchedule = *flags.ScanSchedule
	}
	if flags.RetentionDays != nil {
		cfg.RetentionDays = *flags.RetentionDays
	}
	cfg.validate()
}
