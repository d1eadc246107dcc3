// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the pipeline, the admin HTTP surface,
// and the S3 landing zone. It is constructed once at process start and
// passed by reference into each component's constructor; pipeline logic
// never reads the environment directly.
type Config struct {
	// API boundary
	MangaAPIBase     string        // primary paginated endpoint (MANGA_API_BASE)
	MangaAPIFallback string        // fallback endpoint used after the primary exhausts retries
	RequestTimeout   time.Duration // per-request timeout (default 30s)
	RequestRetries   int           // retries per page per endpoint (default 3)
	PageSize         int           // records requested per page (default 100)
	BatchSize        int           // records per landing file (default 1000)
	RateLimitRPS     float64       // page-request pacing (default 5)

	// S3 fields are optional — nil when not configured (extract stage
	// refuses to run without them; warehouse-only stages do not need S3).
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string

	WarehouseDBPath string // path to the DuckDB warehouse file (default "mangalake.duckdb")
	MetaDBPath      string // path to the SQLite control-plane file (default "mangalake_meta.sqlite")
	PipelineFile    string // optional YAML pipeline definition (default "pipeline.yaml" if present)
	ListenAddr      string // HTTP listen address (default ":8080")
	LogLevel        string // log level: debug, info, warn, error (default "info")

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil &&
		c.S3Endpoint != nil && c.S3Region != nil && c.S3Bucket != nil
}

// HasAPIConfig returns true if at least one API endpoint is configured.
func (c *Config) HasAPIConfig() bool {
	return c.MangaAPIBase != "" || c.MangaAPIFallback != ""
}

// LoadFromEnv loads configuration from environment variables.
// S3 variables are optional — warehouse-only stages can run without them.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MangaAPIBase:     os.Getenv("MANGA_API_BASE"),
		MangaAPIFallback: os.Getenv("MANGA_API_FALLBACK"),
		WarehouseDBPath:  os.Getenv("WAREHOUSE_DB_PATH"),
		MetaDBPath:       os.Getenv("META_DB_PATH"),
		PipelineFile:     os.Getenv("PIPELINE_FILE"),
		ListenAddr:       os.Getenv("LISTEN_ADDR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := parseDurationOrSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("REQUEST_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("REQUEST_RETRIES must be a non-negative integer, got %q", v)
		}
		cfg.RequestRetries = n
	} else {
		cfg.RequestRetries = -1 // sentinel: apply default below
	}
	if v := os.Getenv("PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("PAGE_SIZE must be a positive integer, got %q", v)
		}
		cfg.PageSize = n
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("BATCH_SIZE must be a positive integer, got %q", v)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimitRPS = f
		}
	}

	// S3 fields are optional — only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	// Defaults
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RequestRetries < 0 {
		cfg.RequestRetries = 3
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.WarehouseDBPath == "" {
		cfg.WarehouseDBPath = "mangalake.duckdb"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "mangalake_meta.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if !cfg.HasAPIConfig() {
		cfg.Warnings = append(cfg.Warnings,
			"no API endpoint configured — set MANGA_API_BASE or MANGA_API_FALLBACK before running extract")
	}
	if !cfg.HasS3Config() {
		cfg.Warnings = append(cfg.Warnings,
			"S3 landing zone not configured — set KEY_ID, SECRET, ENDPOINT, REGION, BUCKET before running extract")
	}

	return cfg, nil
}

// parseDurationOrSeconds accepts either a Go duration ("30s", "1m") or a
// bare number of seconds ("30") for REQUEST_TIMEOUT.
func parseDurationOrSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("must be a positive duration or seconds count, got %q", v)
	}
	return d, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the
// environment. Lines must be in KEY=VALUE format. Comments (#) and blank
// lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
