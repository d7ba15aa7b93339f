// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"

	"github.com/aristath/sentinel-ingest/internal/archival"
	"github.com/aristath/sentinel-ingest/internal/clients/fmp"
	"github.com/aristath/sentinel-ingest/internal/database"
	"github.com/aristath/sentinel-ingest/internal/ingest"
	"github.com/aristath/sentinel-ingest/internal/pipeline"
	"github.com/aristath/sentinel-ingest/pkg/logger"
)

// Config holds application configuration
type Config struct {
	DataDir     string // Base directory for the SQLite store and archives (always absolute)
	DatabaseURL string // DATABASE_URL, falling back to DATABASE_PUBLIC_URL
	MetricsAddr string // Serve Prometheus metrics on this address when set

	Pool     PoolConfig
	FMP      fmp.Config
	Log      logger.Config
	S3       archival.S3Config
	Pipeline pipeline.Config
	Jobs     ingest.Config
	Archival archival.Config
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	Min            int
	Max            int
	RetryAttempts  int
	RetryDelay     time.Duration // linear step between probe attempts
	AcquireTimeout time.Duration
}

// RetryPolicy builds the pool retry policy.
func (p PoolConfig) RetryPolicy() database.RetryPolicy {
	policy := database.DefaultRetryPolicy()
	if p.RetryAttempts > 0 {
		policy.MaxAttempts = p.RetryAttempts
	}
	if p.RetryDelay > 0 {
		step := p.RetryDelay
		policy.NewBackOff = func() backoff.BackOff {
			return &database.LinearBackOff{Step: step}
		}
	}
	return policy
}

// fileConfig is the optional TOML overlay. Zero values leave the
// environment-derived settings untouched.
type fileConfig struct {
	Pipeline struct {
		Concurrency     int           `toml:"concurrency"`
		BatchMultiplier int           `toml:"batch_multiplier"`
		FetchTimeout    time.Duration `toml:"fetch_timeout"`
		PaceEvery       int           `toml:"pace_every"`
		PaceDelay       time.Duration `toml:"pace_delay"`
		MaxErrors       int           `toml:"max_errors"`
	} `toml:"pipeline"`
	Jobs struct {
		PriceHistoryDays int           `toml:"price_history_days"`
		ValuationMaxAge  time.Duration `toml:"valuation_max_age"`
		NewsLookbackDays int           `toml:"news_lookback_days"`
		UniverseFile     string        `toml:"universe_file"`
	} `toml:"jobs"`
	Archival struct {
		Dir            string        `toml:"dir"`
		BatchSize      int           `toml:"batch_size"`
		PriceRetention time.Duration `toml:"price_retention"`
		NewsRetention  time.Duration `toml:"news_retention"`
	} `toml:"archival"`
}

// Load reads configuration from environment variables, then applies the TOML
// file named by INGEST_CONFIG when set.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir, err := filepath.Abs(getEnv("DATA_DIR", "data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	databaseURL := getEnv("DATABASE_URL", getEnv("DATABASE_PUBLIC_URL", ""))
	if databaseURL == "" {
		databaseURL = filepath.Join(dataDir, "ingest.db")
	}

	cfg := &Config{
		DataDir:     dataDir,
		DatabaseURL: databaseURL,
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		Pool: PoolConfig{
			Min:            getEnvAsInt("DB_POOL_MIN", 1),
			Max:            getEnvAsInt("DB_POOL_MAX", 10),
			RetryAttempts:  getEnvAsInt("DB_RETRY_ATTEMPTS", 3),
			RetryDelay:     getEnvAsDuration("DB_RETRY_DELAY", 500*time.Millisecond),
			AcquireTimeout: getEnvAsDuration("DB_ACQUIRE_TIMEOUT", 30*time.Second),
		},
		FMP: fmp.Config{
			APIKey:            getEnv("FMP_API_KEY", ""),
			BaseURL:           getEnv("FMP_BASE_URL", fmp.DefaultBaseURL),
			RequestsPerSecond: getEnvAsFloat("FMP_REQUESTS_PER_SECOND", 5),
		},
		Log: logger.Config{
			Level:      getEnv("LOG_LEVEL", "info"),
			Pretty:     getEnvAsBool("LOG_PRETTY", false),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 30),
		},
		S3: archival.S3Config{
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_S3_PREFIX", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", ""),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getEnvAsBool("ARCHIVE_S3_PATH_STYLE", false),
		},
		Pipeline: pipeline.DefaultConfig(),
		Jobs:     ingest.DefaultConfig(),
		Archival: archival.DefaultConfig(),
	}
	cfg.Archival.Dir = getEnv("ARCHIVE_DIR", filepath.Join(dataDir, "archive"))
	cfg.Jobs.UniverseFile = getEnv("UNIVERSE_FILE", filepath.Join(dataDir, "universe.csv"))

	if path := getEnv("INGEST_CONFIG", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFile overlays tuning from a TOML file.
func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	p := fc.Pipeline
	setInt(&c.Pipeline.Concurrency, p.Concurrency)
	setInt(&c.Pipeline.BatchMultiplier, p.BatchMultiplier)
	setDuration(&c.Pipeline.FetchTimeout, p.FetchTimeout)
	setInt(&c.Pipeline.PaceEvery, p.PaceEvery)
	setDuration(&c.Pipeline.PaceDelay, p.PaceDelay)
	setInt(&c.Pipeline.MaxErrors, p.MaxErrors)

	j := fc.Jobs
	setInt(&c.Jobs.PriceHistoryDays, j.PriceHistoryDays)
	setDuration(&c.Jobs.ValuationMaxAge, j.ValuationMaxAge)
	setInt(&c.Jobs.NewsLookbackDays, j.NewsLookbackDays)
	if j.UniverseFile != "" {
		c.Jobs.UniverseFile = j.UniverseFile
	}

	a := fc.Archival
	if a.Dir != "" {
		c.Archival.Dir = a.Dir
	}
	setInt(&c.Archival.BatchSize, a.BatchSize)
	setDuration(&c.Archival.PriceRetention, a.PriceRetention)
	setDuration(&c.Archival.NewsRetention, a.NewsRetention)

	return nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Pool.Max < 1 {
		return fmt.Errorf("DB_POOL_MAX must be at least 1, got %d", c.Pool.Max)
	}
	if c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("DB_POOL_MIN must be between 0 and DB_POOL_MAX (%d), got %d", c.Pool.Max, c.Pool.Min)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline concurrency must be at least 1")
	}

	// FMP_API_KEY is checked by the sync command, not here, so `status`
	// works without provider credentials.
	return nil
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("750ms") and bare seconds ("2").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
