// Package config loads the job server's environment-driven configuration
// and the tier-definition registry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object: a single struct returned
// by the loader below and threaded through the process at startup.
type Config struct {
	DatabaseURL string
	Port        string
	SecretKey   []byte
	ModelEndpoint string

	MaxGlobalWorkers int

	KeepAliveInterval time.Duration
	JobTimeout        time.Duration
	StageTimeout      time.Duration

	CacheMaxEntries int

	PoolSize     int
	PoolOverflow int

	TierConfigPath string
}

// Load reads the recognized environment keys with production
// defaults, using the getEnvOrDefault helper below.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	secret := os.Getenv("SECRET_KEY")
	if len(secret) < 32 {
		return nil, fmt.Errorf("SECRET_KEY must be at least 32 bytes")
	}

	maxWorkers, err := strconv.Atoi(getEnvOrDefault("MAX_GLOBAL_WORKERS", "8"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_GLOBAL_WORKERS: %w", err)
	}

	keepAliveMS, err := strconv.Atoi(getEnvOrDefault("KEEP_ALIVE_INTERVAL_MS", "5000"))
	if err != nil {
		return nil, fmt.Errorf("invalid KEEP_ALIVE_INTERVAL_MS: %w", err)
	}

	jobTimeoutSec, err := strconv.Atoi(getEnvOrDefault("JOB_TIMEOUT_SEC", "600"))
	if err != nil {
		return nil, fmt.Errorf("invalid JOB_TIMEOUT_SEC: %w", err)
	}

	stageTimeoutSec, err := strconv.Atoi(getEnvOrDefault("STAGE_TIMEOUT_SEC", "180"))
	if err != nil {
		return nil, fmt.Errorf("invalid STAGE_TIMEOUT_SEC: %w", err)
	}

	cacheMaxEntries, err := strconv.Atoi(getEnvOrDefault("CACHE_MAX_ENTRIES", "10000"))
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_MAX_ENTRIES: %w", err)
	}

	poolSize, err := strconv.Atoi(getEnvOrDefault("POOL_SIZE", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid POOL_SIZE: %w", err)
	}

	poolOverflow, err := strconv.Atoi(getEnvOrDefault("POOL_OVERFLOW", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid POOL_OVERFLOW: %w", err)
	}

	cfg := &Config{
		DatabaseURL:       dbURL,
		Port:              getEnvOrDefault("PORT", "8080"),
		SecretKey:         []byte(secret),
		ModelEndpoint:     os.Getenv("MODEL_ENDPOINT"),
		MaxGlobalWorkers:  maxWorkers,
		KeepAliveInterval: time.Duration(keepAliveMS) * time.Millisecond,
		JobTimeout:        time.Duration(jobTimeoutSec) * time.Second,
		StageTimeout:      time.Duration(stageTimeoutSec) * time.Second,
		CacheMaxEntries:   cacheMaxEntries,
		PoolSize:          poolSize,
		PoolOverflow:      poolOverflow,
		TierConfigPath:    getEnvOrDefault("TIER_CONFIG_PATH", "./deploy/config/tiers.yaml"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants on a loaded Config.
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("POOL_SIZE must be at least 1")
	}
	if c.PoolOverflow < 0 {
		return fmt.Errorf("POOL_OVERFLOW cannot be negative")
	}
	if c.MaxGlobalWorkers < 1 {
		return fmt.Errorf("MAX_GLOBAL_WORKERS must be at least 1")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
