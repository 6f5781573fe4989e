// Package config loads repository configuration from the environment, with an
// optional YAML overlay file whose tunables can be reloaded at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// CacheBackendKind selects the cache backing store at startup.
type CacheBackendKind string

const (
	CacheBackendMemory CacheBackendKind = "memory"
	CacheBackendBadger CacheBackendKind = "badger"
	CacheBackendDynamo CacheBackendKind = "dynamo"
)

// Config holds all static repository configuration.
type Config struct {
	// Store configuration
	TableName string
	AWSRegion string

	// Cache configuration
	CacheBackend CacheBackendKind
	CacheTable   string // backing table when CacheBackend == dynamo
	BadgerPath   string // on-disk path when CacheBackend == badger

	// Logging and features
	LogLevel      string
	EnableMetrics bool

	// Optional YAML overlay watched for runtime changes
	ConfigFile string

	// Initial tunables; superseded by the overlay when present
	Tunables Tunables
}

// Tunables are the runtime-adjustable settings. They are read through
// DynamicConfig so a reload never races an in-flight request.
type Tunables struct {
	ObjectTTL       time.Duration `yaml:"objectTTL"`
	ListTTL         time.Duration `yaml:"listTTL"`
	AggregationTTL  time.Duration `yaml:"aggregationTTL"`
	CacheTimeout    time.Duration `yaml:"cacheTimeout"`
	AggCacheTimeout time.Duration `yaml:"aggCacheTimeout"`
	DefaultPageSize int           `yaml:"defaultPageSize"`
	MaxPageSize     int           `yaml:"maxPageSize"`
	LockRetryLimit  int           `yaml:"lockRetryLimit"`
}

// DefaultTunables returns the built-in tunable values.
func DefaultTunables() Tunables {
	return Tunables{
		ObjectTTL:       5 * time.Minute,
		ListTTL:         2 * time.Minute,
		AggregationTTL:  10 * time.Minute,
		CacheTimeout:    1 * time.Second,
		AggCacheTimeout: 5 * time.Second,
		DefaultPageSize: 20,
		MaxPageSize:     100,
		LockRetryLimit:  100,
	}
}

// Load builds a Config from environment variables.
func Load() (*Config, error) {
	tun := DefaultTunables()
	tun.ObjectTTL = getEnvDuration("OBJECT_TTL", tun.ObjectTTL)
	tun.ListTTL = getEnvDuration("LIST_TTL", tun.ListTTL)
	tun.AggregationTTL = getEnvDuration("AGG_TTL", tun.AggregationTTL)
	tun.CacheTimeout = time.Duration(getEnvInt("CACHE_TIMEOUT_MS", int(tun.CacheTimeout/time.Millisecond))) * time.Millisecond
	tun.AggCacheTimeout = time.Duration(getEnvInt("AGG_CACHE_TIMEOUT_MS", int(tun.AggCacheTimeout/time.Millisecond))) * time.Millisecond
	tun.DefaultPageSize = getEnvInt("DEFAULT_PAGE_SIZE", tun.DefaultPageSize)
	tun.MaxPageSize = getEnvInt("MAX_PAGE_SIZE", tun.MaxPageSize)
	tun.LockRetryLimit = getEnvInt("LOCK_RETRY_LIMIT", tun.LockRetryLimit)

	cfg := &Config{
		TableName:     getEnv("TABLE_NAME", "dynarepo"),
		AWSRegion:     getEnv("AWS_REGION", "us-west-2"),
		CacheBackend:  CacheBackendKind(getEnv("CACHE_BACKEND", string(CacheBackendMemory))),
		CacheTable:    getEnv("CACHE_TABLE", "dynarepo-cache"),
		BadgerPath:    getEnv("BADGER_PATH", "/tmp/dynarepo-cache"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		ConfigFile:    getEnv("CONFIG_FILE", ""),
		Tunables:      tun,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.TableName == "" {
		return fmt.Errorf("TABLE_NAME is required")
	}
	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendBadger, CacheBackendDynamo:
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.CacheBackend == CacheBackendDynamo && c.CacheTable == "" {
		return fmt.Errorf("CACHE_TABLE is required for the dynamo cache backend")
	}
	if c.CacheBackend == CacheBackendBadger && c.BadgerPath == "" {
		return fmt.Errorf("BADGER_PATH is required for the badger cache backend")
	}
	if c.Tunables.DefaultPageSize < 1 || c.Tunables.DefaultPageSize > c.Tunables.MaxPageSize {
		return fmt.Errorf("DEFAULT_PAGE_SIZE must be in [1, MAX_PAGE_SIZE]")
	}
	if c.Tunables.LockRetryLimit < 1 {
		return fmt.Errorf("LOCK_RETRY_LIMIT must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
