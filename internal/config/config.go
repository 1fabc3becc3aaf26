// Package config loads and validates the hotfetch configuration from YAML
// files and HOTFETCH_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"gopkg.in/yaml.v2"

	"github.com/hotfetch/hotfetch/internal/cache"
	"github.com/hotfetch/hotfetch/internal/connpool"
	"github.com/hotfetch/hotfetch/internal/monitor"
	"github.com/hotfetch/hotfetch/internal/optimizer"
	"github.com/hotfetch/hotfetch/internal/prefetch"
	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Config is the complete hotfetch configuration.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Cache     CacheConfig      `yaml:"cache"`
	Optimizer optimizer.Config `yaml:"optimizer"`
	Pool      connpool.Config  `yaml:"pool"`
	Prefetch  prefetch.Config  `yaml:"prefetch"`
	Monitor   monitor.Config   `yaml:"monitor"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// CacheConfig wraps the per-store defaults plus the manager sweep interval.
type CacheConfig struct {
	cache.StoreConfig `yaml:",inline"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// Default returns the configuration used when nothing is provided.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			StoreConfig: cache.StoreConfig{
				MaxSize:    1000,
				DefaultTTL: 5 * time.Minute,
				Policy:     cache.PolicyLRU,
			},
			CleanupInterval: time.Minute,
		},
		Optimizer: optimizer.Config{
			MaxWorkers:       4,
			QueueCapacity:    256,
			BackpressureMode: optimizer.BackpressureBlock,
			BatchSize:        16,
			BatchWindow:      10 * time.Millisecond,
			MaxRetries:       3,
			BackoffBase:      100 * time.Millisecond,
		},
		Pool: connpool.Config{
			MaxConnections: 10,
			AcquireTimeout: 30 * time.Second,
		},
		Prefetch: prefetch.Config{
			ChunkSize: 32,
		},
		Monitor: monitor.Config{
			SlowThreshold: time.Second,
			MetricsPort:   9090,
			MetricsPath:   "/metrics",
			Namespace:     "hotfetch",
		},
	}
}

// LoadFromFile overlays settings from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to read config file", err).
			WithComponent("config")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to parse config file", err).
			WithComponent("config")
	}
	return nil
}

// LoadFromEnv overlays settings from HOTFETCH_* environment variables.
// Unparseable values are ignored in favor of the current setting.
func (c *Config) LoadFromEnv() {
	if val := os.Getenv("HOTFETCH_LOG_LEVEL"); val != "" {
		c.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv("HOTFETCH_LOG_FORMAT"); val != "" {
		c.Logging.Format = strings.ToLower(val)
	}

	if val := os.Getenv("HOTFETCH_CACHE_MAX_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxSize = n
		}
	}
	if val := os.Getenv("HOTFETCH_CACHE_DEFAULT_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.DefaultTTL = d
		}
	}
	if val := os.Getenv("HOTFETCH_CACHE_EVICTION_POLICY"); val != "" {
		c.Cache.Policy = cache.EvictionPolicy(strings.ToLower(val))
	}
	if val := os.Getenv("HOTFETCH_CACHE_CLEANUP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.CleanupInterval = d
		}
	}

	if val := os.Getenv("HOTFETCH_MAX_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Optimizer.MaxWorkers = n
		}
	}
	if val := os.Getenv("HOTFETCH_QUEUE_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Optimizer.QueueCapacity = n
		}
	}
	if val := os.Getenv("HOTFETCH_BACKPRESSURE_MODE"); val != "" {
		c.Optimizer.BackpressureMode = strings.ToLower(val)
	}
	if val := os.Getenv("HOTFETCH_SUBMIT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Optimizer.SubmitTimeout = d
		}
	}
	if val := os.Getenv("HOTFETCH_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Optimizer.BatchSize = n
		}
	}
	if val := os.Getenv("HOTFETCH_BATCH_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Optimizer.BatchWindow = d
		}
	}
	if val := os.Getenv("HOTFETCH_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Optimizer.MaxRetries = n
		}
	}
	if val := os.Getenv("HOTFETCH_BACKOFF_BASE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Optimizer.BackoffBase = d
		}
	}

	if val := os.Getenv("HOTFETCH_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxConnections = n
		}
	}
	if val := os.Getenv("HOTFETCH_ACQUIRE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.AcquireTimeout = d
		}
	}

	if val := os.Getenv("HOTFETCH_SLOW_THRESHOLD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Monitor.SlowThreshold = d
		}
	}
	if val := os.Getenv("HOTFETCH_METRICS_ENABLED"); val != "" {
		c.Monitor.MetricsEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("HOTFETCH_METRICS_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Monitor.MetricsPort = n
		}
	}
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to marshal config", err).
			WithComponent("config")
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to create config directory", err).
			WithComponent("config")
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to write config file", err).
			WithComponent("config")
	}
	return nil
}

// SetupLogging applies the logging section to the process-wide apex logger.
// Call Validate first; unknown values fall back to info/text here.
func (c *Config) SetupLogging() {
	if c.Logging.Format == "json" {
		log.SetHandler(jsonhandler.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}
	log.SetLevelFromString(c.Logging.Level)
}

// Validate fails fast on any invalid explicit setting.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "invalid log level %q", c.Logging.Level).
			WithComponent("config")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "invalid log format %q", c.Logging.Format).
			WithComponent("config")
	}

	if c.Cache.MaxSize <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "cache max_size must be positive, got %d", c.Cache.MaxSize).
			WithComponent("config")
	}
	if !c.Cache.Policy.Valid() {
		return errors.Newf(errors.ErrCodeInvalidConfig, "unknown eviction policy %q", c.Cache.Policy).
			WithComponent("config")
	}
	if c.Cache.CleanupInterval < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "cleanup_interval must not be negative").
			WithComponent("config")
	}

	if c.Optimizer.MaxWorkers <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "max_workers must be positive, got %d", c.Optimizer.MaxWorkers).
			WithComponent("config")
	}
	if c.Optimizer.QueueCapacity <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "queue_capacity must be positive, got %d", c.Optimizer.QueueCapacity).
			WithComponent("config")
	}
	switch c.Optimizer.BackpressureMode {
	case optimizer.BackpressureBlock, optimizer.BackpressureReject:
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unknown backpressure mode %q", c.Optimizer.BackpressureMode).
			WithComponent("config")
	}
	if c.Optimizer.BatchSize <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "batch_size must be positive, got %d", c.Optimizer.BatchSize).
			WithComponent("config")
	}
	if c.Optimizer.MaxRetries < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "max_retries must not be negative").
			WithComponent("config")
	}

	if c.Pool.MaxConnections <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "max_connections must be positive, got %d", c.Pool.MaxConnections).
			WithComponent("config")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "acquire_timeout must be positive").
			WithComponent("config")
	}

	if c.Prefetch.ChunkSize <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "chunk_size must be positive, got %d", c.Prefetch.ChunkSize).
			WithComponent("config")
	}

	if c.Monitor.SlowThreshold < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "slow_threshold must not be negative").
			WithComponent("config")
	}
	if c.Monitor.MetricsEnabled && (c.Monitor.MetricsPort <= 0 || c.Monitor.MetricsPort > 65535) {
		return errors.Newf(errors.ErrCodeInvalidConfig, "invalid metrics port %d", c.Monitor.MetricsPort).
			WithComponent("config")
	}

	return nil
}
