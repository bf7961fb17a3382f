// Package config manages the engine configuration tree: worker pool
// sizing, persistence paths, retry budgets, logging, deduplication, and
// per-source request policies.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (PAPERTRAWL_*)
//  2. Configuration file (JSON)
//  3. Built-in defaults
//
// A Watcher can additionally re-read the file while the engine runs and
// push changed source policies into the live rate-limiter registry.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/papertrawl/papertrawl/pkg/ratelimit"
	"github.com/papertrawl/papertrawl/pkg/resilience"
	"github.com/papertrawl/papertrawl/pkg/sources"
)

// EngineConfig is the complete engine configuration.
type EngineConfig struct {
	Workers WorkerConfig            `json:"workers"`
	Cache   CacheConfig             `json:"cache"`
	Retry   RetryConfig             `json:"retry"`
	Logging LoggingConfig           `json:"logging"`
	Dedup   DedupConfig             `json:"dedup"`
	Sources map[string]SourcePolicy `json:"sources"`
}

// WorkerConfig sizes the pool and its task-level retry behavior.
type WorkerConfig struct {
	// Count is the number of concurrent task runners.
	Count int `json:"count"`
	// TaskAttempts is how many times a task may be claimed before a
	// retryable failure becomes terminal. 1 disables re-enqueueing.
	TaskAttempts int `json:"task_attempts"`
	// RequeuePenalty is added to a task's priority on every re-enqueue.
	RequeuePenalty int `json:"requeue_penalty"`
	// BreakerWaitBudgetSeconds caps how long one page fetch may wait for
	// an open circuit breaker before the task gives up.
	BreakerWaitBudgetSeconds int `json:"breaker_wait_budget_seconds"`
}

// CacheConfig holds the persistence paths: the SQLite page cache and the
// task queue journal.
type CacheConfig struct {
	Path        string `json:"path"`
	JournalPath string `json:"journal_path"`
}

// RetryConfig bounds page-level retries and circuit breaker behavior.
type RetryConfig struct {
	// MaxRetries caps attempts for a single page before the task fails.
	MaxRetries int `json:"max_retries"`
	// BreakerThreshold is the consecutive-failure count that opens a
	// source's circuit breaker.
	BreakerThreshold int `json:"breaker_threshold"`
	// BreakerCooldownSeconds is how long an open breaker waits before
	// permitting a half-open probe.
	BreakerCooldownSeconds int `json:"breaker_cooldown_seconds"`
}

// LoggingConfig selects the logrus level and output format.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DedupConfig tunes the deduplicator.
type DedupConfig struct {
	// Threshold is the minimum token-set title similarity for a fuzzy
	// duplicate match, in (0, 1].
	Threshold float64 `json:"threshold"`
}

// SourcePolicy is one source's request budget plus the adapter defaults
// applied to every task against that source unless the task overrides
// them.
type SourcePolicy struct {
	PerSecond      float64 `json:"per_second"`
	Burst          int     `json:"burst"`
	MinSpacingMS   int     `json:"min_spacing_ms,omitempty"`
	PageSize       int     `json:"page_size,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	APIKey         string  `json:"api_key,omitempty"`
	PoliteEmail    string  `json:"polite_email,omitempty"`
}

// RatePolicy converts the policy's budget fields to the limiter shape.
func (p SourcePolicy) RatePolicy() ratelimit.Policy {
	return ratelimit.Policy{
		PerSecond:  p.PerSecond,
		Burst:      p.Burst,
		MinSpacing: time.Duration(p.MinSpacingMS) * time.Millisecond,
	}
}

// AdapterOptions converts the policy's adapter fields to the per-task
// options shape.
func (p SourcePolicy) AdapterOptions() sources.Options {
	return sources.Options{
		PageSize:       p.PageSize,
		TimeoutSeconds: p.TimeoutSeconds,
		APIKey:         p.APIKey,
		PoliteEmail:    p.PoliteEmail,
	}
}

// DefaultConfig returns the built-in configuration: three workers, data
// files under ~/.papertrawl, published rate budgets for the four
// supported sources, and text logging at info level.
func DefaultConfig() *EngineConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".papertrawl")

	return &EngineConfig{
		Workers: WorkerConfig{
			Count:                    3,
			TaskAttempts:             1,
			RequeuePenalty:           10,
			BreakerWaitBudgetSeconds: 120,
		},
		Cache: CacheConfig{
			Path:        filepath.Join(dataDir, "pages.db"),
			JournalPath: filepath.Join(dataDir, "tasks.journal"),
		},
		Retry: RetryConfig{
			MaxRetries:             resilience.DefaultMaxRetries,
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Dedup: DedupConfig{
			Threshold: 0.90,
		},
		Sources: defaultSourcePolicies(),
	}
}

// defaultSourcePolicies mirrors the limiter registry's built-in budgets
// so a saved default config file shows the real numbers.
func defaultSourcePolicies() map[string]SourcePolicy {
	out := make(map[string]SourcePolicy)
	for name, p := range ratelimit.DefaultPolicies() {
		out[name] = SourcePolicy{
			PerSecond:    p.PerSecond,
			Burst:        p.Burst,
			MinSpacingMS: int(p.MinSpacing / time.Millisecond),
		}
	}
	return out
}

// LoadConfig loads configuration from a file with environment variable
// overrides. A missing file is not an error; the defaults apply. The
// returned configuration is always validated.
func LoadConfig(path string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile merges the JSON file at path over the current values.
// Fields absent from the file keep what they had; source entries present
// in the file replace the entry of the same name wholesale.
func (c *EngineConfig) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies PAPERTRAWL_* environment variables on
// top of file and default values. Unparseable numeric values are ignored
// so a bad variable never blocks startup.
func (c *EngineConfig) applyEnvironmentOverrides() {
	if val := os.Getenv("PAPERTRAWL_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Workers.Count = n
		}
	}
	if val := os.Getenv("PAPERTRAWL_TASK_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Workers.TaskAttempts = n
		}
	}
	if val := os.Getenv("PAPERTRAWL_CACHE_PATH"); val != "" {
		c.Cache.Path = val
	}
	if val := os.Getenv("PAPERTRAWL_JOURNAL_PATH"); val != "" {
		c.Cache.JournalPath = val
	}
	if val := os.Getenv("PAPERTRAWL_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Retry.MaxRetries = n
		}
	}
	if val := os.Getenv("PAPERTRAWL_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("PAPERTRAWL_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("PAPERTRAWL_DEDUP_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Dedup.Threshold = f
		}
	}

	// Per-source credentials: PAPERTRAWL_<SOURCE>_API_KEY, with the
	// source name upper-cased. A shared polite-pool contact address
	// applies to every source that has none of its own.
	for name, policy := range c.Sources {
		envName := "PAPERTRAWL_" + strings.ToUpper(name) + "_API_KEY"
		if val := os.Getenv(envName); val != "" {
			policy.APIKey = val
			c.Sources[name] = policy
		}
	}
	if val := os.Getenv("PAPERTRAWL_POLITE_EMAIL"); val != "" {
		for name, policy := range c.Sources {
			if policy.PoliteEmail == "" {
				policy.PoliteEmail = val
				c.Sources[name] = policy
			}
		}
	}
}

// Validate checks every section and returns an error that names the bad
// field, its current value, and a reasonable setting.
func (c *EngineConfig) Validate() error {
	if c.Workers.Count <= 0 {
		return fmt.Errorf("worker count must be positive (current: %d); 3 suits the default source budgets", c.Workers.Count)
	}
	if c.Workers.Count > 64 {
		return fmt.Errorf("worker count is very high (%d); more workers than source budgets allow only park goroutines on the rate limiter, use 3-16", c.Workers.Count)
	}
	if c.Workers.TaskAttempts < 1 {
		return fmt.Errorf("task attempts must be at least 1 (current: %d); 1 disables re-enqueueing, 3 retries a task twice", c.Workers.TaskAttempts)
	}
	if c.Workers.RequeuePenalty < 0 {
		return fmt.Errorf("requeue penalty must not be negative (current: %d)", c.Workers.RequeuePenalty)
	}
	if c.Workers.BreakerWaitBudgetSeconds < 0 {
		return fmt.Errorf("breaker wait budget must not be negative (current: %d seconds)", c.Workers.BreakerWaitBudgetSeconds)
	}

	if c.Cache.Path == "" {
		return fmt.Errorf("cache path cannot be empty; set cache.path to a writable file such as ~/.papertrawl/pages.db")
	}

	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive (current: %d); 5 matches the default backoff families", c.Retry.MaxRetries)
	}
	if c.Retry.MaxRetries > 20 {
		return fmt.Errorf("max retries is very high (%d); beyond 10 the exponential backoff already spans minutes, use 3-10", c.Retry.MaxRetries)
	}
	if c.Retry.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1 (current: %d); 5 consecutive failures is the default trip point", c.Retry.BreakerThreshold)
	}
	if c.Retry.BreakerCooldownSeconds <= 0 {
		return fmt.Errorf("breaker cooldown must be positive (current: %d seconds); 60 gives a struggling source a real pause", c.Retry.BreakerCooldownSeconds)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q; valid options: debug, info, warn, error", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q; valid options: text, json", c.Logging.Format)
	}

	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup threshold must be in (0, 1] (current: %g); 0.90 is the calibrated default", c.Dedup.Threshold)
	}

	for name, policy := range c.Sources {
		if name == "" {
			return fmt.Errorf("source policy with an empty name; every sources entry needs a source name key")
		}
		if policy.PerSecond <= 0 {
			return fmt.Errorf("source %q: per_second must be positive (current: %g)", name, policy.PerSecond)
		}
		if policy.Burst < 1 {
			return fmt.Errorf("source %q: burst must be at least 1 (current: %d)", name, policy.Burst)
		}
		if policy.MinSpacingMS < 0 {
			return fmt.Errorf("source %q: min_spacing_ms must not be negative (current: %d)", name, policy.MinSpacingMS)
		}
		if err := policy.AdapterOptions().Validate(); err != nil {
			return fmt.Errorf("source %q: %w", name, err)
		}
	}

	return nil
}

// SaveToFile writes the configuration as indented JSON, creating parent
// directories as needed.
func (c *EngineConfig) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfigPath returns ~/.papertrawl/config.json.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".papertrawl", "config.json"), nil
}

// NewLogger builds a logrus logger from the logging section.
func (c LoggingConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	switch c.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q; valid options: text, json", c.Format)
	}
	return logger, nil
}
