// Package config loads and validates the execution core's
// configuration. Values layer in order: built-in defaults, then the
// YAML file, then environment variables. A file watcher can push
// validated snapshots to subscribers for hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/toolrun"
	"github.com/jonwraymond/toolrun/cache"
	"github.com/jonwraymond/toolrun/observe"
	"github.com/jonwraymond/toolrun/resilience"
	"github.com/jonwraymond/toolrun/scheduler"
)

// Duration is a time.Duration that unmarshals from YAML and
// environment strings like "30s" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the env
// parser.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SchedulerConfig configures the executor and its queues.
type SchedulerConfig struct {
	WorkersPerPriority int      `yaml:"workers_per_priority" env:"WORKERS_PER_PRIORITY"`
	QueueCapacities    []int    `yaml:"queue_capacities" env:"QUEUE_CAPACITIES" envSeparator:","`
	MaxConcurrent      int      `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	MemoryCeilingMB    int64    `yaml:"memory_ceiling_mb" env:"MEMORY_CEILING_MB"`
	DefaultTimeout     Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	MaxEntries           int               `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxBytesMB           int64             `yaml:"max_bytes_mb" env:"MAX_BYTES_MB"`
	CompressionThreshold int               `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	DefaultStrategy      string            `yaml:"default_strategy" env:"DEFAULT_STRATEGY"`
	Strategies           map[string]string `yaml:"strategies"`
}

// BreakerConfig configures circuit breaker defaults and per-target
// overrides.
type BreakerConfig struct {
	FailureThreshold int                        `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  Duration                   `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	HalfOpenMaxCalls int                        `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
	Overrides        map[string]BreakerOverride `yaml:"overrides"`
}

// BreakerOverride is a per-target breaker configuration. Zero fields
// keep the defaults.
type BreakerOverride struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls"`
}

// RetryConfig configures the default retry policy.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay    Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay     Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier   float64  `yaml:"multiplier" env:"MULTIPLIER"`
	Strategy     string   `yaml:"strategy" env:"STRATEGY"`
	Jitter       string   `yaml:"jitter" env:"JITTER"`
	JitterFactor float64  `yaml:"jitter_factor" env:"JITTER_FACTOR"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName     string  `yaml:"service_name" env:"SERVICE_NAME"`
	Version         string  `yaml:"version" env:"VERSION"`
	LogLevel        string  `yaml:"log_level" env:"LOG_LEVEL"`
	TracingEnabled  bool    `yaml:"tracing_enabled" env:"TRACING_ENABLED"`
	TracingExporter string  `yaml:"tracing_exporter" env:"TRACING_EXPORTER"`
	SamplePct       float64 `yaml:"sample_pct" env:"SAMPLE_PCT"`
	MetricsEnabled  bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsExporter string  `yaml:"metrics_exporter" env:"METRICS_EXPORTER"`
}

// Config is the complete configuration tree.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"TOOLRUN_SCHEDULER_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"TOOLRUN_CACHE_"`
	Breaker   BreakerConfig   `yaml:"breaker" envPrefix:"TOOLRUN_BREAKER_"`
	Retry     RetryConfig     `yaml:"retry" envPrefix:"TOOLRUN_RETRY_"`
	Observe   ObserveConfig   `yaml:"observe" envPrefix:"TOOLRUN_OBSERVE_"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			WorkersPerPriority: 2,
			QueueCapacities:    []int{100, 200, 500, 200},
			MaxConcurrent:      10,
			MemoryCeilingMB:    512,
			DefaultTimeout:     Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			MaxEntries:           1000,
			MaxBytesMB:           64,
			CompressionThreshold: 1024,
			DefaultStrategy:      "short-term",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
			HalfOpenMaxCalls: 1,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    Duration(100 * time.Millisecond),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
			Strategy:     "exponential",
			Jitter:       "none",
			JitterFactor: 0.25,
		},
		Observe: ObserveConfig{
			ServiceName: "toolrun",
			LogLevel:    "info",
			SamplePct:   1.0,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment variables. The result
// is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validStrategies = map[string]bool{
	"no-cache": true, "short-term": true, "medium-term": true,
	"long-term": true, "persistent": true, "intelligent": true,
}

var validBackoffs = map[string]bool{
	"exponential": true, "linear": true, "fixed": true, "adaptive": true,
}

var validJitters = map[string]bool{
	"none": true, "uniform": true, "gaussian": true, "full": true,
}

// Validate checks the configuration for values the runtime cannot
// honor.
func (c Config) Validate() error {
	if c.Scheduler.WorkersPerPriority <= 0 {
		return fmt.Errorf("config: workers_per_priority must be positive, got %d", c.Scheduler.WorkersPerPriority)
	}
	if n := len(c.Scheduler.QueueCapacities); n != 0 && n != toolrun.NumPriorities {
		return fmt.Errorf("config: queue_capacities needs %d entries, got %d", toolrun.NumPriorities, n)
	}
	for _, capacity := range c.Scheduler.QueueCapacities {
		if capacity <= 0 {
			return fmt.Errorf("config: queue capacities must be positive, got %d", capacity)
		}
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MemoryCeilingMB <= 0 {
		return fmt.Errorf("config: memory_ceiling_mb must be positive, got %d", c.Scheduler.MemoryCeilingMB)
	}

	if !validStrategies[c.Cache.DefaultStrategy] {
		return fmt.Errorf("config: unknown cache strategy %q", c.Cache.DefaultStrategy)
	}
	for tool, name := range c.Cache.Strategies {
		if !validStrategies[name] {
			return fmt.Errorf("config: unknown cache strategy %q for tool %q", name, tool)
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if !validBackoffs[c.Retry.Strategy] {
		return fmt.Errorf("config: unknown backoff strategy %q", c.Retry.Strategy)
	}
	if !validJitters[c.Retry.Jitter] {
		return fmt.Errorf("config: unknown jitter mode %q", c.Retry.Jitter)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}

	return nil
}

// SchedulerConfig converts the tree into the executor's configuration.
func (c Config) SchedulerConfig() scheduler.Config {
	var capacities [toolrun.NumPriorities]int
	for i, capacity := range c.Scheduler.QueueCapacities {
		if i >= toolrun.NumPriorities {
			break
		}
		capacities[i] = capacity
	}

	return scheduler.Config{
		WorkersPerPriority: c.Scheduler.WorkersPerPriority,
		QueueCapacities:    capacities,
		MaxConcurrent:      c.Scheduler.MaxConcurrent,
		MemoryCeilingBytes: c.Scheduler.MemoryCeilingMB << 20,
		DefaultTimeout:     c.Scheduler.DefaultTimeout.Std(),
		Retry:              c.RetryPolicy(),
		Breaker:            c.BreakerDefaults(),
		BreakerOverrides:   c.BreakerOverrides(),
		Cache:              c.CacheConfig(),
	}
}

// CacheConfig converts the cache section.
func (c Config) CacheConfig() cache.Config {
	table := cache.NewStrategyTable(cache.ParseStrategy(c.Cache.DefaultStrategy))
	for tool, name := range c.Cache.Strategies {
		table.Set(tool, cache.ParseStrategy(name))
	}

	return cache.Config{
		MaxEntries:           c.Cache.MaxEntries,
		MaxBytes:             c.Cache.MaxBytesMB << 20,
		CompressionThreshold: c.Cache.CompressionThreshold,
		Strategies:           table,
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() resilience.Policy {
	var strategy resilience.BackoffStrategy
	switch c.Retry.Strategy {
	case "linear":
		strategy = resilience.BackoffLinear
	case "fixed":
		strategy = resilience.BackoffFixed
	case "adaptive":
		strategy = resilience.BackoffAdaptive
	default:
		strategy = resilience.BackoffExponential
	}

	var jitter resilience.JitterMode
	switch c.Retry.Jitter {
	case "uniform":
		jitter = resilience.JitterUniform
	case "gaussian":
		jitter = resilience.JitterGaussian
	case "full":
		jitter = resilience.JitterFull
	default:
		jitter = resilience.JitterNone
	}

	return resilience.Policy{
		MaxAttempts:  c.Retry.MaxAttempts,
		BaseDelay:    c.Retry.BaseDelay.Std(),
		MaxDelay:     c.Retry.MaxDelay.Std(),
		Multiplier:   c.Retry.Multiplier,
		Strategy:     strategy,
		Jitter:       jitter,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// BreakerDefaults converts the breaker section's defaults.
func (c Config) BreakerDefaults() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		RecoveryTimeout:  c.Breaker.RecoveryTimeout.Std(),
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// BreakerOverrides converts the per-target breaker overrides, filling
// unset fields from the defaults.
func (c Config) BreakerOverrides() map[string]resilience.BreakerConfig {
	if len(c.Breaker.Overrides) == 0 {
		return nil
	}

	defaults := c.BreakerDefaults()
	out := make(map[string]resilience.BreakerConfig, len(c.Breaker.Overrides))
	for target, o := range c.Breaker.Overrides {
		merged := defaults
		if o.FailureThreshold > 0 {
			merged.FailureThreshold = o.FailureThreshold
		}
		if o.RecoveryTimeout > 0 {
			merged.RecoveryTimeout = o.RecoveryTimeout.Std()
		}
		if o.HalfOpenMaxCalls > 0 {
			merged.HalfOpenMaxCalls = o.HalfOpenMaxCalls
		}
		out[target] = merged
	}
	return out
}

// ObserverConfig converts the observe section.
func (c Config) ObserverConfig() observe.Config {
	return observe.Config{
		ServiceName: c.Observe.ServiceName,
		Version:     c.Observe.Version,
		Tracing: observe.TracingConfig{
			Enabled:   c.Observe.TracingEnabled,
			Exporter:  c.Observe.TracingExporter,
			SamplePct: c.Observe.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Observe.MetricsEnabled,
			Exporter: c.Observe.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: c.Observe.LogLevel != "",
			Level:   c.Observe.LogLevel,
		},
	}
}
