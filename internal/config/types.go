// Package config loads infraplan settings from layered YAML files and the
// environment.
package config

import "time"

// Config is the top-level configuration.
type Config struct {
	Concurrency         int     `koanf:"concurrency" yaml:"concurrency"`
	MaxRetries          int     `koanf:"max_retries" yaml:"max_retries"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold" yaml:"confidence_threshold"`
	CheckpointBeforeRun bool    `koanf:"checkpoint_before_run" yaml:"checkpoint_before_run"`

	Database DatabaseConfig `koanf:"database" yaml:"database"`
	Memory   MemoryConfig   `koanf:"memory" yaml:"memory"`
	Retry    RetryConfig    `koanf:"retry" yaml:"retry"`
	Breaker  BreakerConfig  `koanf:"breaker" yaml:"breaker"`
	Log      LogConfig      `koanf:"log" yaml:"log"`

	// Executors maps an executor tag to the command that serves it.
	Executors map[string]ExecutorConfig `koanf:"executors" yaml:"executors"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" yaml:"path"` // SQLite file; ":memory:" keeps everything in process
}

type MemoryConfig struct {
	Enabled   bool          `koanf:"enabled" yaml:"enabled"`
	Retention time.Duration `koanf:"retention" yaml:"retention"`
}

// RetryConfig is the delay between feedback-loop attempts.
type RetryConfig struct {
	InitialInterval     time.Duration `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval" yaml:"max_interval"`
	Multiplier          float64       `koanf:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor" yaml:"randomization_factor"`
}

// BreakerConfig configures the per-executor circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `koanf:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `koanf:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests    uint32        `koanf:"half_open_requests" yaml:"half_open_requests"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // console or json
}

// ExecutorConfig describes a CLI that executes tasks for one tag.
type ExecutorConfig struct {
	Command           string            `koanf:"command" yaml:"command"`
	Args              []string          `koanf:"args" yaml:"args,omitempty"`
	Env               map[string]string `koanf:"env" yaml:"env,omitempty"`
	WorkDir           string            `koanf:"workdir" yaml:"workdir,omitempty"`
	Timeout           time.Duration     `koanf:"timeout" yaml:"timeout,omitempty"`
	DefaultConfidence float64           `koanf:"default_confidence" yaml:"default_confidence"`
}
