package config

import "time"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Concurrency:         4,
		MaxRetries:          3,
		ConfidenceThreshold: 0.75,
		Database:            DatabaseConfig{Path: ".infraplan/state.db"},
		Memory: MemoryConfig{
			Enabled:   true,
			Retention: 90 * 24 * time.Hour,
		},
		Retry: RetryConfig{
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         10 * time.Second,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			HalfOpenRequests:    3,
		},
		Log:       LogConfig{Level: "info", Format: "console"},
		Executors: map[string]ExecutorConfig{},
	}
}
