package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nesting levels: INFRAPLAN_RETRY__INITIAL_INTERVAL sets retry.initial_interval.
const EnvPrefix = "INFRAPLAN_"

// Load merges, lowest to highest precedence: defaults, the global file, the
// project file and the environment. Missing files are skipped; a malformed
// file or an invalid result is an error.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	for _, layer := range []struct{ name, path string }{
		{"global", globalPath},
		{"project", projectPath},
	} {
		if err := loadFile(k, layer.path); err != nil {
			return nil, fmt.Errorf("loading %s config: %w", layer.name, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads ~/.infraplan/config.yaml and .infraplan/config.yaml.
func LoadDefault() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(filepath.Join(home, ".infraplan", "config.yaml"), ProjectPath())
}

// ProjectPath is the project config location relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".infraplan", "config.yaml")
}

func loadFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// envKey maps INFRAPLAN_EXECUTORS__DOCKER__TIMEOUT to executors.docker.timeout.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be in (0,1], got %g", c.ConfidenceThreshold))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Memory.Retention < 0 {
		errs = append(errs, fmt.Errorf("memory.retention must not be negative, got %s", c.Memory.Retention))
	}
	if c.Retry.InitialInterval < 0 || c.Retry.MaxInterval < 0 {
		errs = append(errs, errors.New("retry intervals must not be negative"))
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.randomization_factor must be in [0,1], got %g", c.Retry.RandomizationFactor))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	for tag, e := range c.Executors {
		if e.Command == "" {
			errs = append(errs, fmt.Errorf("executors.%s.command is required", tag))
		}
		if e.DefaultConfidence < 0 || e.DefaultConfidence > 1 {
			errs = append(errs, fmt.Errorf("executors.%s.default_confidence must be in [0,1], got %g", tag, e.DefaultConfidence))
		}
		if e.Timeout < 0 {
			errs = append(errs, fmt.Errorf("executors.%s.timeout must not be negative", tag))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
