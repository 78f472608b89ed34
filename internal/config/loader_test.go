package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWhenFilesMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.yaml"), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "global.yaml", `
concurrency: 8
max_retries: 5
retry:
  initial_interval: 250ms
executors:
  docker:
    command: docker-exec
    default_confidence: 0.8
`)
	project := writeFile(t, dir, "project.yaml", `
max_retries: 2
memory:
  retention: 720h
executors:
  docker:
    timeout: 45s
  kubectl:
    command: kubectl-exec
    args: ["--context", "staging"]
    env:
      KUBECONFIG: /etc/kube/staging
`)

	cfg, err := Load(global, project)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 0.75, cfg.ConfidenceThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxInterval, "unset keys keep their defaults")
	assert.Equal(t, 720*time.Hour, cfg.Memory.Retention)
	assert.True(t, cfg.Memory.Enabled)

	require.Contains(t, cfg.Executors, "docker")
	docker := cfg.Executors["docker"]
	assert.Equal(t, "docker-exec", docker.Command, "nested keys merge across files")
	assert.Equal(t, 0.8, docker.DefaultConfidence)
	assert.Equal(t, 45*time.Second, docker.Timeout)

	kubectl := cfg.Executors["kubectl"]
	assert.Equal(t, []string{"--context", "staging"}, kubectl.Args)
	assert.Equal(t, map[string]string{"KUBECONFIG": "/etc/kube/staging"}, kubectl.Env)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	project := writeFile(t, dir, "project.yaml", "concurrency: 2\n")

	t.Setenv("INFRAPLAN_CONCURRENCY", "6")
	t.Setenv("INFRAPLAN_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("INFRAPLAN_BREAKER__OPEN_TIMEOUT", "1m")
	t.Setenv("INFRAPLAN_DATABASE__PATH", "/var/lib/infraplan.db")

	cfg, err := Load("", project)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Concurrency)
	assert.Equal(t, 0.9, cfg.ConfidenceThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.OpenTimeout)
	assert.Equal(t, "/var/lib/infraplan.db", cfg.Database.Path)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "max_retries", envKey("INFRAPLAN_MAX_RETRIES"))
	assert.Equal(t, "executors.docker.timeout", envKey("INFRAPLAN_EXECUTORS__DOCKER__TIMEOUT"))
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "concurrency: [unclosed\n")

	_, err := Load(bad, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading global config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, "max_retries"},
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"no database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"executor without command", func(c *Config) { c.Executors["helm"] = ExecutorConfig{} }, "executors.helm.command"},
		{"executor confidence", func(c *Config) {
			c.Executors["helm"] = ExecutorConfig{Command: "helm", DefaultConfidence: 2}
		}, "executors.helm.default_confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestSave_ThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Concurrency = 3
	cfg.Executors["docker"] = ExecutorConfig{Command: "docker-exec", Timeout: 30 * time.Second, DefaultConfidence: 0.7}

	require.NoError(t, Save(cfg, path))

	loaded, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
