package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/infraplan/internal/config"
	"github.com/aristath/infraplan/internal/executor"
	"github.com/aristath/infraplan/internal/ledger"
	"github.com/aristath/infraplan/internal/memory"
	"github.com/aristath/infraplan/internal/metrics"
	"github.com/aristath/infraplan/internal/persistence"
)

// app carries process-wide state shared by every subcommand.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
	procs  *executor.ProcessManager
}

// load reads the configuration and builds the logger.
func (a *app) load() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return fmt.Errorf("getting home directory: %w", herr)
		}
		cfg, err = config.Load(filepath.Join(home, ".infraplan", "config.yaml"), a.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// services are the storage-backed components a command works with.
type services struct {
	store    *persistence.SQLiteStore
	memory   *memory.Service
	ledger   *ledger.Ledger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func (a *app) open(ctx context.Context) (*services, error) {
	var (
		store *persistence.SQLiteStore
		err   error
	)
	if a.cfg.Database.Path == ":memory:" {
		store, err = persistence.NewMemoryStore(ctx)
	} else {
		store, err = persistence.NewSQLiteStore(ctx, a.cfg.Database.Path)
	}
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mem, err := memory.NewService(store, memory.Config{Logger: a.logger.Named("memory"), Retention: a.cfg.Memory.Retention})
	if err != nil {
		store.Close()
		return nil, err
	}
	l, err := ledger.New(store, ledger.Config{Logger: a.logger.Named("ledger"), Metrics: m})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &services{store: store, memory: mem, ledger: l, metrics: m, registry: reg}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}

// executors builds one command executor per configured tag.
func (a *app) executors() (*executor.Registry, error) {
	tags := make([]string, 0, len(a.cfg.Executors))
	for tag := range a.cfg.Executors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	reg := executor.NewRegistry(nil)
	var errs []error
	for _, tag := range tags {
		ec := a.cfg.Executors[tag]
		exec, err := executor.NewCommandExecutor(executor.CommandConfig{
			Command:           ec.Command,
			Args:              ec.Args,
			Env:               envList(ec.Env),
			WorkDir:           ec.WorkDir,
			Timeout:           ec.Timeout,
			DefaultConfidence: ec.DefaultConfidence,
		}, a.procs, a.logger.Named("executor").With(zap.String("executor", tag)))
		if err != nil {
			errs = append(errs, fmt.Errorf("executor %s: %w", tag, err))
			continue
		}
		if err := reg.Register(tag, exec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
