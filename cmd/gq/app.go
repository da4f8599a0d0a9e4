package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/config"
	"github.com/zulandar/geneq/internal/db"
	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/imputation"
	"github.com/zulandar/geneq/internal/jobs"
	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/notify"
	"github.com/zulandar/geneq/internal/storage"
)

// loadConfig reads the config at path. When the user did not pass --config
// and the default file is absent, built-in defaults are used instead.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// app bundles the services a command runs against.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *gorm.DB
	store   *storage.Store
	bus     events.Bus
	metrics *prometheus.Registry
	sched   *jobs.Scheduler
}

// openApp connects to the database, migrates it and builds the job
// scheduler. Log records go to logOut and to the configured log file.
func openApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logging.Options{Path: cfg.Log.Path, Level: cfg.Log.Level, Stdout: logOut})
	if err != nil {
		return nil, err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, err
	}

	store, err := storage.New(cfg.Storage.Root)
	if err != nil {
		db.Close(gormDB)
		return nil, err
	}

	registry, err := newRegistry(cfg.Imputation, logger)
	if err != nil {
		db.Close(gormDB)
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		db.Close(gormDB)
		return nil, err
	}

	var bus events.Bus = events.NewHub()
	if cfg.Redis.Addr != "" {
		rb, err := events.NewRedisBus(ctx, events.RedisOpts{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Logger:   logger,
		})
		if err != nil {
			db.Close(gormDB)
			return nil, err
		}
		bus = rb
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched, err := jobs.New(jobs.Opts{
		DB:            gormDB,
		Store:         store,
		Registry:      registry,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		Defaults: jobs.Defaults{
			ValidationThreshold: cfg.Validation.DefaultThreshold,
			ImputationThreshold: cfg.Imputation.DefaultThreshold,
			ImputationQuality:   cfg.Imputation.DefaultQualityThreshold,
			HoldoutFraction:     cfg.Imputation.HoldoutFraction,
			Seed:                cfg.Imputation.Seed,
			RetentionDays:       cfg.Jobs.RetentionDays,
		},
		BasePath: cfg.Server.BasePath,
		Events:   bus,
		Notifier: notifier,
		Metrics:  jobs.NewMetrics(reg),
		Logger:   logger,
		Lease:    time.Duration(cfg.Jobs.LeaseSeconds) * time.Second,
	})
	if err != nil {
		bus.Close()
		db.Close(gormDB)
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      gormDB,
		store:   store,
		bus:     bus,
		metrics: reg,
		sched:   sched,
	}, nil
}

// newRegistry builds the strategy registry, attaching the SSH model runner
// when a remote MOCHI host is configured.
func newRegistry(cfg config.ImputationConfig, logger *slog.Logger) (*imputation.Registry, error) {
	opts := imputation.RegistryOpts{
		Mochi: imputation.MochiOpts{
			LatentDim: cfg.Mochi.LatentDim,
			Ridge:     cfg.Mochi.Ridge,
		},
		Logger: logger,
	}
	if r := cfg.Mochi.Remote; r.Enabled() {
		runner, err := imputation.NewSSHRunner(imputation.SSHConfig{
			Host:         r.Host,
			Port:         r.Port,
			User:         r.User,
			Password:     r.Password,
			KeyPath:      r.KeyPath,
			JumpHost:     r.JumpHost,
			JumpPort:     r.JumpPort,
			JumpUser:     r.JumpUser,
			JumpPassword: r.JumpPassword,
			WorkDir:      r.WorkDir,
			Command:      r.Command,
			Timeout:      time.Duration(r.TimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts.Mochi.Runner = runner
		logger.Info("mochi remote runner enabled", "host", r.Host)
	}
	return imputation.NewRegistry(opts), nil
}

// close stops the scheduler, waiting up to 30s for running jobs, then
// releases the event bus and database.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.sched.Shutdown(ctx); err != nil {
		a.logger.Warn("scheduler shutdown", "error", err)
	}
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("close event bus", "error", err)
	}
	if err := db.Close(a.db); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}
