package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zulandar/geneq/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the GeneQ API server",
		Long: `Starts the HTTP API. Jobs left pending or processing by a previous
process are failed on startup, and expired jobs are purged on the
maintenance schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GeneQ config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := openApp(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.sched.StartMaintenance(cfg.Jobs.MaintenanceSchedule); err != nil {
		return err
	}

	var gatherer prometheus.Gatherer
	if cfg.Server.MetricsEnabled() {
		gatherer = a.metrics
	}

	return server.Start(ctx, server.StartOpts{
		Opts: server.Opts{
			DB:             a.db,
			Store:          a.store,
			Scheduler:      a.sched,
			Events:         a.bus,
			BasePath:       cfg.Server.BasePath,
			CORSOrigins:    cfg.Server.CORSOrigins,
			MaxUploadBytes: cfg.Storage.MaxUploadBytes(),
			Gatherer:       gatherer,
			Version:        Version,
			Logger:         a.logger,
		},
		Port: port,
		Out:  out,
	})
}
