package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/webdav-core/internal/auth"
	"github.com/webdav-core/internal/metrics"
	"github.com/webdav-core/internal/server"
	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/webdav"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebDAV server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sidecar.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open sidecar store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close sidecar store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine, err := webdav.NewEngine(cfg, store, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create webdav engine: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"root":         cfg.Storage.RootPath,
		"mount_prefix": cfg.Server.MountPrefix,
		"backend":      cfg.Sidecar.Backend,
	}).Info("WebDAV engine initialized")

	opts := server.Options{Gatherer: reg}
	if cfg.Auth.Enabled {
		opts.Auth = auth.NewService(cfg.Auth, logger)
		logger.WithField("users", len(cfg.Auth.Users)).Info("Authentication enabled")
	}

	return server.New(cfg, engine, opts, logger).Run(ctx)
}
