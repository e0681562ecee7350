package main

import (
	"context"
	"log/slog"

	"github.com/basket/taskwarden/internal/audit"
	"github.com/basket/taskwarden/internal/config"
	"github.com/basket/taskwarden/internal/journal"
	otelPkg "github.com/basket/taskwarden/internal/otel"
	"github.com/basket/taskwarden/internal/registry"
	"github.com/basket/taskwarden/internal/staleness"
	"github.com/basket/taskwarden/internal/store"
	"github.com/basket/taskwarden/internal/sweep"
	"github.com/basket/taskwarden/internal/telemetry"
)

// runDaemon runs the sweep scheduler in the foreground until interrupted.
// Stale in_progress tasks are reverted and dead agents pruned on their cron
// schedules; an immediate recovery sweep runs at startup.
func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	// OpenTelemetry is a no-op when disabled.
	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "taskwarden"
	}
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: serviceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := store.Open(cfg.StorePath,
		store.WithLockTimeout(cfg.LockTimeout()),
		store.WithLogger(logger),
	)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		fatalStartup(logger, "E_JOURNAL_OPEN", err)
	}
	defer jnl.Close()
	audit.SetDB(jnl.DB())

	detector := staleness.New(st, staleness.WithLogger(logger))
	reg := registry.New(st, registry.WithLogger(logger))

	scheduler, err := sweep.NewScheduler(sweep.Config{
		Detector:        detector,
		Registry:        reg,
		Logger:          logger,
		Metrics:         metrics,
		StaleThreshold:  cfg.StaleThreshold(),
		AgentInactivity: cfg.AgentInactivity(),
		StaleTasksCron:  cfg.Sweep.StaleTasksCron,
		AgentsCron:      cfg.Sweep.AgentsCron,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Watch for external edits to config.yaml and the shared document; other
	// writers (agents running the CLI) are expected, so this is informational.
	watcher := config.NewWatcher(logger, config.ConfigPath(cfg.HomeDir), cfg.StorePath)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("file watcher unavailable", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown", "reason", ctx.Err())
			return exitOK
		case ev, ok := <-watcher.Events():
			if !ok {
				<-ctx.Done()
				logger.Info("shutdown", "reason", ctx.Err())
				return exitOK
			}
			logger.Info("file changed externally", "path", ev.Path, "op", ev.Op.String())
		}
	}
}
