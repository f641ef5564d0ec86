package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-gateway/pkg/admin"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/gateway"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and its admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting polis-gateway", "version", version, "routes", cfg.Routes.File)

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	// The collector reads the manager only on scrape, after gw is set.
	var gw *gateway.Gateway
	metrics := telemetry.NewMetrics(func() telemetry.Snapshot { return gw.Manager().TelemetrySnapshot() })

	gw, err = gateway.New(ctx, gateway.Options{Config: cfg, Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(context.Background()); err != nil {
			logger.Error("Failed to close gateway", "error", err)
		}
	}()

	var (
		routes  []domain.RouteConfig
		updates <-chan []domain.RouteConfig
	)
	if cfg.Routes.Watch {
		provider, err := config.NewRouteFileProvider(cfg.Routes.File, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("Failed to close route file provider", "error", err)
			}
		}()
		routes = provider.Routes()
		updates = provider.Subscribe()
	} else {
		routes, err = config.LoadRoutes(cfg.Routes.File)
		if err != nil {
			return err
		}
	}

	report, err := gw.Load(ctx, routes)
	for _, w := range report.Warnings {
		logger.Warn("Route warning", "warning", w)
	}
	if err != nil {
		// Routes that assembled keep serving; the rest are reported.
		logger.Error("Some routes failed to load", "error", err)
	}
	if updates != nil {
		go gw.Watch(ctx, updates)
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}

	server := admin.NewServer(admin.Options{
		Gateway: gw,
		Metrics: metrics,
		Logger:  logger,
		Config:  cfg.Server,
	})
	if _, err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Shutdown error", "error", err)
	}
	return nil
}
