package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/koschei/internal/app"
	"github.com/MrWong99/koschei/internal/config"
	"github.com/MrWong99/koschei/internal/observe"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, level))

	slog.Info("koschei starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Observe.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevel(level))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
