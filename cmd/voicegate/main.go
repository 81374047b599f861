// Command voicegate is the main entry point for the voice session gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/halcyonlabs/voicegate/internal/app"
	"github.com/halcyonlabs/voicegate/internal/config"
	"github.com/halcyonlabs/voicegate/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicegate: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := observe.NewLogger(observe.LoggerConfig{
		Level:      cfg.LogLevel.SlogLevel(),
		Production: cfg.IsProduction(),
	})
	slog.SetDefault(logger)

	slog.Info("voicegate starting",
		"port", cfg.Port,
		"env", cfg.Env,
		"vertex_location", cfg.VertexLocation,
		"vertex_model", cfg.VertexModel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicegate",
	})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build application", "err", err)
		return 1
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("gateway exited with error", "err", err)
		return 1
	}
	return 0
}
