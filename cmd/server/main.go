// Assured - escrowed pay-per-call settlement for agent APIs
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/assured/internal/config"
	"github.com/mbd888/assured/internal/logging"
	"github.com/mbd888/assured/internal/server"
	"github.com/mbd888/assured/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting assured",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"mode", cfg.ExecutionMode,
		"network", cfg.Network,
		"currency", cfg.Currency,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}
