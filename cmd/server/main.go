// gigescrow - escrow-backed payments for gig engagements
package main

import (
	"context"
	"os"

	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/server"
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
	logger.Info("starting gigescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"default_provider", cfg.DefaultProvider,
		"auto_release_grace", cfg.AutoReleaseGrace.String(),
		"auto_release_schedule", cfg.AutoReleaseSchedule,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
