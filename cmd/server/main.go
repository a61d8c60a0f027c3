// Fraudwatch - real-time transaction risk scoring
package main

import (
	"context"
	"os"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	logger.Info("starting fraudwatch",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
		"high_risk_threshold", cfg.HighRiskThreshold,
		"medium_risk_threshold", cfg.MediumRiskThreshold,
		"redis", cfg.RedisURL != "",
		"postgres", cfg.DatabaseURL != "",
		"kafka", cfg.KafkaEnabled(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
