// Soko Pay - Escrow payments for social commerce
package main

import (
	"context"
	"os"

	"github.com/mbd888/sokopay/internal/config"
	"github.com/mbd888/sokopay/internal/logging"
	"github.com/mbd888/sokopay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting sokopay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, logFormat(cfg))
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"fee_bps", cfg.PlatformFeeBPS,
		"payment_link_base", cfg.PaymentLinkBase,
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func logFormat(cfg *config.Config) string {
	if cfg.IsProduction() {
		return "json"
	}
	return "text"
}
