// Paid-conversation escrow API server
package main

import (
	"context"
	"os"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/config"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/logging"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting ror escrow",
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

	if cfg.NeedsSSM() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := config.NewSSMClient(ctx, cfg.AWSRegion)
		if err == nil {
			err = cfg.ResolveSecrets(ctx, client)
		}
		cancel()
		if err != nil {
			logger.Error("failed to resolve secrets", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"payments_configured", cfg.StripeSecretKey != "",
		"admins", len(cfg.AdminWallets),
	)

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
