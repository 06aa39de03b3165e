// Ridewallet - driver wallet ledger and settlement engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/ridewallet/internal/config"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/server"
	"github.com/mbd888/ridewallet/internal/traces"
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
	logger.Info("starting ridewallet",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"gateway", cfg.Gateway.Provider,
		"currency", cfg.Money.Currency,
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version, Commit))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	runErr := srv.Run(ctx)
	if err := shutdownTracing(context.Background()); err != nil {
		logger.Warn("tracing shutdown failed", "error", err)
	}
	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
}
