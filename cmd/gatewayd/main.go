// Command gatewayd wires a config file to a core.Pool and serves the
// management HTTP surface, with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/LaansDole/distributed-llm-mac/config"
	"github.com/LaansDole/distributed-llm-mac/core"
	"github.com/LaansDole/distributed-llm-mac/httpapi"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrapLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrapLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg.Server.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg := cfg.CorePoolConfig()
	poolCfg.Logger = logger

	pool, err := core.NewPoolWithRegisterer(cfg.CoreWorkerConfigs(), poolCfg, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct pool")
	}

	if err := pool.Open(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to open pool")
	}

	server := httpapi.NewServer(pool, true)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("starting gatewayd")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shut down")
	}
	if err := pool.Close(); err != nil {
		logger.Error().Err(err).Msg("pool close failed")
	}

	logger.Info().Msg("gatewayd exited")
}

func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Logger()
}
