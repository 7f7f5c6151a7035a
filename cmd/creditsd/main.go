// Package main is the entry point for the credits API server.
//
// The server exposes the pricing resolver and credit ledger over
// HTTP/JSON for the generation orchestrator and the UI. It is built
// for production operation:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint
// - Structured logging with levels
//
// Startup order matters: Redis is warmed from PostgreSQL before the
// listener opens, because an empty Redis rejects every reservation.
//
// Configuration is via environment variables (12-factor pattern).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/palettelabs/credits/internal/catalog"
	"github.com/palettelabs/credits/internal/config"
	"github.com/palettelabs/credits/internal/ledger"
	"github.com/palettelabs/credits/internal/pricing"
	"github.com/palettelabs/credits/internal/reconciler"
	"github.com/palettelabs/credits/internal/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.Server.Port).
		Msg("starting credits api server")

	// Pricing catalog: file when configured, embedded default
	// otherwise.
	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load pricing catalog")
	}
	table := catalog.NewTable(cat)
	logger.Info().
		Str("version", cat.Version).
		Int("models", cat.Len()).
		Str("path", cfg.Catalog.Path).
		Msg("pricing catalog loaded")

	// Hot stores.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DialTimeout:  10 * time.Millisecond,
		ReadTimeout:  20 * time.Millisecond,
		WriteTimeout: 20 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := ledger.Open(openCtx, cfg.Postgres.URL, logger)
	openCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer store.Close()
	logger.Info().Msg("connected to postgres")

	led := ledger.NewLedger(redisClient, store, logger)
	defer led.Close()

	// Warm Redis before accepting traffic; without this every balance
	// check fails against empty counters.
	syncer := reconciler.NewSyncer(redisClient, store, logger)
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.WarmRedis(warmCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to warm redis from postgres")
	}
	warmCancel()

	syncer.StartPeriodicSync(cfg.Reconciler.SyncInterval)
	defer syncer.Stop()

	sweeper := reconciler.NewSweeper(store, led, cfg.Reconciler.HoldTimeout, cfg.Reconciler.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	resolver := pricing.NewResolver(table)
	ready := func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}
	handler := rest.NewHandler(resolver, led, ready, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// Deferred: sweeper, syncer, ledger (drains the write queue), store.
	logger.Info().Msg("shutdown complete")
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

// setupLogger mirrors the 12-factor split: pretty console output in
// development, JSON in production.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "credits-api").
		Str("environment", environment).
		Logger()
}
