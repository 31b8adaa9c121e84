package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saashqdev/ops-center/internal/cache"
	"github.com/saashqdev/ops-center/internal/config"
	"github.com/saashqdev/ops-center/internal/credential"
	"github.com/saashqdev/ops-center/internal/database"
	"github.com/saashqdev/ops-center/internal/dispatch"
	"github.com/saashqdev/ops-center/internal/health"
	"github.com/saashqdev/ops-center/internal/ledger"
	"github.com/saashqdev/ops-center/internal/logging"
	"github.com/saashqdev/ops-center/internal/monitoring"
	"github.com/saashqdev/ops-center/internal/pipeline"
	"github.com/saashqdev/ops-center/internal/quota"
	"github.com/saashqdev/ops-center/internal/router"
	"github.com/saashqdev/ops-center/internal/server"
	"github.com/saashqdev/ops-center/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting metering core")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL, migrations.FS); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema migrations")
		}
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	redis, err := cache.New(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redis.Close()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	cipher, err := credential.NewCipher(cfg.Encryption.Key, cfg.Encryption.SecondaryKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential cipher")
	}

	ledgerSvc := ledger.NewService(db.Pool)
	enforcer := quota.NewEnforcer(redis, db.Pool, &cfg.Quota)
	resolver := credential.NewResolver(db.Pool, cipher, &cfg.Routing, &cfg.Platform)
	monitor := health.NewMonitor(health.DefaultConfig(), db.Pool)
	modelRouter := router.NewRouter(db.Pool, monitor, &cfg.Routing)
	dispatcher := dispatch.NewHTTPDispatcher(&cfg.Dispatch)
	store := pipeline.NewPGStore(db.Pool)

	pipe := pipeline.New(ledgerSvc, enforcer, resolver, monitor, modelRouter, dispatcher, store, cfg.Routing.DispatchRetries)

	srv := server.NewAPIServer(cfg, ledgerSvc, enforcer, resolver, monitor, pipe, store)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Int("port", port).Msg("Metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
