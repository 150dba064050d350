package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostlens/hostlens/internal/api"
	"github.com/hostlens/hostlens/internal/auth"
	"github.com/hostlens/hostlens/internal/config"
	"github.com/hostlens/hostlens/internal/database"
	"github.com/hostlens/hostlens/internal/metrics"
	"github.com/hostlens/hostlens/internal/poller"
	"github.com/hostlens/hostlens/internal/target"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg.Logging)
	logger.Info("Starting HostLens",
		"version", "1.0.0",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Initialize authentication service
	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	// Load the target registry
	registry := target.NewRegistry(logger)
	if err := registry.LoadFile(cfg.Targets.File); err != nil {
		log.Fatalf("Failed to load targets: %v", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := metrics.NewStore(cfg.Poller.GetInterval(), cfg.Poller.SubscriberBuffer, logger)
	manager := poller.NewManager(
		store,
		registry,
		cfg.Poller.GetConnectTimeout(),
		cfg.Poller.GetQueryTimeout(),
		logger,
	)

	// Optional history persistence
	var historyWriter *metrics.HistoryWriter
	if cfg.History.Enabled {
		dsn := cfg.History.GetDSN()

		if err := database.RunMigrations(dsn); err != nil {
			log.Fatalf("Migrations failed: %v", err)
		}

		pool, err := database.Connect(ctx, dsn)
		if err != nil {
			log.Fatalf("Database connection failed: %v", err)
		}
		defer pool.Close()

		historyWriter = metrics.NewHistoryWriter(pool, metrics.HistoryConfig{
			BatchSize:              cfg.History.BatchSize,
			FlushInterval:          cfg.History.GetFlushInterval(),
			MaxConsecutiveFailures: cfg.History.MaxConsecutiveFailures,
		}, logger)

		go func() {
			if err := historyWriter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("History writer error", "error", err)
			}
		}()

		// Feed the writer from the store's change notifications. Stale
		// updates and stop notifications carry no new data to persist.
		updates, unsubscribe := store.Subscribe()
		defer unsubscribe()
		go func() {
			for u := range updates {
				if u.Record == nil || u.Stale {
					continue
				}
				if err := historyWriter.Submit(ctx, u.TargetKey, u.Record); err != nil {
					return
				}
			}
		}()
	}

	// Begin monitoring every registered target
	for _, t := range registry.List() {
		if err := manager.Start(t.Key()); err != nil {
			logger.Error("Failed to start monitoring", "target", t.Key(), "error", err)
		}
	}

	// Create API router
	handler := api.NewHandler(authService, registry, store, manager, historyWriter)
	router := api.NewRouter(handler, authService, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Stop polling and tear down sessions before cancelling the workers
	manager.StopAll()
	cancel()

	logger.Info("Stopped gracefully")
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
