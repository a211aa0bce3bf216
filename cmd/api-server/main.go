package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/maumercado/task-queue-go/internal/api"
	"github.com/maumercado/task-queue-go/internal/config"
	"github.com/maumercado/task-queue-go/internal/events"
	"github.com/maumercado/task-queue-go/internal/idempotency"
	"github.com/maumercado/task-queue-go/internal/logger"
	"github.com/maumercado/task-queue-go/internal/ops"
	"github.com/maumercado/task-queue-go/internal/persistence"
	"github.com/maumercado/task-queue-go/internal/queue"
	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting API server")

	store := persistence.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis connection")
		}
	}()

	taskStore := task.NewStore(store.Client)
	idemIndex := idempotency.NewIndex(store.Client)
	q := queue.New(store.Client, cfg.Queue.MaxQueueDepth, cfg.Worker.DequeueTimeout)
	reg := registry.New(descriptorsFromConfig(cfg.Registry.Scanners))

	publisher := events.NewRedisPubSub(store.Client)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event publisher")
		}
	}()

	o := ops.New(taskStore, idemIndex, q, reg, publisher, cfg.Queue.DefaultPool, cfg.IdempotencyTTL)

	server := api.NewServer(cfg, o, store.Client, publisher)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.Start(ctx)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	server.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

func descriptorsFromConfig(scanners []config.ScannerDescriptor) []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(scanners))
	for _, s := range scanners {
		out = append(out, registry.Descriptor{
			InstanceKey:        s.InstanceKey,
			ScannerType:        s.ScannerType,
			Pool:               s.Pool,
			URL:                s.URL,
			Credential:         s.Credentials,
			Enabled:            s.Enabled,
			MaxConcurrentScans: s.MaxConcurrentScans,
		})
	}
	return out
}
