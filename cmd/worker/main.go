package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maumercado/task-queue-go/internal/config"
	"github.com/maumercado/task-queue-go/internal/housekeeper"
	"github.com/maumercado/task-queue-go/internal/logger"
	"github.com/maumercado/task-queue-go/internal/persistence"
	"github.com/maumercado/task-queue-go/internal/queue"
	"github.com/maumercado/task-queue-go/internal/registry"
	"github.com/maumercado/task-queue-go/internal/scanner/httpscanner"
	"github.com/maumercado/task-queue-go/internal/task"
	"github.com/maumercado/task-queue-go/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting worker")

	store := persistence.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis connection")
		}
	}()

	taskStore := task.NewStore(store.Client)
	q := queue.New(store.Client, cfg.Queue.MaxQueueDepth, cfg.Worker.DequeueTimeout)
	reg := registry.New(descriptorsFromConfig(cfg.Registry.Scanners))
	hk := housekeeper.New(taskStore, cfg.Housekeeper.ArtifactTTL, cfg.Housekeeper.TaskTTL, cfg.Housekeeper.CronSchedule)

	pool := worker.NewPool(&cfg.Worker, taskStore, q, reg, httpscanner.Factory(cfg.Worker.ScanTimeout), store.Client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	if err := hk.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start housekeeper")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")

	hk.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()
	pool.Stop(shutdownCtx)

	log.Info().Msg("worker stopped")
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
