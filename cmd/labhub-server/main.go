package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/config"
	"github.com/lab-platform/labhub/internal/dedup"
	"github.com/lab-platform/labhub/internal/dlq"
	"github.com/lab-platform/labhub/internal/engine"
	"github.com/lab-platform/labhub/internal/hub"
	"github.com/lab-platform/labhub/internal/instrumentation/metrics"
	"github.com/lab-platform/labhub/internal/registry"
	"github.com/lab-platform/labhub/internal/scheduler"
	"github.com/lab-platform/labhub/internal/server"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/pkg/log"
	"github.com/lab-platform/labhub/pkg/thread"
)

const (
	cleanupInterval = time.Hour
	drainTimeout    = 10 * time.Second
)

func main() {
	logger := log.InitLogs()
	logger.Println("Starting orchestrator service")
	defer logger.Println("Orchestrator service stopped")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		logger.Fatalf("reading configuration: %v", err)
	}
	log.SetLevel(logger, cfg.Service.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Println("Initializing data store")
	db, err := store.InitDB(cfg, logger)
	if err != nil {
		logger.Fatalf("initializing data store: %v", err)
	}
	dataStore := store.NewStore(db, logger.WithField("pkg", "store"))
	defer dataStore.Close()
	if err := dataStore.InitialMigration(); err != nil {
		logger.Fatalf("running initial migration: %v", err)
	}

	collector := metrics.NewOrchestratorCollector(logger.WithField("pkg", "metrics"))
	store.RegisterOpObserver(collector.StoreOperation)

	logger.Println("Connecting to message bus")
	busClient, err := bus.NewMQTT(ctx, logger.WithField("pkg", "bus"),
		cfg.Bus.URL, cfg.Bus.ClientID, cfg.Bus.Username, cfg.Bus.Password, collector)
	if err != nil {
		logger.Fatalf("connecting to message bus: %v", err)
	}
	defer busClient.Close()

	cache := dedup.New(uint64(cfg.Engine.DedupCapacity), cfg.Engine.DedupTTL, logger.WithField("pkg", "dedup"))
	cache.Start()
	defer cache.Stop()

	deviceRegistry := registry.New(dataStore, collector, cfg.Engine.StalenessThreshold, logger.WithField("pkg", "registry"))
	if err := deviceRegistry.Start(ctx, cfg.Engine.SweepInterval); err != nil {
		logger.Fatalf("starting device registry: %v", err)
	}
	defer deviceRegistry.Stop()

	deadLetters := dlq.New(dataStore, busClient, cfg.Engine.DLQMaxRetries, collector, logger.WithField("pkg", "dlq"))

	commandEngine := engine.New(busClient, dataStore, cache, deviceRegistry, deadLetters,
		collector, cfg.Engine.CommandTimeout, logger.WithField("pkg", "engine"))

	cmdScheduler := scheduler.New(dataStore, commandEngine, logger.WithField("pkg", "scheduler"))
	if err := cmdScheduler.Start(ctx); err != nil {
		logger.Fatalf("starting scheduler: %v", err)
	}
	defer cmdScheduler.Stop()

	messageHub := hub.New(busClient, commandEngine, deviceRegistry, deadLetters,
		cfg.Engine.WorkerCount, logger.WithField("pkg", "hub"))
	if err := messageHub.Start(ctx); err != nil {
		logger.Fatalf("starting message hub: %v", err)
	}

	cleaner := thread.New(ctx, logger.WithField("pkg", "cleanup"), "record cleanup", cleanupInterval,
		func(ctx context.Context) {
			if err := dataStore.CleanupOldRecords(ctx, cfg.Engine.RetentionDays); err != nil {
				logger.WithError(err).Error("cleaning up old records")
			}
		})
	cleaner.Start()

	apiServer := server.New(cfg.Service.Address, commandEngine, deviceRegistry,
		dataStore, deadLetters, cmdScheduler, busClient, logger.WithField("pkg", "api"))
	metricsServer := metrics.NewMetricsServer(logger.WithField("pkg", "metrics"), cfg.Service.MetricsAddress, collector)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return apiServer.Run(groupCtx) })
	group.Go(func() error { return metricsServer.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		logger.Errorf("server error: %v", err)
	}

	// Shutdown order: stop taking inbound work, then fail the commands
	// still awaiting acks so their callers get a terminal answer.
	logger.Println("Draining in-flight commands")
	messageHub.Stop()
	cleaner.Stop()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	commandEngine.Shutdown(drainCtx)
	drainCancel()
}
