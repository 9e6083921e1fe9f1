package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"banwatch/internal/aggregate"
	"banwatch/internal/api"
	"banwatch/internal/banstate"
	"banwatch/internal/config"
	"banwatch/internal/enforce"
	"banwatch/internal/geo"
	"banwatch/internal/ingest"
	"banwatch/internal/logging"
	"banwatch/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "banwatch.yaml", "path to config file")
	flag.Parse()

	manager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("starting banwatch", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			logger.Error("storage schema init failed", "err", err)
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	runner := enforce.NewRunner(cfg.Enforcement.ClientPath, cfg.Enforcement.CommandTimeout)
	client := enforce.NewClient(runner, logger)
	bans := banstate.New(client, store, logger)

	agg := aggregate.New(cfg.Aggregate.MaxWindow, cfg.Aggregate.TopN)
	agg.Start(ctx, cfg.Aggregate.SweepInterval, logger)

	pipeline := ingest.NewPipeline(agg, store, 1024, logger)
	go pipeline.Run(ctx)
	ingest.StartFileTail(ctx, manager, pipeline, logger)
	ingest.StartKafka(ctx, manager, pipeline, logger)

	go pingLoop(ctx, bans, client, cfg.Enforcement.PingInterval, logger)
	go refreshLoop(ctx, bans, cfg.Enforcement.RefreshInterval, logger)
	if cfg.AutoBan.Enabled {
		go autoBanLoop(ctx, bans, agg, manager, logger)
	}

	resolver := geo.NewResolver(cfg.Geo, logger)
	api.Start(ctx, manager, bans, agg, resolver, client, logger, version)

	go manager.Watch(10*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "path", manager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")
}

func pingLoop(ctx context.Context, bans *banstate.Store, client *enforce.Client, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		alive := client.Ping(ctx)
		if alive != bans.Live() {
			logger.Info("enforcement backend state changed", "alive", alive)
		}
		bans.SetLive(alive)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func refreshLoop(ctx context.Context, bans *banstate.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if bans.Live() {
			if err := bans.Refresh(ctx); err != nil {
				logger.Warn("jail refresh failed", "err", err)
			}
			bans.SweepExpired(time.Now().UTC())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func autoBanLoop(ctx context.Context, bans *banstate.Store, agg *aggregate.Aggregator, manager *config.Manager, logger *slog.Logger) {
	cfg := manager.Get().AutoBan
	ticker := time.NewTicker(cfg.FindTime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current := manager.Get().AutoBan
		if !current.Enabled || !bans.Live() {
			continue
		}
		counts := agg.FailureCounts(current.FindTime)
		if n := bans.AutoBan(ctx, counts, current); n > 0 {
			logger.Info("automatic bans issued", "count", n, "jail", current.Jail)
		}
	}
}
