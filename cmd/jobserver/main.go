// Command jobserver runs the content generation job server: it loads
// configuration and tier definitions, connects to PostgreSQL, wires the
// scheduler and pipeline, and serves the HTTP API until signalled to stop.
// The overall shape — load config, connect dependencies, wire services,
// serve until signal, drain gracefully.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/contentforge/jobserver/pkg/api"
	"github.com/contentforge/jobserver/pkg/authn"
	"github.com/contentforge/jobserver/pkg/cache"
	"github.com/contentforge/jobserver/pkg/config"
	"github.com/contentforge/jobserver/pkg/eventbus"
	"github.com/contentforge/jobserver/pkg/pipeline"
	"github.com/contentforge/jobserver/pkg/scheduler"
	"github.com/contentforge/jobserver/pkg/store"
	"github.com/contentforge/jobserver/pkg/tierpolicy"
	"github.com/contentforge/jobserver/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded, continuing with process environment", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting jobserver", "version", version.Full(), "port", cfg.Port)

	tierRegistry, err := config.LoadTierRegistry(cfg.TierConfigPath)
	if err != nil {
		slog.Error("failed to load tier registry", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}()
	slog.Info("connected to postgresql and applied migrations")

	tiers := tierpolicy.New(tierRegistry, db)
	resolver := authn.NewResolver(cfg.SecretKey, tiers)
	contentCache := cache.New(cfg.CacheMaxEntries)
	bus := eventbus.New()
	generator := pipeline.NewHTTPGenerator(cfg.ModelEndpoint)
	pipe := pipeline.New(generator, db, bus, contentCache)

	podID := podIdentity()
	sched := scheduler.New(scheduler.Config{
		PodID:             podID,
		MaxGlobalWorkers:  cfg.MaxGlobalWorkers,
		JobTimeout:        cfg.JobTimeout,
		HeartbeatInterval: 15 * time.Second,
		OrphanThreshold:   2 * time.Minute,
	}, db, pipe, tiers, contentCache, bus)

	sched.Start(ctx)
	defer sched.Stop()

	go runEventBusGC(ctx, bus)

	server := api.NewServer(cfg, resolver, tiers, sched, db, bus, contentCache)
	if err := server.Start(ctx, ":"+cfg.Port); err != nil {
		slog.Error("http server exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("jobserver stopped")
}

func podIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "jobserver-pod"
	}
	return host
}

func runEventBusGC(ctx context.Context, bus *eventbus.Bus) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bus.GC(time.Now())
		}
	}
}
