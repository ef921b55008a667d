package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/equihub-lab/equihub-core/internal/bus"
	"github.com/equihub-lab/equihub-core/internal/cache"
	"github.com/equihub-lab/equihub-core/internal/config"
	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/eventstore"
	"github.com/equihub-lab/equihub-core/internal/kvstore"
	"github.com/equihub-lab/equihub-core/internal/migrations"
	"github.com/equihub-lab/equihub-core/internal/netprobe"
	"github.com/equihub-lab/equihub-core/internal/notify"
	"github.com/equihub-lab/equihub-core/internal/remote"
	"github.com/equihub-lab/equihub-core/internal/server"
	"github.com/equihub-lab/equihub-core/internal/syncer"
)

func main() {
	configPath := flag.String("config", "equihub.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"server", fmtAddr(cfg.Server.Host, cfg.Server.Port),
		"local_store", cfg.Local.Path,
		"sync_interval", cfg.Sync.Interval)

	// 2. Run Database Migrations, then open the remote adapter. The adapter
	// prepares its statements against the migrated schema.
	if err := runMigrations(cfg); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	remoteStore, err := remote.NewPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		slog.Error("Failed to initialize remote store", "error", err)
		os.Exit(1)
	}
	defer remoteStore.Close()

	// 3. Initialize the local durable store
	kv, err := kvstore.OpenSQLite(cfg.Local.Path)
	if err != nil {
		slog.Error("Failed to open local store", "path", cfg.Local.Path, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	// 4. Wire the engine
	clk := clock.Real{}
	ttlCache := cache.New(clk)
	changeBus := bus.New()
	events := eventstore.New(kv, remoteStore, ttlCache, clk, changeBus, cfg.Location())

	probe := buildProbe(cfg)
	scheduler := notify.New(kv, notify.LogDevice{}, events, clk, cfg.Location())
	scheduler.Attach(changeBus)

	coordinator := syncer.New(kv, remoteStore, probe, ttlCache, changeBus, clk, events, scheduler, syncer.Config{
		Interval:      cfg.SyncInterval(),
		MaxRetries:    cfg.Sync.MaxRetries,
		CellularBatch: cfg.Sync.CellularBatch,
	})

	// 5. Initialize Server
	srv := server.New(server.Options{
		Addr:          fmtAddr(cfg.Server.Host, cfg.Server.Port),
		Mode:          cfg.Server.Mode,
		MaxBodySizeMB: cfg.Server.MaxBodySizeMB,
		Events:        events,
		Notify:        scheduler,
		Syncer:        coordinator,
		Clock:         clk,
		DB:            remoteStore.DB(),
	})

	// 6. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if hp, ok := probe.(*netprobe.HTTPProbe); ok {
		go hp.Start(ctx)
	}

	go func() {
		if err := coordinator.Start(ctx); err != nil {
			slog.Error("Sync coordinator stopped with error", "error", err)
		}
	}()

	// Daily full notification rebuild for every owner this device has seen.
	c := cron.New()
	if _, err := c.AddFunc(cfg.Notify.RebuildCron, func() { rebuildAllOwners(ctx, kv, scheduler) }); err != nil {
		slog.Error("Invalid notify.rebuild_cron", "value", cfg.Notify.RebuildCron, "error", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// runMigrations opens a short-lived pool just for schema migration.
func runMigrations(cfg *config.Config) error {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Run(db, cfg.Database.AutoMigrate)
}

func buildProbe(cfg *config.Config) netprobe.Probe {
	if cfg.Probe.Endpoint == "" {
		slog.Info("No probe endpoint configured, assuming wifi link")
		return netprobe.NewStatic(netprobe.LinkWifi)
	}
	return netprobe.NewHTTPProbe(cfg.Probe.Endpoint, cfg.ProbeInterval())
}

func rebuildAllOwners(ctx context.Context, kv kvstore.Store, scheduler *notify.Scheduler) {
	entries, err := kv.ListPrefix(ctx, kvstore.OwnersPrefix)
	if err != nil {
		slog.Error("Listing owners for rebuild failed", "error", err)
		return
	}
	for key := range entries {
		owner := strings.TrimPrefix(key, kvstore.OwnersPrefix)
		if err := scheduler.RebuildAll(ctx, owner); err != nil {
			slog.Error("Notification rebuild failed", "owner", owner, "error", err)
		}
	}
	slog.Info("Daily notification rebuild complete", "owners", len(entries))
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
