package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alfredlabs/vmgate/internal/db"
	"github.com/alfredlabs/vmgate/internal/events"
	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/health"
	"github.com/alfredlabs/vmgate/internal/store"
	"github.com/alfredlabs/vmgate/internal/token"
)

var AppVersion string

const (
	defaultSweepInterval   = time.Minute
	trackerMaxAge          = 24 * time.Hour
	trackerCleanupInterval = time.Hour
)

// The monitor keeps its consecutive-failure counts in memory, so it runs
// as a long-lived loop rather than a cron one-shot; -once is for smoke
// tests and manual sweeps where the counts do not matter.
func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	InitConfig()

	slog.Info("VM Gate Monitor", "version", AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.InitDB(ctx, config.Db)
	if err != nil {
		slog.Error("Database connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool)

	signer, err := token.NewHMACSigner(config.Signing.Secret, config.Signing.TTL)
	if err != nil {
		slog.Error("Request signer init failed", "error", err)
		os.Exit(1)
	}

	publisher, err := events.Connect(config.Nats.Url)
	if err != nil {
		slog.Error("NATS connection failed", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	gw := gateway.New(st, signer, config.Gateway)

	tracker := health.NewMemoryTracker(trackerMaxAge)
	go tracker.StartCleanup(ctx, trackerCleanupInterval)
	monitor := health.NewMonitor(st, gw, tracker, publisher, config.Monitor)

	if *once {
		if _, err := monitor.CheckAll(ctx); err != nil {
			slog.Error("Sweep failed", "error", err)
			os.Exit(1)
		}
		return
	}

	interval := config.Sweep.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	slog.Info("Starting sweep loop", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := monitor.CheckAll(ctx); err != nil {
			slog.Error("Sweep failed", "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			slog.Info("Shutdown complete")
			return
		}
	}
}
