package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/alfredlabs/vmgate/internal/api/http"
	"github.com/alfredlabs/vmgate/internal/bootstrap"
	"github.com/alfredlabs/vmgate/internal/compute"
	"github.com/alfredlabs/vmgate/internal/db"
	"github.com/alfredlabs/vmgate/internal/dns"
	"github.com/alfredlabs/vmgate/internal/events"
	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/health"
	"github.com/alfredlabs/vmgate/internal/provisioner"
	"github.com/alfredlabs/vmgate/internal/store"
	"github.com/alfredlabs/vmgate/internal/token"
)

var AppVersion string

const (
	trackerMaxAge          = 24 * time.Hour
	trackerCleanupInterval = time.Hour
)

func main() {
	InitConfig()

	slog.Info("VM Gate Server", "version", AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(ctx, config.Db); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

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

	dnsClient := dns.NewClient(config.Dns)
	computeClient := compute.NewClient(config.Compute)
	boot := bootstrap.NewGenerator(config.Platform.BaseDomain, config.Platform.URL)

	orchestrator := provisioner.New(st, dnsClient, computeClient, boot, publisher, config.Provisioner)
	gw := gateway.New(st, signer, config.Gateway)

	tracker := health.NewMemoryTracker(trackerMaxAge)
	go tracker.StartCleanup(ctx, trackerCleanupInterval)
	monitor := health.NewMonitor(st, gw, tracker, publisher, config.Monitor)

	services := &internalhttp.Services{
		Store:        st,
		Gateway:      gw,
		Monitor:      monitor,
		Orchestrator: orchestrator,
		Compute:      computeClient,
		Publisher:    publisher,
		JWT:          config.Jwt,
		BaseDomain:   config.Platform.BaseDomain,
		AdminAPIKey:  config.Http.AdminAPIKey,
		Version:      AppVersion,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	slog.Info("Shutdown complete")
}
