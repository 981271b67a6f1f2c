package http

import (
	"github.com/gin-gonic/gin"

	"github.com/alfredlabs/vmgate/internal/api/http/handler"
	"github.com/alfredlabs/vmgate/internal/api/http/middleware"
	"github.com/alfredlabs/vmgate/internal/auth"
	"github.com/alfredlabs/vmgate/internal/compute"
	"github.com/alfredlabs/vmgate/internal/events"
	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/health"
	"github.com/alfredlabs/vmgate/internal/metrics"
	"github.com/alfredlabs/vmgate/internal/provisioner"
	"github.com/alfredlabs/vmgate/internal/store"
)

type Services struct {
	Store        *store.Store
	Gateway      *gateway.Gateway
	Monitor      *health.Monitor
	Orchestrator *provisioner.Orchestrator
	Compute      *compute.Client
	Publisher    *events.Publisher
	JWT          auth.JWTConfig
	BaseDomain   string
	AdminAPIKey  string
	Version      string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Store, srvs.Version)
	engine.GET("/health", healthHandler.Check)
	engine.GET("/ready", healthHandler.Ready)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	authHandler := handler.NewAuthHandler(srvs.Store, srvs.JWT)
	registerHandler := handler.NewRegisterHandler(srvs.Store)
	vmHandler := handler.NewVMHandler(srvs.Store, srvs.Orchestrator, srvs.BaseDomain)
	proxyHandler := handler.NewProxyHandler(srvs.Gateway)
	adminHandler := handler.NewAdminHandler(srvs.Store, srvs.Monitor, srvs.Orchestrator, srvs.Gateway, srvs.Compute, srvs.Publisher)

	api := engine.Group("/api/v1")
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	// VMs call back here once their boot script finishes; the one-time
	// secret in the body is the only credential.
	api.POST("/vm/register", registerHandler.Register)

	authed := api.Group("")
	authed.Use(middleware.JWTAuth(srvs.JWT.Secret))
	authed.POST("/vms", vmHandler.Provision)
	authed.GET("/vms/me", vmHandler.Me)
	authed.Any("/proxy/*path", proxyHandler.Proxy)

	admin := api.Group("/admin")
	admin.Use(middleware.APIKeyAuth(srvs.AdminAPIKey))
	admin.GET("/vms", adminHandler.ListVMs)
	admin.GET("/servers", adminHandler.ListServers)
	admin.POST("/vms/:id/recover", adminHandler.RecoverVM)
	admin.POST("/vms/:id/deprovision", adminHandler.DeprovisionVM)
	admin.POST("/health-sweep", adminHandler.HealthSweep)
}
