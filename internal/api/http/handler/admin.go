package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alfredlabs/vmgate/internal/api/http/dto"
	"github.com/alfredlabs/vmgate/internal/compute"
	"github.com/alfredlabs/vmgate/internal/events"
	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/health"
	"github.com/alfredlabs/vmgate/internal/provisioner"
	"github.com/alfredlabs/vmgate/internal/store"
)

// fleetSelector matches every server this service ever created; the labels
// are stamped at creation time so the provider is queryable without a
// database join.
const fleetSelector = "managed-by=vmgate"

// AdminStore is the store slice the operator endpoints need.
type AdminStore interface {
	ListUsersWithVM(ctx context.Context) ([]store.User, error)
	GetUserByID(ctx context.Context, userID string) (*store.User, error)
	RecoverVM(ctx context.Context, userID string) error
}

// Sweeper runs one health pass over the fleet.
type Sweeper interface {
	CheckAll(ctx context.Context) (*health.SweepResult, error)
}

// Deprovisioner tears a user's VM down.
type Deprovisioner interface {
	Deprovision(ctx context.Context, userID string) error
}

// Prober is the gateway slice used to verify a VM before recovery.
type Prober interface {
	PingVM(ctx context.Context, subdomain string) *gateway.PingResult
}

// ServerLister queries the compute provider by label selector.
type ServerLister interface {
	ListServers(ctx context.Context, labelSelector string) ([]compute.Server, error)
}

type AdminHandler struct {
	store         AdminStore
	monitor       Sweeper
	deprovisioner Deprovisioner
	prober        Prober
	servers       ServerLister
	publisher     *events.Publisher
}

func NewAdminHandler(st AdminStore, monitor Sweeper, deprovisioner Deprovisioner, prober Prober, servers ServerLister, publisher *events.Publisher) *AdminHandler {
	return &AdminHandler{
		store:         st,
		monitor:       monitor,
		deprovisioner: deprovisioner,
		prober:        prober,
		servers:       servers,
		publisher:     publisher,
	}
}

// ListVMs returns every user that ever had a VM, whatever its state.
func (h *AdminHandler) ListVMs(c *gin.Context) {
	users, err := h.store.ListUsersWithVM(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list VMs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list VMs"})
		return
	}

	vms := make([]dto.AdminVMResponse, len(users))
	for i, u := range users {
		vms[i] = dto.AdminVMResponse{
			UserID:        u.ID,
			Email:         u.Email,
			Status:        string(u.VMStatus),
			Subdomain:     u.VMSubdomain,
			IP:            u.VMIP,
			ServerID:      u.VMServerID,
			ProvisionedAt: u.VMProvisionedAt,
			RegisteredAt:  u.VMRegisteredAt,
			LastError:     u.VMLastError,
		}
	}

	c.JSON(http.StatusOK, dto.ListVMsResponse{VMs: vms, Count: len(vms)})
}

// ListServers reports what the compute provider actually runs under our
// labels, which is how an operator spots orphans that no user record
// points at anymore.
func (h *AdminHandler) ListServers(c *gin.Context) {
	servers, err := h.servers.ListServers(c.Request.Context(), fleetSelector)
	if err != nil {
		slog.Error("Failed to list provider servers", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to query compute provider"})
		return
	}

	resp := make([]dto.AdminServerResponse, len(servers))
	for i, s := range servers {
		resp[i] = dto.AdminServerResponse{
			ID:       s.ID,
			Name:     s.Name,
			Status:   s.Status,
			PublicIP: s.PublicIP,
		}
	}

	c.JSON(http.StatusOK, dto.ListServersResponse{Servers: resp, Count: len(resp)})
}

// RecoverVM flips an errored VM back to ready, but only after one live
// probe confirms the VM actually answers again. There is no automatic
// error -> ready transition anywhere else.
func (h *AdminHandler) RecoverVM(c *gin.Context) {
	userID := c.Param("id")

	user, err := h.store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		case errors.Is(err, store.ErrInvalidUserID):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		default:
			slog.Error("Failed to load user for recovery", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	if user.VMStatus != store.VMStatusError {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "VM is not in the error state",
			"status": string(user.VMStatus),
		})
		return
	}

	ping := h.prober.PingVM(c.Request.Context(), user.VMSubdomain)
	if ping.State != gateway.PingHealthy {
		slog.Warn("Recovery probe failed",
			"user_id", userID,
			"subdomain", user.VMSubdomain,
			"state", ping.State)
		c.JSON(http.StatusConflict, gin.H{
			"error": "VM is still unhealthy",
			"state": string(ping.State),
		})
		return
	}

	if err := h.store.RecoverVM(c.Request.Context(), userID); err != nil {
		if errors.Is(err, store.ErrVMNotRecoverable) {
			c.JSON(http.StatusConflict, gin.H{"error": "VM is not in the error state"})
			return
		}
		slog.Error("Failed to recover VM", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.publisher.Publish(events.SubjectVMRecovered, userID, user.VMSubdomain, "")
	slog.Info("VM recovered by operator", "user_id", userID, "subdomain", user.VMSubdomain)
	c.JSON(http.StatusOK, dto.RecoverVMResponse{Status: string(store.VMStatusReady)})
}

// DeprovisionVM destroys a user's server and DNS record and retires the
// record. The subdomain stays attached to the user and is never reissued.
func (h *AdminHandler) DeprovisionVM(c *gin.Context) {
	userID := c.Param("id")

	if err := h.deprovisioner.Deprovision(c.Request.Context(), userID); err != nil {
		switch {
		case errors.Is(err, provisioner.ErrNoVM):
			c.JSON(http.StatusConflict, gin.H{"error": "user has no VM to deprovision"})
		case errors.Is(err, store.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		case errors.Is(err, store.ErrInvalidUserID):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		default:
			slog.Error("Failed to deprovision VM", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "deprovisioning failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "VM deprovisioned"})
}

// HealthSweep runs one synchronous pass over every ready VM. External
// schedulers hit this endpoint instead of the service owning a timer.
func (h *AdminHandler) HealthSweep(c *gin.Context) {
	sweep, err := h.monitor.CheckAll(c.Request.Context())
	if err != nil {
		slog.Error("Health sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health sweep failed"})
		return
	}

	c.JSON(http.StatusOK, dto.SweepResponse{
		Total:         sweep.Total,
		Healthy:       sweep.Healthy,
		Unhealthy:     sweep.Unhealthy,
		MarkedAsError: sweep.MarkedAsError,
		Errors:        sweep.Errors,
		DurationMS:    sweep.Duration.Milliseconds(),
	})
}
