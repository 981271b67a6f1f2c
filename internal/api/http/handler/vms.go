package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alfredlabs/vmgate/internal/api/http/dto"
	"github.com/alfredlabs/vmgate/internal/provisioner"
	"github.com/alfredlabs/vmgate/internal/store"
)

// ProvisionRunner is the orchestrator slice the handler needs.
type ProvisionRunner interface {
	Run(ctx context.Context, req provisioner.Request) *provisioner.Result
}

// VMStore is the store slice the handler needs.
type VMStore interface {
	GetUserByID(ctx context.Context, userID string) (*store.User, error)
	IsSubdomainTaken(ctx context.Context, subdomain string) (bool, error)
}

type VMHandler struct {
	store      VMStore
	runner     ProvisionRunner
	baseDomain string
}

func NewVMHandler(st VMStore, runner ProvisionRunner, baseDomain string) *VMHandler {
	return &VMHandler{
		store:      st,
		runner:     runner,
		baseDomain: baseDomain,
	}
}

// Provision kicks off a provisioning run for the caller. The run takes
// minutes, so it is detached from the request; the dashboard polls Me for
// progress.
func (h *VMHandler) Provision(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req dto.ProvisionVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Fast-path rejection; the orchestrator re-checks atomically when it
	// claims the record.
	switch user.VMStatus {
	case store.VMStatusProvisioning:
		c.JSON(http.StatusConflict, gin.H{"error": "VM is already being provisioned"})
		return
	case store.VMStatusReady:
		c.JSON(http.StatusConflict, gin.H{"error": "VM already exists"})
		return
	case store.VMStatusDeprovisioned:
		c.JSON(http.StatusConflict, gin.H{"error": "VM was deprovisioned; contact support to re-enable"})
		return
	}

	// Synchronous conflict check so the dashboard gets a 409 instead of a
	// run that dies right after the 202. The atomic claim inside the run
	// remains the actual guard; a subdomain this user already holds from an
	// earlier attempt is not a conflict.
	if user.VMSubdomain != req.Subdomain {
		taken, err := h.store.IsSubdomainTaken(c.Request.Context(), req.Subdomain)
		if err != nil {
			slog.Error("Failed to check subdomain", "subdomain", req.Subdomain, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if taken {
			c.JSON(http.StatusConflict, gin.H{"error": "subdomain is already taken"})
			return
		}
	}

	order := provisioner.Request{
		UserID:    userID,
		Subdomain: req.Subdomain,
		Provider:  req.Provider,
	}
	go func() {
		// The run must outlive this request.
		h.runner.Run(context.Background(), order)
	}()

	slog.Info("Provisioning started", "user_id", userID, "subdomain", req.Subdomain)
	c.JSON(http.StatusAccepted, dto.ProvisionVMResponse{
		Status:    string(store.VMStatusProvisioning),
		Subdomain: req.Subdomain,
		Message:   "Provisioning started",
	})
}

// Me returns the caller's VM record for the dashboard.
func (h *VMHandler) Me(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := dto.VMResponse{
		Status:        string(user.VMStatus),
		IP:            user.VMIP,
		ProvisionedAt: user.VMProvisionedAt,
		RegisteredAt:  user.VMRegisteredAt,
		LastError:     user.VMLastError,
	}
	if user.VMSubdomain != "" {
		resp.Subdomain = user.VMSubdomain
		resp.Domain = user.VMSubdomain + "." + h.baseDomain
	}
	c.JSON(http.StatusOK, resp)
}
