package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alfredlabs/vmgate/internal/api/http/dto"
	"github.com/alfredlabs/vmgate/internal/provisioner"
	"github.com/alfredlabs/vmgate/internal/store"
)

// RegisterStore is the store slice the VM callback needs.
type RegisterStore interface {
	GetUserBySubdomain(ctx context.Context, subdomain string) (*store.User, error)
	MarkVMRegistered(ctx context.Context, userID string) error
}

// RegisterHandler accepts the boot callback a freshly provisioned VM fires
// once its services are up.
type RegisterHandler struct {
	store RegisterStore
}

func NewRegisterHandler(st RegisterStore) *RegisterHandler {
	return &RegisterHandler{
		store: st,
	}
}

// Register validates the VM's auth secret against the stored hash and
// stamps the registration time. The endpoint is unauthenticated and
// internet-facing, so an unknown subdomain and a wrong secret get the
// same answer, and the comparison runs in constant time. Re-registering
// after a VM reboot is fine.
func (h *RegisterHandler) Register(c *gin.Context) {
	var req dto.RegisterVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.store.GetUserBySubdomain(c.Request.Context(), req.Subdomain)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			slog.Warn("VM register callback for unknown subdomain",
				"subdomain", req.Subdomain,
				"client_ip", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid subdomain or secret"})
			return
		}
		slog.Error("Failed to load user for VM registration", "subdomain", req.Subdomain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	presented := provisioner.HashAuthSecret(req.AuthSecret)
	if user.VMAuthSecretHash == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(user.VMAuthSecretHash)) != 1 {
		slog.Warn("VM register callback with bad secret",
			"subdomain", req.Subdomain,
			"client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid subdomain or secret"})
		return
	}

	if err := h.store.MarkVMRegistered(c.Request.Context(), user.ID); err != nil {
		slog.Error("Failed to mark VM registered", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	slog.Info("VM registered itself", "subdomain", req.Subdomain, "user_id", user.ID)
	c.JSON(http.StatusOK, gin.H{"message": "registered"})
}
