package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alfredlabs/vmgate/internal/api/http/dto"
)

// ReadinessProber is the dependency probe behind the readiness endpoint.
type ReadinessProber interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db      ReadinessProber
	version string
}

func NewHealthHandler(db ReadinessProber, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version}
}

// Check is the liveness probe: the process is up.
func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", Version: h.version})
}

// Ready reports whether the platform can serve traffic, which for this
// service means the database answers.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db != nil {
		if err := h.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Status: "degraded", Version: h.version})
			return
		}
	}
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", Version: h.version})
}
