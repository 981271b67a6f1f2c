package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alfredlabs/vmgate/internal/gateway"
)

// Sender is the gateway slice the proxy handler needs.
type Sender interface {
	Send(ctx context.Context, userID, method, path string, body []byte, contentType string) (*gateway.Result, error)
}

type ProxyHandler struct {
	gateway Sender
}

func NewProxyHandler(gw Sender) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
	}
}

// Proxy forwards a dashboard request to the caller's VM. Whatever went
// wrong on the way, the client only ever sees one of three fixed messages;
// provider and transport details stay in the logs.
func (h *ProxyHandler) Proxy(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	path := c.Param("path")
	if query := c.Request.URL.RawQuery; query != "" {
		path += "?" + query
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
		return
	}

	res, err := h.gateway.Send(c.Request.Context(), userID, c.Request.Method, path, body, c.ContentType())
	if err != nil {
		slog.Error("Proxy send failed", "user_id", userID, "path", path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	switch res.Code {
	case gateway.CodeOK:
		c.Data(res.StatusCode, res.ContentType, res.Body)
	case gateway.CodeVMNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
	case gateway.CodeVMNotReady:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "VM is not ready",
			"status": string(res.VMStatus),
		})
	default:
		slog.Warn("Proxy request failed",
			"user_id", userID,
			"path", path,
			"code", res.Code,
			"detail", res.Err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Proxy request failed"})
	}
}
