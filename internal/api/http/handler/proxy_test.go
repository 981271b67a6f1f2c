package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/store"
)

type fakeSender struct {
	result *gateway.Result
	err    error

	called      bool
	userID      string
	method      string
	path        string
	body        []byte
	contentType string
}

func (f *fakeSender) Send(ctx context.Context, userID, method, path string, body []byte, contentType string) (*gateway.Result, error) {
	f.called = true
	f.userID = userID
	f.method = method
	f.path = path
	f.body = body
	f.contentType = contentType
	return f.result, f.err
}

func setupProxyRouter(h *ProxyHandler, userID string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set("user_id", userID)
		}
	})
	r.Any("/api/v1/proxy/*path", h.Proxy)
	return r
}

func TestProxyPassesResponseThrough(t *testing.T) {
	sender := &fakeSender{result: &gateway.Result{
		Code:        gateway.CodeOK,
		StatusCode:  http.StatusTeapot,
		ContentType: "application/json",
		Body:        []byte(`{"answer":42}`),
	}}
	r := setupProxyRouter(NewProxyHandler(sender), "u-1")

	req, _ := http.NewRequest("POST", "/api/v1/proxy/webhook/run?foo=bar", bytes.NewBufferString(`{"in":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, `{"answer":42}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	assert.Equal(t, "u-1", sender.userID)
	assert.Equal(t, "POST", sender.method)
	assert.Equal(t, "/webhook/run?foo=bar", sender.path)
	assert.Equal(t, []byte(`{"in":1}`), sender.body)
	assert.Equal(t, "application/json", sender.contentType)
}

func TestProxyVMNotFound(t *testing.T) {
	sender := &fakeSender{result: &gateway.Result{Code: gateway.CodeVMNotFound}}
	r := setupProxyRouter(NewProxyHandler(sender), "u-1")

	req, _ := http.NewRequest("GET", "/api/v1/proxy/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"VM not found"}`, w.Body.String())
}

func TestProxyVMNotReady(t *testing.T) {
	sender := &fakeSender{result: &gateway.Result{
		Code:     gateway.CodeVMNotReady,
		VMStatus: store.VMStatusProvisioning,
	}}
	r := setupProxyRouter(NewProxyHandler(sender), "u-1")

	req, _ := http.NewRequest("GET", "/api/v1/proxy/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"VM is not ready","status":"provisioning"}`, w.Body.String())
}

func TestProxyHidesUpstreamDetail(t *testing.T) {
	for _, code := range []gateway.Code{gateway.CodeVMTimeout, gateway.CodeUpstreamError} {
		sender := &fakeSender{result: &gateway.Result{
			Code: code,
			Err:  "dial tcp 10.0.0.5:443: connect: connection refused",
		}}
		r := setupProxyRouter(NewProxyHandler(sender), "u-1")

		req, _ := http.NewRequest("GET", "/api/v1/proxy/status", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code, "code %s", code)
		assert.JSONEq(t, `{"error":"Proxy request failed"}`, w.Body.String(), "code %s", code)
		assert.NotContains(t, w.Body.String(), "10.0.0.5", "code %s", code)
	}
}

func TestProxyRequiresAuth(t *testing.T) {
	sender := &fakeSender{}
	r := setupProxyRouter(NewProxyHandler(sender), "")

	req, _ := http.NewRequest("GET", "/api/v1/proxy/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, sender.called)
}
