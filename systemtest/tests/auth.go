package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredlabs/vmgate/internal/api/http/dto"
	"github.com/alfredlabs/vmgate/internal/auth"
)

func TestRegister(t *testing.T, router *gin.Engine, jwtSecret string) {
	t.Run("success", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "testuser@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", body)

		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp dto.RegisterResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "testuser@example.com", resp.Email)
		assert.NotEmpty(t, resp.ID)
	})

	t.Run("duplicate email", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "dupuser@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", body)
		require.Equal(t, http.StatusCreated, rr.Code)

		rr = doJSON(router, "POST", "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("invalid email", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "not-an-email", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("password too short", func(t *testing.T) {
		body := dto.RegisterRequest{Email: "shortpw@example.com", Password: "short"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestLogin(t *testing.T, router *gin.Engine, jwtSecret string) {
	regBody := dto.RegisterRequest{Email: "loginuser@example.com", Password: "password123"}
	rr := doJSON(router, "POST", "/api/v1/auth/register", regBody)
	require.Equal(t, http.StatusCreated, rr.Code)

	t.Run("success", func(t *testing.T) {
		body := dto.LoginRequest{Email: "loginuser@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/login", body)

		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)

		claims, err := auth.ValidateToken(jwtSecret, resp.Token)
		require.NoError(t, err)
		assert.Equal(t, "loginuser@example.com", claims.Email)
		assert.NotEmpty(t, claims.UserID)
	})

	t.Run("wrong password", func(t *testing.T) {
		body := dto.LoginRequest{Email: "loginuser@example.com", Password: "wrongpassword"}
		rr := doJSON(router, "POST", "/api/v1/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("nonexistent user", func(t *testing.T) {
		body := dto.LoginRequest{Email: "nouser@example.com", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func doJSONWithAuth(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func doWithAPIKey(router *gin.Engine, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
