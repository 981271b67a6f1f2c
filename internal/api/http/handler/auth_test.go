package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredlabs/vmgate/internal/api/http/dto"
	"github.com/alfredlabs/vmgate/internal/auth"
	"github.com/alfredlabs/vmgate/internal/store"
)

var testJWT = auth.JWTConfig{Secret: "test-secret", ExpiryHours: 1}

type fakeAccountStore struct {
	byEmail map[string]*store.User
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{byEmail: map[string]*store.User{}}
}

func (f *fakeAccountStore) CreateUser(ctx context.Context, email, passwordHash string) (*store.User, error) {
	if _, ok := f.byEmail[email]; ok {
		return nil, store.ErrEmailExists
	}
	u := &store.User{
		ID:           fmt.Sprintf("u-%d", len(f.byEmail)+1),
		Email:        email,
		PasswordHash: passwordHash,
		VMStatus:     store.VMStatusPending,
	}
	f.byEmail[email] = u
	return u, nil
}

func (f *fakeAccountStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

func setupAuthRouter(h *AuthHandler) *gin.Engine {
	r := gin.New()
	r.POST("/api/v1/auth/register", h.Register)
	r.POST("/api/v1/auth/login", h.Login)
	return r
}

func postJSON(r *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRegister(t *testing.T) {
	r := setupAuthRouter(NewAuthHandler(newFakeAccountStore(), testJWT))

	w := postJSON(r, "/api/v1/auth/register", dto.RegisterRequest{
		Email:    "new@example.com",
		Password: "hunter2hunter2",
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp dto.RegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "new@example.com", resp.Email)
	assert.NotEmpty(t, resp.ID)
}

func TestAuthRegisterDuplicateEmail(t *testing.T) {
	st := newFakeAccountStore()
	r := setupAuthRouter(NewAuthHandler(st, testJWT))

	payload := dto.RegisterRequest{Email: "dup@example.com", Password: "hunter2hunter2"}
	w := postJSON(r, "/api/v1/auth/register", payload)
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(r, "/api/v1/auth/register", payload)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuthRegisterRejectsWeakInput(t *testing.T) {
	r := setupAuthRouter(NewAuthHandler(newFakeAccountStore(), testJWT))

	w := postJSON(r, "/api/v1/auth/register", dto.RegisterRequest{Email: "not-an-email", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(r, "/api/v1/auth/register", dto.RegisterRequest{Email: "ok@example.com", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthLogin(t *testing.T) {
	st := newFakeAccountStore()
	hash, err := auth.HashPassword("hunter2hunter2")
	require.NoError(t, err)
	_, err = st.CreateUser(context.Background(), "user@example.com", hash)
	require.NoError(t, err)

	r := setupAuthRouter(NewAuthHandler(st, testJWT))

	w := postJSON(r, "/api/v1/auth/login", dto.LoginRequest{
		Email:    "user@example.com",
		Password: "hunter2hunter2",
	})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := auth.ValidateToken(testJWT.Secret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "user@example.com", claims.Email)
}

func TestAuthLoginBadCredentials(t *testing.T) {
	st := newFakeAccountStore()
	hash, _ := auth.HashPassword("hunter2hunter2")
	st.CreateUser(context.Background(), "user@example.com", hash)

	r := setupAuthRouter(NewAuthHandler(st, testJWT))

	w := postJSON(r, "/api/v1/auth/login", dto.LoginRequest{Email: "user@example.com", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, w.Body.String())

	// An unknown account answers exactly like a wrong password.
	w = postJSON(r, "/api/v1/auth/login", dto.LoginRequest{Email: "ghost@example.com", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, w.Body.String())
}
