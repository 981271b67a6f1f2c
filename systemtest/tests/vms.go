package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredlabs/vmgate/internal/api/http/dto"
	"github.com/alfredlabs/vmgate/internal/auth"
	"github.com/alfredlabs/vmgate/internal/provisioner"
	"github.com/alfredlabs/vmgate/internal/store"
)

// Env bundles everything the VM lifecycle tests drive: the real router, the
// real store, and the stubbed registrar and compute provider behind them.
type Env struct {
	Router     *gin.Engine
	Store      *store.Store
	JWTSecret  string
	AdminKey   string
	BaseDomain string
	Registrar  *RegistrarStub
	Provider   *ProviderStub
}

// TestProvisioningRollback drives two failed provisioning runs end to end:
// one that dies before any resource exists, and one that dies at service
// verification after the server and DNS record were created, which must
// roll both back.
func TestProvisioningRollback(t *testing.T, env *Env) {
	_, token := registerAndLogin(t, env.Router, "rollback@example.com")

	t.Run("starts with no vm", func(t *testing.T) {
		me := fetchMe(t, env.Router, token)
		assert.Equal(t, "pending", me.Status)
		assert.Empty(t, me.Domain)

		rr := doJSONWithAuth(env.Router, "GET", "/api/v1/proxy/status", nil, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.JSONEq(t, `{"error":"VM not found"}`, rr.Body.String())
	})

	t.Run("provider failure marks vm broken", func(t *testing.T) {
		env.Provider.FailCreate(true)
		defer env.Provider.FailCreate(false)

		rr := doJSONWithAuth(env.Router, "POST", "/api/v1/vms",
			dto.ProvisionVMRequest{Subdomain: "alfa-one"}, token)
		require.Equal(t, http.StatusAccepted, rr.Code)

		me := waitForStatus(t, env.Router, token, "error")
		assert.Contains(t, me.LastError, "create_vm")
		assert.Equal(t, 0, env.Provider.ServerCount())
		assert.Equal(t, 0, env.Registrar.RecordCount())
	})

	t.Run("verification failure rolls resources back", func(t *testing.T) {
		// The claim allows error -> provisioning, so the retry goes through.
		// Creation now succeeds, DNS is configured, but the services never
		// answer on the test domain, so the run must clean up after itself.
		rr := doJSONWithAuth(env.Router, "POST", "/api/v1/vms",
			dto.ProvisionVMRequest{Subdomain: "alfa-one"}, token)
		require.Equal(t, http.StatusAccepted, rr.Code)

		me := waitForStatus(t, env.Router, token, "error")
		assert.Contains(t, me.LastError, "verify_services")
		assert.Equal(t, "alfa-one", me.Subdomain)
		assert.Equal(t, 0, env.Provider.ServerCount(), "server must be rolled back")
		assert.Equal(t, 0, env.Registrar.RecordCount(), "dns record must be rolled back")
	})

	t.Run("another user cannot take the subdomain", func(t *testing.T) {
		_, otherToken := registerAndLogin(t, env.Router, "intruder@example.com")

		rr := doJSONWithAuth(env.Router, "POST", "/api/v1/vms",
			dto.ProvisionVMRequest{Subdomain: "alfa-one"}, otherToken)
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.JSONEq(t, `{"error":"subdomain is already taken"}`, rr.Body.String())
	})
}

// TestVMRegistrationAndHealth walks a VM through boot callback, ready
// state, proxying, health demotion and deprovisioning. The VM itself never
// exists; its record is driven through the store and its domain points
// into .invalid, so every probe fails the way an absent machine would.
func TestVMRegistrationAndHealth(t *testing.T, env *Env) {
	ctx := context.Background()
	userID, token := registerAndLogin(t, env.Router, "vm-owner@example.com")

	secret := "vs_system-test-auth-secret"
	_, err := env.Store.BeginProvisioning(ctx, userID, "beta-two", provisioner.HashAuthSecret(secret))
	require.NoError(t, err)
	require.NoError(t, env.Store.SetVMServer(ctx, userID, "424242", "203.0.113.77"))

	t.Run("proxy refuses while provisioning", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/v1/proxy/status", nil, token)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.JSONEq(t, `{"error":"VM is not ready","status":"provisioning"}`, rr.Body.String())
	})

	t.Run("boot callback", func(t *testing.T) {
		rr := doJSON(env.Router, "POST", "/api/v1/vm/register",
			dto.RegisterVMRequest{Subdomain: "beta-two", AuthSecret: "vs_wrong-secret"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = doJSON(env.Router, "POST", "/api/v1/vm/register",
			dto.RegisterVMRequest{Subdomain: "beta-two", AuthSecret: secret})
		assert.Equal(t, http.StatusOK, rr.Code)

		user, err := env.Store.GetUserByID(ctx, userID)
		require.NoError(t, err)
		assert.NotNil(t, user.VMRegisteredAt)

		// Reboots re-register; that must stay accepted.
		rr = doJSON(env.Router, "POST", "/api/v1/vm/register",
			dto.RegisterVMRequest{Subdomain: "beta-two", AuthSecret: secret})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	require.NoError(t, env.Store.CompleteProvisioning(ctx, userID))

	t.Run("ready vm exposes domain", func(t *testing.T) {
		me := fetchMe(t, env.Router, token)
		assert.Equal(t, "ready", me.Status)
		assert.Equal(t, "beta-two."+env.BaseDomain, me.Domain)
		assert.Equal(t, "203.0.113.77", me.IP)
	})

	t.Run("proxy hides upstream failure", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/v1/proxy/status", nil, token)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.JSONEq(t, `{"error":"Proxy request failed"}`, rr.Body.String())
	})

	t.Run("sweeps demote after three failures", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			rr := doWithAPIKey(env.Router, "POST", "/api/v1/admin/health-sweep", env.AdminKey)
			require.Equal(t, http.StatusOK, rr.Code)

			var sweep dto.SweepResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sweep))
			assert.Equal(t, 1, sweep.Total)
			assert.Equal(t, 1, sweep.Unhealthy)
			if i < 3 {
				assert.Equal(t, 0, sweep.MarkedAsError, "sweep %d must not demote yet", i)
			} else {
				assert.Equal(t, 1, sweep.MarkedAsError, "third sweep must demote")
			}
		}

		me := fetchMe(t, env.Router, token)
		assert.Equal(t, "error", me.Status)
		assert.Contains(t, me.LastError, "health check failed")
	})

	t.Run("recovery needs a healthy probe", func(t *testing.T) {
		rr := doWithAPIKey(env.Router, "POST", "/api/v1/admin/vms/"+userID+"/recover", env.AdminKey)
		assert.Equal(t, http.StatusConflict, rr.Code)

		me := fetchMe(t, env.Router, token)
		assert.Equal(t, "error", me.Status)
	})

	t.Run("admin surface is gated", func(t *testing.T) {
		rr := doWithAPIKey(env.Router, "GET", "/api/v1/admin/vms", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = doWithAPIKey(env.Router, "GET", "/api/v1/admin/vms", "not-the-key")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = doWithAPIKey(env.Router, "GET", "/api/v1/admin/vms", env.AdminKey)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListVMsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, resp.Count, 2)
	})

	t.Run("provider fleet view", func(t *testing.T) {
		rr := doWithAPIKey(env.Router, "GET", "/api/v1/admin/servers", env.AdminKey)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListServersResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Count, "rollbacks must leave no servers behind")
	})

	t.Run("deprovision retires the vm", func(t *testing.T) {
		rr := doWithAPIKey(env.Router, "POST", "/api/v1/admin/vms/"+userID+"/deprovision", env.AdminKey)
		require.Equal(t, http.StatusOK, rr.Code)

		me := fetchMe(t, env.Router, token)
		assert.Equal(t, "deprovisioned", me.Status)
		assert.Equal(t, "beta-two", me.Subdomain, "subdomain stays on the record")

		rr = doJSONWithAuth(env.Router, "POST", "/api/v1/vms",
			dto.ProvisionVMRequest{Subdomain: "beta-two"}, token)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

// TestStoreVMLifecycle exercises the state machine guards directly against
// the database: the atomic claim, the sticky subdomain and the terminal
// deprovisioned state.
func TestStoreVMLifecycle(t *testing.T, env *Env) {
	ctx := context.Background()
	st := env.Store

	hash, err := auth.HashPassword("password123")
	require.NoError(t, err)

	carol, err := st.CreateUser(ctx, "carol@example.com", hash)
	require.NoError(t, err)
	dave, err := st.CreateUser(ctx, "dave@example.com", hash)
	require.NoError(t, err)

	t.Run("claim is exclusive", func(t *testing.T) {
		claimed, err := st.BeginProvisioning(ctx, carol.ID, "gamma-three", "hash-1")
		require.NoError(t, err)
		assert.Equal(t, store.VMStatusProvisioning, claimed.VMStatus)
		assert.Equal(t, "gamma-three", claimed.VMSubdomain)

		_, err = st.BeginProvisioning(ctx, carol.ID, "gamma-three", "hash-1")
		assert.ErrorIs(t, err, store.ErrVMNotProvisionable)

		_, err = st.BeginProvisioning(ctx, dave.ID, "gamma-three", "hash-2")
		assert.ErrorIs(t, err, store.ErrSubdomainTaken)

		daveUser, err := st.GetUserByID(ctx, dave.ID)
		require.NoError(t, err)
		assert.Equal(t, store.VMStatusPending, daveUser.VMStatus, "failed claim must not change state")
	})

	t.Run("subdomain is sticky across retries", func(t *testing.T) {
		require.NoError(t, st.MarkVMError(ctx, carol.ID, "boom"))

		claimed, err := st.BeginProvisioning(ctx, carol.ID, "different-name", "hash-3")
		require.NoError(t, err)
		assert.Equal(t, "gamma-three", claimed.VMSubdomain, "first assigned subdomain wins")
		assert.Empty(t, claimed.VMLastError, "reclaim clears the previous failure")
	})

	t.Run("recovery only from error", func(t *testing.T) {
		require.NoError(t, st.CompleteProvisioning(ctx, carol.ID))

		user, err := st.GetUserByID(ctx, carol.ID)
		require.NoError(t, err)
		assert.Equal(t, store.VMStatusReady, user.VMStatus)
		assert.NotNil(t, user.VMProvisionedAt)

		assert.ErrorIs(t, st.RecoverVM(ctx, carol.ID), store.ErrVMNotRecoverable)

		require.NoError(t, st.MarkVMError(ctx, carol.ID, "probe failed"))
		require.NoError(t, st.RecoverVM(ctx, carol.ID))

		user, err = st.GetUserByID(ctx, carol.ID)
		require.NoError(t, err)
		assert.Equal(t, store.VMStatusReady, user.VMStatus)
		assert.Empty(t, user.VMLastError)
	})

	t.Run("deprovisioned is terminal", func(t *testing.T) {
		require.NoError(t, st.SetVMServer(ctx, carol.ID, "100", "203.0.113.50"))
		require.NoError(t, st.MarkVMDeprovisioned(ctx, carol.ID))

		user, err := st.GetUserByID(ctx, carol.ID)
		require.NoError(t, err)
		assert.Equal(t, store.VMStatusDeprovisioned, user.VMStatus)
		assert.Empty(t, user.VMIP)
		assert.Empty(t, user.VMServerID)
		assert.Equal(t, "gamma-three", user.VMSubdomain, "subdomain is never released")

		taken, err := st.IsSubdomainTaken(ctx, "gamma-three")
		require.NoError(t, err)
		assert.True(t, taken, "retired subdomains are not reissued")

		_, err = st.BeginProvisioning(ctx, carol.ID, "gamma-three", "hash-4")
		assert.ErrorIs(t, err, store.ErrVMNotProvisionable)
	})

	t.Run("lookup by subdomain", func(t *testing.T) {
		user, err := st.GetUserBySubdomain(ctx, "gamma-three")
		require.NoError(t, err)
		assert.Equal(t, carol.ID, user.ID)

		_, err = st.GetUserBySubdomain(ctx, "no-such-subdomain")
		assert.ErrorIs(t, err, store.ErrUserNotFound)
	})
}

func registerAndLogin(t *testing.T, router *gin.Engine, email string) (userID, token string) {
	t.Helper()

	rr := doJSON(router, "POST", "/api/v1/auth/register",
		dto.RegisterRequest{Email: email, Password: "password123"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var reg dto.RegisterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))

	rr = doJSON(router, "POST", "/api/v1/auth/login",
		dto.LoginRequest{Email: email, Password: "password123"})
	require.Equal(t, http.StatusOK, rr.Code)

	var login dto.LoginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))

	return reg.ID, login.Token
}

func fetchMe(t *testing.T, router *gin.Engine, token string) *dto.VMResponse {
	t.Helper()

	rr := doJSONWithAuth(router, "GET", "/api/v1/vms/me", nil, token)
	require.Equal(t, http.StatusOK, rr.Code)

	var me dto.VMResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &me))
	return &me
}

// waitForStatus polls the dashboard endpoint until the VM reaches the
// wanted state; provisioning runs on a detached goroutine, so tests can
// only observe it the way the dashboard does.
func waitForStatus(t *testing.T, router *gin.Engine, token, want string) *dto.VMResponse {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for {
		me := fetchMe(t, router, token)
		if me.Status == want {
			return me
		}
		if time.Now().After(deadline) {
			t.Fatalf("vm never reached status %q, last seen %q (%s)", want, me.Status, me.LastError)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
