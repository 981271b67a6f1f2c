package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredlabs/vmgate/internal/store"
	"github.com/alfredlabs/vmgate/internal/token"
)

type fakeUsers struct {
	user *store.User
	err  error
}

func (f *fakeUsers) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

type fakeSigner struct {
	lastUser   string
	lastVM     string
	lastAction string
}

func (f *fakeSigner) Sign(userID, vm, action string) (string, error) {
	f.lastUser, f.lastVM, f.lastAction = userID, vm, action
	return "fake-token", nil
}

func (f *fakeSigner) Verify(string) (*token.Claims, error) {
	return nil, token.ErrTokenInvalid
}

// countingTransport rewrites every request onto the test server so the
// gateway's subdomain-based URLs resolve, and counts what got dialed.
type countingTransport struct {
	target *url.URL
	calls  int
}

func (ct *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ct.calls++
	req.URL.Scheme = ct.target.Scheme
	req.URL.Host = ct.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func readyUser() *store.User {
	return &store.User{
		ID:          "user-1",
		Email:       "user@example.com",
		VMStatus:    store.VMStatusReady,
		VMSubdomain: "acme",
		VMIP:        "203.0.113.10",
	}
}

func newTestGateway(t *testing.T, user *store.User, handler http.HandlerFunc) (*Gateway, *fakeSigner, *countingTransport) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	transport := &countingTransport{target: target}
	signer := &fakeSigner{}

	gw := New(&fakeUsers{user: user}, signer, Config{BaseDomain: "alfred.dev"})
	gw.http = &http.Client{Transport: transport}
	return gw, signer, transport
}

func TestSendForwardsToReadyVM(t *testing.T) {
	var gotAuth, gotHost, gotPath string
	gw, signer, _ := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHost = r.Host
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	res, err := gw.Send(context.Background(), "user-1", http.MethodPost, "/api/notes", []byte(`{"title":"x"}`), "application/json")
	require.NoError(t, err)

	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.ContentType)
	assert.JSONEq(t, `{"ok": true}`, string(res.Body))
	assert.Greater(t, res.Duration, time.Duration(0))

	assert.Equal(t, "Bearer fake-token", gotAuth)
	assert.Equal(t, "acme.alfred.dev", gotHost)
	assert.Equal(t, "/api/notes", gotPath)
	assert.Equal(t, "user-1", signer.lastUser)
	assert.Equal(t, "acme", signer.lastVM)
	assert.Equal(t, "POST:/api/notes", signer.lastAction)
}

func TestSendNeverDialsNonReadyVM(t *testing.T) {
	statuses := []store.VMStatus{
		store.VMStatusPending,
		store.VMStatusProvisioning,
		store.VMStatusError,
	}
	for _, status := range statuses {
		user := readyUser()
		user.VMStatus = status
		gw, _, transport := newTestGateway(t, user, func(w http.ResponseWriter, r *http.Request) {})

		res, err := gw.Send(context.Background(), "user-1", http.MethodGet, "/", nil, "")
		require.NoError(t, err)

		assert.Equal(t, CodeVMNotReady, res.Code, "status %s", status)
		assert.Equal(t, status, res.VMStatus)
		assert.Zero(t, transport.calls, "status %s must not produce an outbound call", status)
	}
}

func TestSendVMNotFound(t *testing.T) {
	t.Run("no user", func(t *testing.T) {
		gw, _, transport := newTestGateway(t, nil, func(w http.ResponseWriter, r *http.Request) {})
		gw.users = &fakeUsers{err: store.ErrUserNotFound}

		res, err := gw.Send(context.Background(), "ghost", http.MethodGet, "/", nil, "")
		require.NoError(t, err)
		assert.Equal(t, CodeVMNotFound, res.Code)
		assert.Zero(t, transport.calls)
	})

	t.Run("no vm assigned", func(t *testing.T) {
		user := readyUser()
		user.VMSubdomain = ""
		user.VMStatus = store.VMStatusPending
		gw, _, transport := newTestGateway(t, user, func(w http.ResponseWriter, r *http.Request) {})

		res, err := gw.Send(context.Background(), "user-1", http.MethodGet, "/", nil, "")
		require.NoError(t, err)
		assert.Equal(t, CodeVMNotFound, res.Code)
		assert.Zero(t, transport.calls)
	})

	t.Run("deprovisioned", func(t *testing.T) {
		user := readyUser()
		user.VMStatus = store.VMStatusDeprovisioned
		gw, _, transport := newTestGateway(t, user, func(w http.ResponseWriter, r *http.Request) {})

		res, err := gw.Send(context.Background(), "user-1", http.MethodGet, "/", nil, "")
		require.NoError(t, err)
		assert.Equal(t, CodeVMNotFound, res.Code)
		assert.Zero(t, transport.calls)
	})
}

func TestSendTimeout(t *testing.T) {
	gw, _, _ := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})
	gw.timeout = 50 * time.Millisecond

	res, err := gw.Send(context.Background(), "user-1", http.MethodGet, "/slow", nil, "")
	require.NoError(t, err)

	assert.Equal(t, CodeVMTimeout, res.Code)
	assert.NotEmpty(t, res.Err)
}

func TestSendUpstreamStatusPassesThrough(t *testing.T) {
	gw, _, _ := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	res, err := gw.Send(context.Background(), "user-1", http.MethodGet, "/teapot", nil, "")
	require.NoError(t, err)

	// An upstream 4xx is still a completed exchange; the caller decides
	// what to do with the status.
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, http.StatusTeapot, res.StatusCode)
	assert.Equal(t, "short and stout", string(res.Body))
}

func TestSendUpstreamUnreachable(t *testing.T) {
	gw, _, transport := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {})
	// Point at a port nothing listens on.
	target, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	transport.target = target

	res, err := gw.Send(context.Background(), "user-1", http.MethodGet, "/", nil, "")
	require.NoError(t, err)
	assert.Equal(t, CodeUpstreamError, res.Code)
}

func TestPingVM(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		gw, _, _ := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/healthz", r.URL.Path)
			assert.Empty(t, r.Header.Get("Authorization"), "health probes are unauthenticated")
			w.WriteHeader(http.StatusOK)
		})

		res := gw.PingVM(context.Background(), "acme")
		assert.Equal(t, PingHealthy, res.State)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})

	t.Run("unhealthy", func(t *testing.T) {
		gw, _, _ := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		res := gw.PingVM(context.Background(), "acme")
		assert.Equal(t, PingUnhealthy, res.State)
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	})

	t.Run("timeout", func(t *testing.T) {
		gw, _, _ := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		})
		gw.timeout = 50 * time.Millisecond

		res := gw.PingVM(context.Background(), "acme")
		assert.Equal(t, PingTimeout, res.State)
	})

	t.Run("unreachable", func(t *testing.T) {
		gw, _, transport := newTestGateway(t, readyUser(), func(w http.ResponseWriter, r *http.Request) {})
		target, err := url.Parse("http://127.0.0.1:1")
		require.NoError(t, err)
		transport.target = target

		res := gw.PingVM(context.Background(), "acme")
		assert.Equal(t, PingUnreachable, res.State)
	})
}
