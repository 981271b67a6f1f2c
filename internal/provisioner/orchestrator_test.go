package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredlabs/vmgate/internal/bootstrap"
	"github.com/alfredlabs/vmgate/internal/compute"
	"github.com/alfredlabs/vmgate/internal/dns"
	"github.com/alfredlabs/vmgate/internal/store"
)

// oplog records provider calls across fakes so tests can assert ordering.
type oplog struct {
	entries []string
}

func (l *oplog) add(entry string) {
	l.entries = append(l.entries, entry)
}

type fakeStore struct {
	user          *store.User
	beginErr      error
	began         bool
	serverID      string
	serverIP      string
	completed     bool
	marked        string
	deprovisioned bool
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (*store.User, error) {
	if f.user == nil {
		return nil, store.ErrUserNotFound
	}
	u := *f.user
	return &u, nil
}

func (f *fakeStore) BeginProvisioning(ctx context.Context, userID, subdomain, authSecretHash string) (*store.User, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.began = true
	if f.user.VMSubdomain == "" {
		f.user.VMSubdomain = subdomain
	}
	f.user.VMStatus = store.VMStatusProvisioning
	f.user.VMAuthSecretHash = authSecretHash
	u := *f.user
	return &u, nil
}

func (f *fakeStore) SetVMServer(ctx context.Context, userID, serverID, ip string) error {
	f.serverID, f.serverIP = serverID, ip
	return nil
}

func (f *fakeStore) CompleteProvisioning(ctx context.Context, userID string) error {
	f.completed = true
	f.user.VMStatus = store.VMStatusReady
	return nil
}

func (f *fakeStore) MarkVMError(ctx context.Context, userID, reason string) error {
	f.marked = reason
	f.user.VMStatus = store.VMStatusError
	return nil
}

func (f *fakeStore) MarkVMDeprovisioned(ctx context.Context, userID string) error {
	f.deprovisioned = true
	f.user.VMStatus = store.VMStatusDeprovisioned
	return nil
}

type fakeDNS struct {
	log       *oplog
	available bool
	availErr  error
	existing  *dns.Record
	createErr error
}

func (f *fakeDNS) IsAvailable(ctx context.Context, subdomain string) (bool, error) {
	f.log.add("dns.check:" + subdomain)
	return f.available, f.availErr
}

func (f *fakeDNS) CreateRecord(ctx context.Context, subdomain, ip string) (*dns.Record, error) {
	f.log.add("dns.create:" + subdomain)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &dns.Record{ID: "rec-1", Type: "A", Name: subdomain, Content: ip}, nil
}

func (f *fakeDNS) UpdateRecord(ctx context.Context, recordID, subdomain, ip string) (*dns.Record, error) {
	f.log.add("dns.update:" + recordID)
	return &dns.Record{ID: recordID, Type: "A", Name: subdomain, Content: ip}, nil
}

func (f *fakeDNS) DeleteRecord(ctx context.Context, recordID string) error {
	f.log.add("dns.delete:" + recordID)
	return nil
}

func (f *fakeDNS) FindRecordBySubdomain(ctx context.Context, subdomain string) (*dns.Record, error) {
	if f.existing != nil {
		return f.existing, nil
	}
	return nil, dns.ErrRecordNotFound
}

type fakeCompute struct {
	log       *oplog
	createErr error
	deleteErr error
	statusSeq []string
	statusIdx int
	lastReq   compute.CreateServerRequest
}

func (f *fakeCompute) CreateServer(ctx context.Context, req compute.CreateServerRequest) (*compute.Server, error) {
	f.log.add("compute.create:" + req.Name)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.lastReq = req
	return &compute.Server{ID: 42, Name: req.Name, Status: compute.StatusInitializing, PublicIP: "203.0.113.10"}, nil
}

func (f *fakeCompute) GetServerStatus(ctx context.Context, id int64) (string, error) {
	f.log.add("compute.status")
	if len(f.statusSeq) == 0 {
		return compute.StatusRunning, nil
	}
	status := f.statusSeq[f.statusIdx]
	if f.statusIdx < len(f.statusSeq)-1 {
		f.statusIdx++
	}
	return status, nil
}

func (f *fakeCompute) DeleteServer(ctx context.Context, id int64) error {
	f.log.add(fmt.Sprintf("compute.delete:%d", id))
	return f.deleteErr
}

type rewriteTransport struct {
	target *url.URL
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func pendingUser() *store.User {
	return &store.User{ID: "user-1", Email: "user@example.com", VMStatus: store.VMStatusPending}
}

func newTestOrchestrator(t *testing.T, st *fakeStore, d *fakeDNS, c *fakeCompute, health http.HandlerFunc) *Orchestrator {
	t.Helper()
	if health == nil {
		health = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}
	}
	srv := httptest.NewServer(health)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	boot := bootstrap.NewGenerator("alfred.dev", "https://platform.alfred.dev")
	o := New(st, d, c, boot, nil, Config{
		Providers:         []string{"hetzner"},
		ReadyMaxAttempts:  3,
		ReadyInterval:     time.Millisecond,
		VerifyMaxAttempts: 2,
		VerifyInterval:    time.Millisecond,
		BaseDomain:        "alfred.dev",
	})
	o.scheme = "http"
	o.verify.HTTPClient.Transport = &rewriteTransport{target: target}
	return o
}

func TestValidateSubdomain(t *testing.T) {
	valid := []string{"a", "abc", "my-app", "a1", "x-1-y", strings.Repeat("a", 63)}
	for _, s := range valid {
		assert.NoError(t, validateSubdomain(s), "%q should be accepted", s)
	}

	invalid := []string{
		"",
		"-abc",
		"abc-",
		"Upper",
		"a_b",
		"a.b",
		"has space",
		strings.Repeat("a", 64),
		"www", // reserved
	}
	for _, s := range invalid {
		assert.Error(t, validateSubdomain(s), "%q should be rejected", s)
	}
}

func TestRunProvisionsEndToEnd(t *testing.T) {
	log := &oplog{}
	st := &fakeStore{user: pendingUser()}
	d := &fakeDNS{log: log, available: true}
	c := &fakeCompute{log: log, statusSeq: []string{compute.StatusInitializing, compute.StatusRunning}}
	o := newTestOrchestrator(t, st, d, c, nil)

	res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "acme", Provider: "hetzner"})

	require.True(t, res.OK, "run failed: %s", res.Err)
	assert.Equal(t, "acme", res.Subdomain)
	assert.Equal(t, int64(42), res.ServerID)
	assert.Equal(t, "203.0.113.10", res.IP)
	assert.True(t, strings.HasPrefix(res.AuthSecret, "vs_"))

	for _, step := range res.Steps {
		assert.Equal(t, StepSuccess, step.Status, "step %s", step.Name)
	}

	assert.True(t, st.completed)
	assert.Equal(t, "42", st.serverID)
	assert.Equal(t, "203.0.113.10", st.serverIP)
	assert.Equal(t, HashAuthSecret(res.AuthSecret), st.user.VMAuthSecretHash)

	assert.Equal(t, "vm-acme", c.lastReq.Name)
	assert.Contains(t, c.lastReq.UserData, "#cloud-config")
	assert.Contains(t, c.lastReq.UserData, "ALFRED_AUTH_SECRET="+res.AuthSecret)
	assert.Equal(t, map[string]string{
		"project":    "alfred",
		"subdomain":  "acme",
		"managed-by": "vmgate",
	}, c.lastReq.Labels)
}

func TestRunRejectsUnsupportedProvider(t *testing.T) {
	log := &oplog{}
	st := &fakeStore{user: pendingUser()}
	d := &fakeDNS{log: log, available: true}
	c := &fakeCompute{log: log}
	o := newTestOrchestrator(t, st, d, c, nil)

	res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "acme", Provider: "azure"})

	require.False(t, res.OK)
	assert.Equal(t, StepValidate, res.FailedStep)
	assert.Equal(t, "Unsupported provider: azure", res.Err)

	require.Len(t, res.Steps, 5)
	assert.Equal(t, StepFailed, res.Steps[0].Status)
	for _, step := range res.Steps[1:] {
		assert.Equal(t, StepPending, step.Status, "step %s must stay pending", step.Name)
	}

	assert.False(t, st.began, "a failed validation must not touch the record")
	assert.Empty(t, st.marked)
	assert.Empty(t, log.entries, "a failed validation must not touch any provider")
}

func TestRunSubdomainAvailability(t *testing.T) {
	t.Run("taken", func(t *testing.T) {
		st := &fakeStore{user: pendingUser()}
		d := &fakeDNS{log: &oplog{}, available: false}
		o := newTestOrchestrator(t, st, d, &fakeCompute{log: d.log}, nil)

		res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "acme"})
		require.False(t, res.OK)
		assert.Equal(t, StepValidate, res.FailedStep)
		assert.Equal(t, "Subdomain is not available: acme", res.Err)
	})

	t.Run("registrar down is not availability", func(t *testing.T) {
		st := &fakeStore{user: pendingUser()}
		d := &fakeDNS{log: &oplog{}, availErr: errors.New("registrar 502")}
		o := newTestOrchestrator(t, st, d, &fakeCompute{log: d.log}, nil)

		res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "acme"})
		require.False(t, res.OK)
		assert.Contains(t, res.Err, "could not verify subdomain availability")
	})

	t.Run("own sticky subdomain skips the check", func(t *testing.T) {
		user := pendingUser()
		user.VMSubdomain = "acme"
		user.VMStatus = store.VMStatusError
		st := &fakeStore{user: user}
		// The registrar would report our own leftover record as taken.
		d := &fakeDNS{log: &oplog{}, available: false, existing: &dns.Record{ID: "rec-9", Name: "acme"}}
		c := &fakeCompute{log: d.log}
		o := newTestOrchestrator(t, st, d, c, nil)

		res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "acme"})
		require.True(t, res.OK, "retrying with the already-claimed subdomain must pass: %s", res.Err)
	})
}

func TestRunAlreadyProvisioned(t *testing.T) {
	user := pendingUser()
	user.VMStatus = store.VMStatusReady
	st := &fakeStore{user: user, beginErr: store.ErrVMNotProvisionable}
	d := &fakeDNS{log: &oplog{}, available: true}
	o := newTestOrchestrator(t, st, d, &fakeCompute{log: d.log}, nil)

	res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "other"})

	require.False(t, res.OK)
	assert.Equal(t, StepCreateVM, res.FailedStep)
	assert.Equal(t, "VM is already provisioned or being provisioned", res.Err)
	assert.Equal(t, StepSuccess, res.Steps[0].Status)
	assert.Empty(t, st.marked, "an unclaimed record must not be marked broken")
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	log := &oplog{}
	st := &fakeStore{user: pendingUser()}
	d := &fakeDNS{log: log, available: true}
	// The server never leaves initializing, so wait_for_ready exhausts.
	c := &fakeCompute{log: log, statusSeq: []string{compute.StatusInitializing}}
	o := newTestOrchestrator(t, st, d, c, nil)

	res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "acme"})

	require.False(t, res.OK)
	assert.Equal(t, StepWaitForReady, res.FailedStep)
	assert.Contains(t, res.Err, "did not reach running state")

	n := len(log.entries)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, "dns.delete:rec-1", log.entries[n-2], "rollback must undo DNS before the server")
	assert.Equal(t, "compute.delete:42", log.entries[n-1])

	assert.Contains(t, st.marked, "wait_for_ready")
	assert.Equal(t, store.VMStatusError, st.user.VMStatus)
}

func TestRunVerifyServicesFailure(t *testing.T) {
	log := &oplog{}
	st := &fakeStore{user: pendingUser()}
	d := &fakeDNS{log: log, available: true}
	c := &fakeCompute{log: log}
	o := newTestOrchestrator(t, st, d, c, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	res := o.Run(context.Background(), Request{UserID: "user-1", Subdomain: "acme"})

	require.False(t, res.OK)
	assert.Equal(t, StepVerifyServices, res.FailedStep)
	assert.Contains(t, res.Err, "health endpoint returned status 404")

	n := len(log.entries)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, "dns.delete:rec-1", log.entries[n-2])
	assert.Equal(t, "compute.delete:42", log.entries[n-1])
}

func TestDeprovision(t *testing.T) {
	t.Run("tears everything down", func(t *testing.T) {
		user := pendingUser()
		user.VMStatus = store.VMStatusReady
		user.VMSubdomain = "acme"
		user.VMServerID = "42"
		user.VMIP = "203.0.113.10"

		log := &oplog{}
		st := &fakeStore{user: user}
		d := &fakeDNS{log: log, existing: &dns.Record{ID: "rec-1", Name: "acme"}}
		c := &fakeCompute{log: log}
		o := newTestOrchestrator(t, st, d, c, nil)

		require.NoError(t, o.Deprovision(context.Background(), "user-1"))

		assert.Equal(t, []string{"compute.delete:42", "dns.delete:rec-1"}, log.entries)
		assert.True(t, st.deprovisioned)
	})

	t.Run("tolerates already-deleted server", func(t *testing.T) {
		user := pendingUser()
		user.VMStatus = store.VMStatusError
		user.VMSubdomain = "acme"
		user.VMServerID = "42"

		log := &oplog{}
		st := &fakeStore{user: user}
		d := &fakeDNS{log: log}
		c := &fakeCompute{log: log, deleteErr: compute.ErrServerNotFound}
		o := newTestOrchestrator(t, st, d, c, nil)

		require.NoError(t, o.Deprovision(context.Background(), "user-1"))
		assert.True(t, st.deprovisioned)
	})

	t.Run("nothing to deprovision", func(t *testing.T) {
		st := &fakeStore{user: pendingUser()}
		d := &fakeDNS{log: &oplog{}}
		o := newTestOrchestrator(t, st, d, &fakeCompute{log: d.log}, nil)

		err := o.Deprovision(context.Background(), "user-1")
		assert.ErrorIs(t, err, ErrNoVM)
	})
}
