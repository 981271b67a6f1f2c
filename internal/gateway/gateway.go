// Package gateway forwards authenticated platform requests to subscriber
// VMs. It is the only component that talks to a VM on behalf of a user, and
// it consults the stored VM status before every call: a VM that is not
// ready is never dialed.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alfredlabs/vmgate/internal/metrics"
	"github.com/alfredlabs/vmgate/internal/store"
	"github.com/alfredlabs/vmgate/internal/token"
)

// DefaultTimeout is the hard ceiling on a forwarded request. Dashboard
// calls block the user's browser; ten seconds is already generous.
const DefaultTimeout = 10 * time.Second

const healthPath = "/healthz"

// Code classifies a Send outcome. Domain outcomes are codes, not errors;
// Send returns a Go error only when the platform itself failed (e.g. the
// user lookup).
type Code string

const (
	CodeOK            Code = "ok"
	CodeVMNotFound    Code = "vm_not_found"
	CodeVMNotReady    Code = "vm_not_ready"
	CodeVMTimeout     Code = "vm_timeout"
	CodeUpstreamError Code = "upstream_error"
)

// Result is the outcome of one forwarded request. StatusCode, ContentType
// and Body are only set when Code is CodeOK; VMStatus is only set when the
// VM was found but not ready; Err carries internal diagnostic text that
// must never reach API clients.
type Result struct {
	Code        Code
	VMStatus    store.VMStatus
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	Err         string
}

// UserSource is the slice of the store the gateway needs.
type UserSource interface {
	GetUserByID(ctx context.Context, id string) (*store.User, error)
}

type Config struct {
	BaseDomain string        `mapstructure:"base_domain"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type Gateway struct {
	users      UserSource
	signer     token.Signer
	baseDomain string
	timeout    time.Duration
	scheme     string
	http       *http.Client
}

func New(users UserSource, signer token.Signer, cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		users:      users,
		signer:     signer,
		baseDomain: cfg.BaseDomain,
		timeout:    timeout,
		scheme:     "https",
		// The client itself carries no timeout; Send and PingVM bound each
		// call with a context so a timeout is attributable to that call.
		http: &http.Client{},
	}
}

// Send forwards one request to the caller's VM. The error return is
// reserved for platform failures; every VM-related outcome, including
// timeouts, is expressed as a Result code.
func (g *Gateway) Send(ctx context.Context, userID, method, path string, body []byte, contentType string) (*Result, error) {
	user, err := g.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return g.finish(&Result{Code: CodeVMNotFound}), nil
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if !user.HasVM() || user.VMStatus == store.VMStatusDeprovisioned {
		return g.finish(&Result{Code: CodeVMNotFound}), nil
	}
	if user.VMStatus != store.VMStatusReady {
		return g.finish(&Result{Code: CodeVMNotReady, VMStatus: user.VMStatus}), nil
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	signed, err := g.signer.Sign(userID, user.VMSubdomain, method+":"+path)
	if err != nil {
		return nil, fmt.Errorf("sign request token: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var payload io.Reader
	if len(body) > 0 {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, g.vmBaseURL(user.VMSubdomain)+path, payload)
	if err != nil {
		return nil, fmt.Errorf("build vm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := g.http.Do(req)
	elapsed := time.Since(start)
	metrics.GatewayDuration.Observe(elapsed.Seconds())

	if err != nil {
		if isTimeout(err) {
			slog.Warn("VM request timed out",
				"subdomain", user.VMSubdomain,
				"method", method,
				"path", path,
				"elapsed", elapsed)
			return g.finish(&Result{Code: CodeVMTimeout, Duration: elapsed, Err: err.Error()}), nil
		}
		slog.Warn("VM request failed",
			"subdomain", user.VMSubdomain,
			"method", method,
			"path", path,
			"error", err)
		return g.finish(&Result{Code: CodeUpstreamError, Duration: elapsed, Err: err.Error()}), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return g.finish(&Result{Code: CodeUpstreamError, Duration: elapsed, Err: err.Error()}), nil
	}

	return g.finish(&Result{
		Code:        CodeOK,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
		Duration:    elapsed,
	}), nil
}

// PingState classifies a health probe.
type PingState string

const (
	PingHealthy     PingState = "healthy"
	PingUnhealthy   PingState = "unhealthy"
	PingTimeout     PingState = "timeout"
	PingUnreachable PingState = "unreachable"
)

// PingResult is the outcome of one unauthenticated health probe.
type PingResult struct {
	State      PingState
	StatusCode int
	Duration   time.Duration
	Err        string
}

// PingVM probes a VM's health endpoint. Network failures are expected
// outcomes here, so everything folds into the result.
func (g *Gateway) PingVM(ctx context.Context, subdomain string) *PingResult {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, g.vmBaseURL(subdomain)+healthPath, nil)
	if err != nil {
		return &PingResult{State: PingUnreachable, Err: err.Error()}
	}

	start := time.Now()
	resp, err := g.http.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		if isTimeout(err) {
			return &PingResult{State: PingTimeout, Duration: elapsed, Err: err.Error()}
		}
		return &PingResult{State: PingUnreachable, Duration: elapsed, Err: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	state := PingUnhealthy
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		state = PingHealthy
	}
	return &PingResult{State: state, StatusCode: resp.StatusCode, Duration: elapsed}
}

func (g *Gateway) vmBaseURL(subdomain string) string {
	return g.scheme + "://" + subdomain + "." + g.baseDomain
}

func (g *Gateway) finish(r *Result) *Result {
	metrics.GatewayRequests.WithLabelValues(string(r.Code)).Inc()
	return r
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
