// Package health periodically probes ready VMs and demotes the ones that
// keep failing. A sweep is strictly sequential: one VM at a time with a
// fixed pause between probes, so a large fleet never produces a probe
// burst. One misbehaving check never aborts the rest of the sweep.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredlabs/vmgate/internal/events"
	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/metrics"
	"github.com/alfredlabs/vmgate/internal/store"
)

// DefaultMaxConsecutiveFailures is how many probes in a row must fail
// before a VM is marked as broken.
const DefaultMaxConsecutiveFailures = 3

// DefaultSweepDelay is the pause between two probes in a sweep.
const DefaultSweepDelay = time.Second

type Config struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	SweepDelay             time.Duration `mapstructure:"sweep_delay"`
}

// Pinger is the gateway slice the monitor needs.
type Pinger interface {
	PingVM(ctx context.Context, subdomain string) *gateway.PingResult
}

// Store is the persistence slice the monitor needs.
type Store interface {
	ListUsersByVMStatus(ctx context.Context, status store.VMStatus) ([]store.User, error)
	MarkVMError(ctx context.Context, userID, reason string) error
}

// CheckResult describes one VM's probe during a sweep.
type CheckResult struct {
	UserID        string
	Subdomain     string
	Skipped       bool
	Healthy       bool
	Failures      int
	StatusUpdated bool
	Ping          *gateway.PingResult
}

// SweepResult aggregates a full pass over the fleet.
type SweepResult struct {
	Total         int
	Healthy       int
	Unhealthy     int
	MarkedAsError int
	Errors        []string
	Checks        []CheckResult
	Duration      time.Duration
}

type Monitor struct {
	store      Store
	pinger     Pinger
	tracker    Tracker
	publisher  *events.Publisher
	threshold  int
	sweepDelay time.Duration
}

func NewMonitor(st Store, pinger Pinger, tracker Tracker, publisher *events.Publisher, cfg Config) *Monitor {
	threshold := cfg.MaxConsecutiveFailures
	if threshold <= 0 {
		threshold = DefaultMaxConsecutiveFailures
	}
	sweepDelay := cfg.SweepDelay
	if sweepDelay <= 0 {
		sweepDelay = DefaultSweepDelay
	}
	return &Monitor{
		store:      st,
		pinger:     pinger,
		tracker:    tracker,
		publisher:  publisher,
		threshold:  threshold,
		sweepDelay: sweepDelay,
	}
}

// CheckVM probes one VM and updates the failure tracker. Only ready VMs are
// probed; anything else is skipped without touching the tracker. The error
// return is reserved for store failures while demoting.
func (m *Monitor) CheckVM(ctx context.Context, user *store.User) (*CheckResult, error) {
	result := &CheckResult{
		UserID:    user.ID,
		Subdomain: user.VMSubdomain,
	}

	if user.VMStatus != store.VMStatusReady {
		result.Skipped = true
		metrics.HealthChecks.WithLabelValues("skipped").Inc()
		return result, nil
	}

	ping := m.pinger.PingVM(ctx, user.VMSubdomain)
	result.Ping = ping

	if ping.State == gateway.PingHealthy {
		m.tracker.Reset(user.VMSubdomain)
		result.Healthy = true
		metrics.HealthChecks.WithLabelValues("healthy").Inc()
		return result, nil
	}

	result.Failures = m.tracker.Increment(user.VMSubdomain)
	metrics.HealthChecks.WithLabelValues("unhealthy").Inc()
	slog.Warn("VM health check failed",
		"subdomain", user.VMSubdomain,
		"state", ping.State,
		"status_code", ping.StatusCode,
		"consecutive_failures", result.Failures)

	if result.Failures < m.threshold {
		return result, nil
	}

	reason := fmt.Sprintf("health check failed %d times in a row (last: %s)", result.Failures, ping.State)
	if err := m.store.MarkVMError(ctx, user.ID, reason); err != nil {
		return result, fmt.Errorf("mark vm error: %w", err)
	}
	m.tracker.Reset(user.VMSubdomain)
	result.StatusUpdated = true
	metrics.VMsMarkedError.Inc()
	m.publisher.Publish(events.SubjectVMError, user.ID, user.VMSubdomain, reason)
	slog.Error("VM marked as broken",
		"subdomain", user.VMSubdomain,
		"user_id", user.ID,
		"reason", reason)
	return result, nil
}

// CheckAll sweeps every ready VM once. Probes run one after another with a
// fixed pause in between; a panic or error in one check is recorded and the
// sweep moves on.
func (m *Monitor) CheckAll(ctx context.Context) (*SweepResult, error) {
	start := time.Now()

	users, err := m.store.ListUsersByVMStatus(ctx, store.VMStatusReady)
	if err != nil {
		return nil, fmt.Errorf("list ready vms: %w", err)
	}

	sweep := &SweepResult{Total: len(users)}
	for i := range users {
		if i > 0 {
			select {
			case <-time.After(m.sweepDelay):
			case <-ctx.Done():
				sweep.Errors = append(sweep.Errors, fmt.Sprintf("sweep aborted: %v", ctx.Err()))
				sweep.Duration = time.Since(start)
				return sweep, nil
			}
		}
		m.checkOne(ctx, &users[i], sweep)
	}

	sweep.Duration = time.Since(start)
	slog.Info("Health sweep finished",
		"total", sweep.Total,
		"healthy", sweep.Healthy,
		"unhealthy", sweep.Unhealthy,
		"marked_as_error", sweep.MarkedAsError,
		"errors", len(sweep.Errors),
		"duration", sweep.Duration)
	return sweep, nil
}

// checkOne runs a single probe with panic isolation so one bad check can
// never take down the whole sweep.
func (m *Monitor) checkOne(ctx context.Context, user *store.User, sweep *SweepResult) {
	defer func() {
		if r := recover(); r != nil {
			sweep.Errors = append(sweep.Errors, fmt.Sprintf("panic checking %s: %v", user.VMSubdomain, r))
			slog.Error("Health check panicked", "subdomain", user.VMSubdomain, "panic", r)
		}
	}()

	result, err := m.CheckVM(ctx, user)
	if err != nil {
		sweep.Errors = append(sweep.Errors, fmt.Sprintf("checking %s: %v", user.VMSubdomain, err))
	}
	if result == nil {
		return
	}

	sweep.Checks = append(sweep.Checks, *result)
	switch {
	case result.Skipped:
	case result.Healthy:
		sweep.Healthy++
	default:
		sweep.Unhealthy++
		if result.StatusUpdated {
			sweep.MarkedAsError++
		}
	}
}
