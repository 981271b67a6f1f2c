// Package provisioner runs the VM provisioning state machine: validate the
// order, create the server, point DNS at it, wait for the machine, then wait
// for the services on it. Resource-creating steps register undo actions, so
// a failure part-way through never leaks a server or a dangling DNS record.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/alfredlabs/vmgate/internal/bootstrap"
	"github.com/alfredlabs/vmgate/internal/compute"
	"github.com/alfredlabs/vmgate/internal/dns"
	"github.com/alfredlabs/vmgate/internal/events"
	"github.com/alfredlabs/vmgate/internal/metrics"
	"github.com/alfredlabs/vmgate/internal/store"
)

// compensationTimeout bounds the rollback of a failed run. Rollback uses a
// fresh context: the run's own context may already be canceled.
const compensationTimeout = 30 * time.Second

var ErrNoVM = errors.New("user has no VM to deprovision")

// DNS is the registrar slice the orchestrator needs.
type DNS interface {
	IsAvailable(ctx context.Context, subdomain string) (bool, error)
	CreateRecord(ctx context.Context, subdomain, ip string) (*dns.Record, error)
	UpdateRecord(ctx context.Context, recordID, subdomain, ip string) (*dns.Record, error)
	DeleteRecord(ctx context.Context, recordID string) error
	FindRecordBySubdomain(ctx context.Context, subdomain string) (*dns.Record, error)
}

// Compute is the cloud-provider slice the orchestrator needs.
type Compute interface {
	CreateServer(ctx context.Context, req compute.CreateServerRequest) (*compute.Server, error)
	GetServerStatus(ctx context.Context, id int64) (string, error)
	DeleteServer(ctx context.Context, id int64) error
}

// Store is the persistence slice the orchestrator needs.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*store.User, error)
	BeginProvisioning(ctx context.Context, userID, subdomain, authSecretHash string) (*store.User, error)
	SetVMServer(ctx context.Context, userID, serverID, ip string) error
	CompleteProvisioning(ctx context.Context, userID string) error
	MarkVMError(ctx context.Context, userID, reason string) error
	MarkVMDeprovisioned(ctx context.Context, userID string) error
}

type Config struct {
	Providers         []string      `mapstructure:"providers"`
	ReadyMaxAttempts  int           `mapstructure:"ready_max_attempts"`
	ReadyInterval     time.Duration `mapstructure:"ready_interval"`
	VerifyMaxAttempts int           `mapstructure:"verify_max_attempts"`
	VerifyInterval    time.Duration `mapstructure:"verify_interval"`
	BaseDomain        string        `mapstructure:"base_domain"`
}

type Orchestrator struct {
	store     Store
	dns       DNS
	compute   Compute
	boot      *bootstrap.Generator
	publisher *events.Publisher

	providers         []string
	readyMaxAttempts  int
	readyInterval     time.Duration
	verifyMaxAttempts int
	verifyInterval    time.Duration
	baseDomain        string
	scheme            string
	verify            *retryablehttp.Client
}

func New(st Store, dnsClient DNS, computeClient Compute, boot *bootstrap.Generator, publisher *events.Publisher, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:             st,
		dns:               dnsClient,
		compute:           computeClient,
		boot:              boot,
		publisher:         publisher,
		providers:         cfg.Providers,
		readyMaxAttempts:  cfg.ReadyMaxAttempts,
		readyInterval:     cfg.ReadyInterval,
		verifyMaxAttempts: cfg.VerifyMaxAttempts,
		verifyInterval:    cfg.VerifyInterval,
		baseDomain:        cfg.BaseDomain,
		scheme:            "https",
	}
	if len(o.providers) == 0 {
		o.providers = []string{"hetzner"}
	}
	if o.readyMaxAttempts <= 0 {
		o.readyMaxAttempts = 30
	}
	if o.readyInterval <= 0 {
		o.readyInterval = 10 * time.Second
	}
	if o.verifyMaxAttempts <= 0 {
		o.verifyMaxAttempts = 30
	}
	if o.verifyInterval <= 0 {
		o.verifyInterval = 10 * time.Second
	}

	// Service verification polls through boot, DNS propagation and TLS
	// issuance, so transient failures are the expected case.
	o.verify = retryablehttp.NewClient()
	o.verify.RetryMax = o.verifyMaxAttempts - 1
	o.verify.RetryWaitMin = o.verifyInterval
	o.verify.RetryWaitMax = o.verifyInterval
	o.verify.HTTPClient.Timeout = 10 * time.Second
	o.verify.Logger = nil

	return o
}

type compensator struct {
	name string
	fn   func(ctx context.Context) error
}

// Run executes one provisioning order and always returns a full step
// report. On a mid-run failure the already-created resources are rolled
// back in reverse order and the VM record is marked broken; the report
// still carries the original failure, not any rollback noise.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Result {
	result := newResult(req.Subdomain)

	var (
		comps   []compensator
		claimed bool
		secret  string
		server  *compute.Server
	)

	steps := []struct {
		name StepName
		fn   func(context.Context) error
	}{
		{StepValidate, func(ctx context.Context) error {
			return o.validate(ctx, req)
		}},
		{StepCreateVM, func(ctx context.Context) error {
			var err error
			if secret, err = GenerateAuthSecret(); err != nil {
				return fmt.Errorf("generate auth secret: %w", err)
			}

			user, err := o.store.BeginProvisioning(ctx, req.UserID, req.Subdomain, HashAuthSecret(secret))
			if err != nil {
				switch {
				case errors.Is(err, store.ErrVMNotProvisionable):
					return errors.New("VM is already provisioned or being provisioned")
				case errors.Is(err, store.ErrSubdomainTaken):
					return fmt.Errorf("Subdomain is not available: %s", req.Subdomain)
				}
				return fmt.Errorf("claim vm record: %w", err)
			}
			claimed = true
			// A subdomain assigned by an earlier attempt is sticky.
			result.Subdomain = user.VMSubdomain

			server, err = o.compute.CreateServer(ctx, compute.CreateServerRequest{
				Name:     "vm-" + result.Subdomain,
				UserData: o.boot.Generate(result.Subdomain, secret),
				Labels: map[string]string{
					"project":    "alfred",
					"subdomain":  result.Subdomain,
					"managed-by": "vmgate",
				},
			})
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			serverID := server.ID
			comps = append(comps, compensator{"delete server", func(ctx context.Context) error {
				return o.compute.DeleteServer(ctx, serverID)
			}})

			if err := o.store.SetVMServer(ctx, req.UserID, strconv.FormatInt(server.ID, 10), server.PublicIP); err != nil {
				return fmt.Errorf("record server: %w", err)
			}
			result.ServerID = server.ID
			result.IP = server.PublicIP
			return nil
		}},
		{StepConfigureDNS, func(ctx context.Context) error {
			rec, err := o.upsertRecord(ctx, result.Subdomain, server.PublicIP)
			if err != nil {
				return err
			}
			recordID := rec.ID
			comps = append(comps, compensator{"delete dns record", func(ctx context.Context) error {
				return o.dns.DeleteRecord(ctx, recordID)
			}})
			return nil
		}},
		{StepWaitForReady, func(ctx context.Context) error {
			return o.waitForReady(ctx, server.ID)
		}},
		{StepVerifyServices, func(ctx context.Context) error {
			return o.verifyServices(ctx, result.Subdomain)
		}},
	}

	for i, s := range steps {
		if err := o.runStep(ctx, result, i, s.fn); err != nil {
			slog.Error("Provisioning step failed",
				"user_id", req.UserID,
				"subdomain", result.Subdomain,
				"step", s.name,
				"error", err)
			o.compensate(comps)
			if claimed {
				reason := fmt.Sprintf("%s: %s", s.name, err)
				if markErr := o.store.MarkVMError(context.WithoutCancel(ctx), req.UserID, reason); markErr != nil {
					slog.Error("Failed to mark VM as broken", "user_id", req.UserID, "error", markErr)
				}
				o.publisher.Publish(events.SubjectVMError, req.UserID, result.Subdomain, reason)
			}
			metrics.ProvisionRuns.WithLabelValues("failed").Inc()
			return result
		}
	}

	if err := o.store.CompleteProvisioning(ctx, req.UserID); err != nil {
		// Everything is up but the final status write failed; the record
		// stays in provisioning and an operator has to intervene.
		result.OK = false
		result.Err = fmt.Sprintf("finalize provisioning: %s", err)
		slog.Error("Failed to finalize provisioning", "user_id", req.UserID, "error", err)
		metrics.ProvisionRuns.WithLabelValues("failed").Inc()
		return result
	}

	result.OK = true
	result.AuthSecret = secret
	metrics.ProvisionRuns.WithLabelValues("success").Inc()
	o.publisher.Publish(events.SubjectVMProvisioned, req.UserID, result.Subdomain, result.IP)
	slog.Info("VM provisioned",
		"user_id", req.UserID,
		"subdomain", result.Subdomain,
		"server_id", result.ServerID,
		"ip", result.IP)
	return result
}

func (o *Orchestrator) runStep(ctx context.Context, result *Result, idx int, fn func(context.Context) error) error {
	step := &result.Steps[idx]
	step.Status = StepRunning
	start := time.Now()

	err := fn(ctx)
	step.Duration = time.Since(start)

	if err != nil {
		step.Status = StepFailed
		step.Message = err.Error()
		result.FailedStep = step.Name
		result.Err = err.Error()
		return err
	}
	step.Status = StepSuccess
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, req Request) error {
	if req.UserID == "" {
		return errors.New("User is required")
	}
	if err := validateSubdomain(req.Subdomain); err != nil {
		return err
	}
	if req.Provider != "" && !o.providerAllowed(req.Provider) {
		return fmt.Errorf("Unsupported provider: %s", req.Provider)
	}

	user, err := o.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	// A subdomain this user already claimed in an earlier attempt may show
	// up at the registrar; that is not a conflict.
	if user.VMSubdomain == req.Subdomain {
		return nil
	}

	available, err := o.dns.IsAvailable(ctx, req.Subdomain)
	if err != nil {
		return fmt.Errorf("could not verify subdomain availability: %w", err)
	}
	if !available {
		return fmt.Errorf("Subdomain is not available: %s", req.Subdomain)
	}
	return nil
}

func (o *Orchestrator) providerAllowed(provider string) bool {
	for _, p := range o.providers {
		if p == provider {
			return true
		}
	}
	return false
}

// upsertRecord repoints a leftover record from an earlier attempt instead
// of stacking a second A record next to it.
func (o *Orchestrator) upsertRecord(ctx context.Context, subdomain, ip string) (*dns.Record, error) {
	existing, err := o.dns.FindRecordBySubdomain(ctx, subdomain)
	switch {
	case err == nil:
		rec, err := o.dns.UpdateRecord(ctx, existing.ID, subdomain, ip)
		if err != nil {
			return nil, fmt.Errorf("update dns record: %w", err)
		}
		return rec, nil
	case errors.Is(err, dns.ErrRecordNotFound):
		rec, err := o.dns.CreateRecord(ctx, subdomain, ip)
		if err != nil {
			return nil, fmt.Errorf("create dns record: %w", err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("look up dns record: %w", err)
	}
}

// waitForReady polls the provider at a fixed interval until the server
// reports running. Transient poll errors count as attempts; only exhaustion
// fails the step.
func (o *Orchestrator) waitForReady(ctx context.Context, serverID int64) error {
	for attempt := 1; attempt <= o.readyMaxAttempts; attempt++ {
		status, err := o.compute.GetServerStatus(ctx, serverID)
		if err != nil {
			slog.Warn("Server status poll failed", "server_id", serverID, "attempt", attempt, "error", err)
		} else if status == compute.StatusRunning {
			return nil
		}

		if attempt < o.readyMaxAttempts {
			select {
			case <-time.After(o.readyInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("server did not reach running state after %d attempts", o.readyMaxAttempts)
}

func (o *Orchestrator) verifyServices(ctx context.Context, subdomain string) error {
	url := o.scheme + "://" + subdomain + "." + o.baseDomain + "/healthz"
	req, err := retryablehttp.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req = req.WithContext(ctx)

	resp, err := o.verify.Do(req)
	if err != nil {
		return fmt.Errorf("services did not come up: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (o *Orchestrator) compensate(comps []compensator) {
	if len(comps) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()

	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		if err := c.fn(ctx); err != nil {
			slog.Error("Rollback action failed", "action", c.name, "error", err)
			continue
		}
		slog.Info("Rolled back", "action", c.name)
	}
}

// Deprovision tears a VM down: server first, then the DNS record, then the
// record flip. Resources that are already gone are fine; any other failure
// aborts so the operator can retry.
func (o *Orchestrator) Deprovision(ctx context.Context, userID string) error {
	user, err := o.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.HasVM() || user.VMStatus == store.VMStatusDeprovisioned {
		return ErrNoVM
	}

	if user.VMServerID != "" {
		serverID, err := strconv.ParseInt(user.VMServerID, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt server id %q: %w", user.VMServerID, err)
		}
		if err := o.compute.DeleteServer(ctx, serverID); err != nil && !errors.Is(err, compute.ErrServerNotFound) {
			return fmt.Errorf("delete server: %w", err)
		}
	}

	rec, err := o.dns.FindRecordBySubdomain(ctx, user.VMSubdomain)
	switch {
	case err == nil:
		if err := o.dns.DeleteRecord(ctx, rec.ID); err != nil && !errors.Is(err, dns.ErrRecordNotFound) {
			return fmt.Errorf("delete dns record: %w", err)
		}
	case errors.Is(err, dns.ErrRecordNotFound):
	default:
		return fmt.Errorf("look up dns record: %w", err)
	}

	if err := o.store.MarkVMDeprovisioned(ctx, userID); err != nil {
		return fmt.Errorf("mark deprovisioned: %w", err)
	}

	o.publisher.Publish(events.SubjectVMDeprovision, userID, user.VMSubdomain, "")
	slog.Info("VM deprovisioned", "user_id", userID, "subdomain", user.VMSubdomain)
	return nil
}
