// Package events publishes VM lifecycle events over NATS for downstream
// consumers (billing, notifications). Publishing is optional: a nil
// Publisher is valid and drops everything, so callers never branch on
// whether eventing is configured.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectVMProvisioned = "vm.provisioned"
	SubjectVMError       = "vm.status.error"
	SubjectVMRecovered   = "vm.recovered"
	SubjectVMDeprovision = "vm.deprovisioned"
)

// Event is the JSON payload on every lifecycle subject.
type Event struct {
	UserID    string    `json:"userId"`
	Subdomain string    `json:"subdomain"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher struct {
	nc *nats.Conn
}

// Connect opens a NATS connection for lifecycle events. An empty URL means
// eventing is disabled and returns (nil, nil).
func Connect(url string) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}

	nc, err := nats.Connect(url,
		nats.Name("vmgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc}, nil
}

// Publish emits one lifecycle event. Failures are logged, not returned:
// eventing is best-effort and must never fail a provisioning run.
func (p *Publisher) Publish(subject, userID, subdomain, detail string) {
	if p == nil || p.nc == nil {
		return
	}

	payload, err := json.Marshal(Event{
		UserID:    userID,
		Subdomain: subdomain,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
	if err != nil {
		slog.Error("Failed to marshal lifecycle event", "subject", subject, "error", err)
		return
	}

	if err := p.nc.Publish(subject, payload); err != nil {
		slog.Warn("Failed to publish lifecycle event", "subject", subject, "error", err)
	}
}

func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}
