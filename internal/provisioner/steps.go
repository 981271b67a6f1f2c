package provisioner

import "time"

// StepName identifies one stage of a provisioning run. Steps always execute
// in the order listed here and a run stops at the first failure.
type StepName string

const (
	StepValidate       StepName = "validate"
	StepCreateVM       StepName = "create_vm"
	StepConfigureDNS   StepName = "configure_dns"
	StepWaitForReady   StepName = "wait_for_ready"
	StepVerifyServices StepName = "verify_services"
)

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// Step records what happened to one stage. Stages after a failure keep
// StepPending so the report shows exactly how far the run got.
type Step struct {
	Name     StepName      `json:"name"`
	Status   StepStatus    `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Request is one provisioning order.
type Request struct {
	UserID    string
	Subdomain string
	Provider  string
}

// Result is the full report of a run. AuthSecret is only populated on
// success and is the single time the plaintext secret leaves the
// orchestrator; the store only ever holds its hash.
type Result struct {
	OK         bool
	FailedStep StepName
	Err        string
	Subdomain  string
	ServerID   int64
	IP         string
	AuthSecret string
	Steps      []Step
}

func newResult(subdomain string) *Result {
	return &Result{
		Subdomain: subdomain,
		Steps: []Step{
			{Name: StepValidate, Status: StepPending},
			{Name: StepCreateVM, Status: StepPending},
			{Name: StepConfigureDNS, Status: StepPending},
			{Name: StepWaitForReady, Status: StepPending},
			{Name: StepVerifyServices, Status: StepPending},
		},
	}
}
