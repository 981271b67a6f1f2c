package dto

import "time"

type AdminVMResponse struct {
	UserID        string     `json:"user_id"`
	Email         string     `json:"email"`
	Status        string     `json:"status"`
	Subdomain     string     `json:"subdomain,omitempty"`
	IP            string     `json:"ip,omitempty"`
	ServerID      string     `json:"server_id,omitempty"`
	ProvisionedAt *time.Time `json:"provisioned_at,omitempty"`
	RegisteredAt  *time.Time `json:"registered_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type ListVMsResponse struct {
	VMs   []AdminVMResponse `json:"vms"`
	Count int               `json:"count"`
}

type AdminServerResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	PublicIP string `json:"public_ip,omitempty"`
}

type ListServersResponse struct {
	Servers []AdminServerResponse `json:"servers"`
	Count   int                   `json:"count"`
}

type RecoverVMResponse struct {
	Status string `json:"status"`
}

type SweepResponse struct {
	Total         int      `json:"total"`
	Healthy       int      `json:"healthy"`
	Unhealthy     int      `json:"unhealthy"`
	MarkedAsError int      `json:"marked_as_error"`
	Errors        []string `json:"errors,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
}
