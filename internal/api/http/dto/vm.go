package dto

import "time"

type ProvisionVMRequest struct {
	Subdomain string `json:"subdomain" binding:"required,min=1,max=63"`
	Provider  string `json:"provider"`
}

type ProvisionVMResponse struct {
	Status    string `json:"status"`
	Subdomain string `json:"subdomain"`
	Message   string `json:"message"`
}

type VMResponse struct {
	Status        string     `json:"status"`
	Subdomain     string     `json:"subdomain,omitempty"`
	Domain        string     `json:"domain,omitempty"`
	IP            string     `json:"ip,omitempty"`
	ProvisionedAt *time.Time `json:"provisioned_at,omitempty"`
	RegisteredAt  *time.Time `json:"registered_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// RegisterVMRequest is the callback a VM posts once its services are up.
// The field names match what the boot script sends.
type RegisterVMRequest struct {
	Subdomain  string `json:"subdomain" binding:"required"`
	AuthSecret string `json:"authSecret" binding:"required"`
}
