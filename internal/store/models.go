package store

import (
	"time"
)

// VMStatus is the lifecycle state of a user's VM. It is the single source
// of truth for VM availability; every gateway call reads it before
// forwarding anything.
type VMStatus string

const (
	VMStatusPending       VMStatus = "pending"
	VMStatusProvisioning  VMStatus = "provisioning"
	VMStatusReady         VMStatus = "ready"
	VMStatusError         VMStatus = "error"
	VMStatusDeprovisioned VMStatus = "deprovisioned"
)

// User is the account record. The account subsystem owns the row; the VM
// lifecycle code only ever mutates the vm_* columns.
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	VMStatus         VMStatus
	VMSubdomain      string
	VMIP             string
	VMServerID       string
	VMAuthSecretHash string
	VMProvisionedAt  *time.Time
	VMRegisteredAt   *time.Time
	VMLastError      string
}

// HasVM reports whether a subdomain has ever been assigned to this user.
func (u *User) HasVM() bool {
	return u.VMSubdomain != ""
}
