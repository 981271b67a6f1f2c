package provisioner

import (
	"errors"
	"fmt"
	"regexp"
)

// Subdomains become DNS labels: lowercase alphanumerics with interior
// hyphens, no leading or trailing hyphen.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

const maxSubdomainLength = 63

// Names the platform itself needs, or that would be confusing to hand out.
var reservedSubdomains = map[string]bool{
	"www":   true,
	"api":   true,
	"admin": true,
	"mail":  true,
	"ns1":   true,
	"ns2":   true,
}

func validateSubdomain(subdomain string) error {
	if subdomain == "" {
		return errors.New("Subdomain is required")
	}
	if len(subdomain) > maxSubdomainLength {
		return fmt.Errorf("Subdomain is too long: %d characters (max %d)", len(subdomain), maxSubdomainLength)
	}
	if !subdomainPattern.MatchString(subdomain) {
		return fmt.Errorf("Invalid subdomain: %s", subdomain)
	}
	if reservedSubdomains[subdomain] {
		return fmt.Errorf("Subdomain is reserved: %s", subdomain)
	}
	return nil
}
