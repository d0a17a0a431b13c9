package domain

import (
	"regexp"
	"time"
)

// BackendIOSSimulator is the only leasable backend today.
const BackendIOSSimulator = "ios-simulator"

// Lease is a time-bounded admission token for tenant-isolated commands.
type Lease struct {
	LeaseID     string    `json:"leaseId"`
	TenantID    string    `json:"tenantId"`
	RunID       string    `json:"runId"`
	Backend     string    `json:"backend"`
	CreatedAt   time.Time `json:"createdAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidScopeID reports whether a tenant or run identifier is well-formed.
func ValidScopeID(id string) bool {
	return scopeIDPattern.MatchString(id)
}

var leaseIDPattern = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

// ValidLeaseID reports whether a lease identifier is well-formed lowercase hex.
func ValidLeaseID(id string) bool {
	return leaseIDPattern.MatchString(id)
}
