// Package lease implements the in-memory admission registry for
// tenant-isolated commands. Leases are keyed by an opaque hex id with a
// secondary (tenant, run, backend) index that makes allocation idempotent
// per run. Expiry is lazy: expired leases are swept on the next operation.
package lease

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/agentdevice/agent-device/internal/domain"
)

// Limits bounds TTLs and backend capacity.
type Limits struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	// MaxPerBackend caps concurrent leases per backend; zero means unbounded.
	MaxPerBackend int
}

// DefaultLimits mirrors the documented defaults: 60s TTL clamped to 5s..600s.
func DefaultLimits() Limits {
	return Limits{
		DefaultTTL: 60 * time.Second,
		MinTTL:     5 * time.Second,
		MaxTTL:     600 * time.Second,
	}
}

type scopeKey struct {
	tenant  string
	run     string
	backend string
}

// Registry is the lease store. A single mutex serializes all operations;
// every one of them is O(leases) or better and never blocks on I/O.
type Registry struct {
	mu     sync.Mutex
	clock  clock.Clock
	limits Limits
	leases map[string]*domain.Lease
	byRun  map[scopeKey]string // (tenant, run, backend) -> leaseId
}

// NewRegistry creates a Registry on the real clock.
func NewRegistry(limits Limits) *Registry {
	return NewRegistryWithClock(limits, clock.New())
}

// NewRegistryWithClock allows tests to inject a mock clock.
func NewRegistryWithClock(limits Limits, c clock.Clock) *Registry {
	if limits.DefaultTTL == 0 {
		limits = DefaultLimits()
	}
	return &Registry{
		clock:  c,
		limits: limits,
		leases: make(map[string]*domain.Lease),
		byRun:  make(map[scopeKey]string),
	}
}

// Allocate mints or refreshes the lease for (tenant, run, backend). A second
// allocate for the same scope returns the existing lease with a refreshed
// TTL.
func (r *Registry) Allocate(tenant, run, backend string, ttlMs int) (*domain.Lease, error) {
	if backend == "" {
		backend = domain.BackendIOSSimulator
	}
	if !domain.ValidScopeID(tenant) {
		return nil, domain.Errf(domain.CodeInvalidArgs, "invalid tenant id %q", tenant)
	}
	if !domain.ValidScopeID(run) {
		return nil, domain.Errf(domain.CodeInvalidArgs, "invalid run id %q", run)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	key := scopeKey{tenant: tenant, run: run, backend: backend}
	if id, ok := r.byRun[key]; ok {
		l := r.leases[id]
		r.refreshLocked(l, ttlMs)
		return cloned(l), nil
	}

	if r.limits.MaxPerBackend > 0 {
		active := 0
		for _, l := range r.leases {
			if l.Backend == backend {
				active++
			}
		}
		if active >= r.limits.MaxPerBackend {
			return nil, domain.Errf(domain.CodeCommandFailed,
				"backend %s is at capacity (%d active leases)", backend, active).
				WithHint("Release an existing lease or raise AGENT_DEVICE_MAX_SIMULATOR_LEASES.")
		}
	}

	now := r.clock.Now()
	l := &domain.Lease{
		LeaseID:   newLeaseID(),
		TenantID:  tenant,
		RunID:     run,
		Backend:   backend,
		CreatedAt: now,
	}
	r.refreshLocked(l, ttlMs)
	r.leases[l.LeaseID] = l
	r.byRun[key] = l.LeaseID
	return cloned(l), nil
}

// Heartbeat refreshes the TTL of an active lease. The optional tenant/run
// scope must match when supplied.
func (r *Registry) Heartbeat(leaseID, tenant, run string, ttlMs int) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	l, ok := r.leases[leaseID]
	if !ok {
		return nil, notFound()
	}
	if err := checkScope(l, tenant, run); err != nil {
		return nil, err
	}
	r.refreshLocked(l, ttlMs)
	return cloned(l), nil
}

// Release drops a lease. Releasing an unknown or expired lease is not an
// error; the boolean reports whether anything was removed.
func (r *Registry) Release(leaseID, tenant, run string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	l, ok := r.leases[leaseID]
	if !ok {
		return false, nil
	}
	if err := checkScope(l, tenant, run); err != nil {
		return false, err
	}
	r.removeLocked(l)
	return true, nil
}

// AssertAdmission gates tenant-isolated commands other than lease operations:
// tenant, run and lease id must all be present and name an active lease.
func (r *Registry) AssertAdmission(tenant, run, leaseID, backend string) error {
	if backend == "" {
		backend = domain.BackendIOSSimulator
	}
	if tenant == "" || run == "" || leaseID == "" {
		return domain.Errf(domain.CodeInvalidArgs,
			"tenant-isolated commands require tenant, runId and leaseId").
			WithHint("Allocate a lease first with lease_allocate.")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	l, ok := r.leases[leaseID]
	if !ok {
		return notFound()
	}
	if l.TenantID != tenant || l.RunID != run || l.Backend != backend {
		return scopeMismatch()
	}
	return nil
}

// Active returns the number of live leases, sweeping expired ones first.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.leases)
}

func (r *Registry) refreshLocked(l *domain.Lease, ttlMs int) {
	ttl := r.limits.DefaultTTL
	if ttlMs > 0 {
		ttl = time.Duration(ttlMs) * time.Millisecond
	}
	if ttl < r.limits.MinTTL {
		ttl = r.limits.MinTTL
	}
	if ttl > r.limits.MaxTTL {
		ttl = r.limits.MaxTTL
	}
	now := r.clock.Now()
	l.HeartbeatAt = now
	l.ExpiresAt = now.Add(ttl)
}

func (r *Registry) sweepLocked() {
	now := r.clock.Now()
	var expired []*domain.Lease
	for _, l := range r.leases {
		if !now.Before(l.ExpiresAt) {
			expired = append(expired, l)
		}
	}
	for _, l := range expired {
		r.removeLocked(l)
	}
}

func (r *Registry) removeLocked(l *domain.Lease) {
	delete(r.leases, l.LeaseID)
	delete(r.byRun, scopeKey{tenant: l.TenantID, run: l.RunID, backend: l.Backend})
}

func checkScope(l *domain.Lease, tenant, run string) error {
	if (tenant != "" && tenant != l.TenantID) || (run != "" && run != l.RunID) {
		return scopeMismatch()
	}
	return nil
}

func notFound() *domain.Error {
	return domain.Errf(domain.CodeUnauthorized, "lease not found or expired").
		WithDetails(map[string]any{"reason": "LEASE_NOT_FOUND"})
}

func scopeMismatch() *domain.Error {
	return domain.Errf(domain.CodeUnauthorized, "lease scope mismatch").
		WithDetails(map[string]any{"reason": "LEASE_SCOPE_MISMATCH"})
}

// newLeaseID mints a cryptographically random 16-byte lowercase hex id.
func newLeaseID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func cloned(l *domain.Lease) *domain.Lease {
	c := *l
	return &c
}
