package cli

import (
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/client"
	"github.com/agentdevice/agent-device/internal/domain"
)

// LeaseCmd groups the lease operations.
type LeaseCmd struct {
	Allocate  LeaseAllocateCmd  `cmd:"" help:"Allocate (or refresh) the lease for a tenant/run pair"`
	Heartbeat LeaseHeartbeatCmd `cmd:"" help:"Extend a lease's TTL"`
	Release   LeaseReleaseCmd   `cmd:"" help:"Release a lease"`
}

// LeaseAllocateCmd mints the lease for (tenant, run, backend).
type LeaseAllocateCmd struct {
	Tenant  string `required:"" help:"Tenant identifier"`
	RunID   string `name:"run-id" required:"" help:"Run identifier"`
	Backend string `help:"Backend (default ios-simulator)"`
	TTLMs   int    `name:"ttl-ms" help:"Requested TTL in milliseconds"`
}

// Run executes lease allocate.
func (c *LeaseAllocateCmd) Run(globals *Globals) error {
	flags := domain.Flags{}
	if c.Backend != "" {
		flags["backend"] = c.Backend
	}
	if c.TTLMs > 0 {
		flags["ttlMs"] = c.TTLMs
	}
	return doLease(globals, "lease_allocate", domain.Meta{TenantID: c.Tenant, RunID: c.RunID}, flags)
}

// LeaseHeartbeatCmd refreshes an active lease.
type LeaseHeartbeatCmd struct {
	LeaseID string `arg:"" help:"Lease identifier"`
	Tenant  string `help:"Tenant scope check"`
	RunID   string `name:"run-id" help:"Run scope check"`
	TTLMs   int    `name:"ttl-ms" help:"Requested TTL in milliseconds"`
}

// Run executes lease heartbeat.
func (c *LeaseHeartbeatCmd) Run(globals *Globals) error {
	flags := domain.Flags{}
	if c.TTLMs > 0 {
		flags["ttlMs"] = c.TTLMs
	}
	meta := domain.Meta{TenantID: c.Tenant, RunID: c.RunID, LeaseID: c.LeaseID}
	return doLease(globals, "lease_heartbeat", meta, flags)
}

// LeaseReleaseCmd drops a lease.
type LeaseReleaseCmd struct {
	LeaseID string `arg:"" help:"Lease identifier"`
	Tenant  string `help:"Tenant scope check"`
	RunID   string `name:"run-id" help:"Run scope check"`
}

// Run executes lease release.
func (c *LeaseReleaseCmd) Run(globals *Globals) error {
	meta := domain.Meta{TenantID: c.Tenant, RunID: c.RunID, LeaseID: c.LeaseID}
	return doLease(globals, "lease_release", meta, domain.Flags{})
}

func doLease(globals *Globals, command string, meta domain.Meta, flags domain.Flags) error {
	cl, err := client.Bootstrap(globals.Config, Version, zap.NewNop())
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}
	resp, err := cl.Do(&domain.Request{Command: command, Flags: flags, Meta: meta})
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}
	return emitResponse(globals, resp)
}
