package pipeline

import (
	"github.com/agentdevice/agent-device/internal/domain"
)

// handleLease serves the three lease operations. They are exempt from
// admission because they are how admission state comes to exist.
func (p *Pipeline) handleLease(req *domain.Request) *domain.Response {
	tenant := req.TenantID()
	run := req.RunID()
	backendName := req.Flags.String("backend")
	ttlMs := req.Flags.Int("ttlMs", 0)

	switch req.Command {
	case "lease_allocate":
		l, err := p.leases.Allocate(tenant, run, backendName, ttlMs)
		if err != nil {
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{"lease": l})

	case "lease_heartbeat":
		id := leaseID(req)
		if id == "" {
			return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"lease_heartbeat requires a lease id"))
		}
		l, err := p.leases.Heartbeat(id, tenant, run, ttlMs)
		if err != nil {
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{"lease": l})

	case "lease_release":
		id := leaseID(req)
		if id == "" {
			return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"lease_release requires a lease id"))
		}
		released, err := p.leases.Release(id, tenant, run)
		if err != nil {
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{"released": released})
	}
	return domain.FailResponse(domain.Errf(domain.CodeUnknown, "unreachable lease command %q", req.Command))
}

// leaseID accepts the id from meta, flags or the first positional.
func leaseID(req *domain.Request) string {
	if id := req.LeaseID(); id != "" {
		return id
	}
	if len(req.Positionals) > 0 {
		return req.Positionals[0]
	}
	return ""
}
