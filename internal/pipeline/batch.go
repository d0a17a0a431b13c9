package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/agentdevice/agent-device/internal/domain"
)

// selectorFlags are the device-selection flags a batch or replay parent
// passes down to every child step.
var selectorFlags = []string{
	"platform", "target", "device", "udid", "serial", "simulator-set", "serials",
}

// handleBatch runs a list of steps in order, fail-fast. Each step re-enters
// the full pipeline so admission, capability checks and journaling apply
// per step.
func (p *Pipeline) handleBatch(ctx context.Context, req *domain.Request, effSession string) *domain.Response {
	raw, ok := req.Flags["steps"].([]any)
	if !ok || len(raw) == 0 {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"batch requires a non-empty steps array"))
	}
	if max := p.cfg.BatchMaxSteps; max > 0 && len(raw) > max {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"batch of %d steps exceeds the limit of %d", len(raw), max))
	}

	started := time.Now()
	results := make([]map[string]any, 0, len(raw))

	for i, rawStep := range raw {
		stepMap, ok := rawStep.(map[string]any)
		if !ok {
			return batchFail(domain.Errf(domain.CodeInvalidArgs,
				"batch step %d is not an object", i+1), i+1, results)
		}
		command, _ := stepMap["command"].(string)
		if command == "" {
			return batchFail(domain.Errf(domain.CodeInvalidArgs,
				"batch step %d is missing a command", i+1), i+1, results)
		}
		if command == "batch" || command == "replay" {
			return batchFail(domain.Errf(domain.CodeInvalidArgs,
				"batch step %d: %s cannot nest", i+1, command), i+1, results)
		}

		child := p.childRequest(req, command, stepPositionals(stepMap), stepFlags(stepMap), i+1)
		resp := p.HandleRequest(ctx, child)
		if !resp.OK {
			err := resp.Error
			fail := domain.Errf(err.Code, "batch step %d (%s) failed: %s", i+1, command, err.Message)
			fail.Hint = err.Hint
			fail.DiagnosticID = err.DiagnosticID
			fail.LogPath = err.LogPath
			return batchFail(fail, i+1, results)
		}
		results = append(results, map[string]any{
			"command": command,
			"ok":      true,
			"data":    resp.Data,
		})
	}

	return domain.OkResponse(map[string]any{
		"total":           len(raw),
		"executed":        len(results),
		"totalDurationMs": time.Since(started).Milliseconds(),
		"results":         results,
	})
}

func batchFail(err *domain.Error, step int, results []map[string]any) *domain.Response {
	err.WithDetails(map[string]any{
		"step":           step,
		"executed":       len(results),
		"partialResults": results,
	})
	return domain.FailResponse(err)
}

// childRequest clones the parent envelope for one step: same token, session
// and tenancy, the parent's selector flags underneath the step's own.
func (p *Pipeline) childRequest(parent *domain.Request, command string, positionals []string, flags domain.Flags, step int) *domain.Request {
	merged := domain.Flags{}
	for _, key := range selectorFlags {
		if parent.Flags.Has(key) {
			merged[key] = parent.Flags[key]
		}
	}
	for k, v := range flags {
		merged[k] = v
	}

	meta := parent.Meta
	if meta.RequestID != "" {
		meta.RequestID = fmt.Sprintf("%s#%d", meta.RequestID, step)
	}

	return &domain.Request{
		Token:       parent.Token,
		Session:     parent.Session,
		Command:     command,
		Positionals: positionals,
		Flags:       merged,
		Meta:        meta,
	}
}

func stepPositionals(stepMap map[string]any) []string {
	raw, ok := stepMap["positionals"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stepFlags(stepMap map[string]any) domain.Flags {
	raw, ok := stepMap["flags"].(map[string]any)
	if !ok {
		return domain.Flags{}
	}
	return domain.Flags(raw)
}
