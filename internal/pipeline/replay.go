package pipeline

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/session"
)

// handleReplay executes a .ad script step by step through the full pipeline.
// With --update, steps whose element target went stale are re-resolved
// against a fresh snapshot and the script is rewritten atomically.
func (p *Pipeline) handleReplay(ctx context.Context, req *domain.Request, effSession string) *domain.Response {
	if len(req.Positionals) == 0 {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"replay requires a script path"))
	}
	scriptPath := req.Positionals[0]

	f, err := os.Open(scriptPath)
	if err != nil {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"opening script %s: %v", scriptPath, err))
	}
	steps, err := session.ParseScript(f)
	_ = f.Close()
	if err != nil {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"parsing script %s: %v", scriptPath, err))
	}
	if len(steps) == 0 {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"script %s has no steps", scriptPath))
	}

	update := req.Flags.Bool("update")
	started := time.Now()
	executed := 0
	healed := 0

	for i := range steps {
		step := &steps[i]
		if step.Command == "batch" || step.Command == "replay" {
			return replayFail(domain.Errf(domain.CodeInvalidArgs,
				"script line %d: %s cannot be replayed", step.Line, step.Command),
				scriptPath, i+1, executed)
		}

		child := p.childRequest(req, step.Command, step.Positionals, step.Flags, i+1)
		resp := p.HandleRequest(ctx, child)

		if !resp.OK && update && healable(step, resp.Error) {
			if ref, ok := p.resolveTarget(ctx, req, step, i+1); ok {
				p.log.Info("replay step healed",
					zap.String("script", scriptPath),
					zap.Int("line", step.Line),
					zap.String("was", step.Positionals[0]),
					zap.String("now", ref))
				step.Positionals[0] = ref
				healed++
				child = p.childRequest(req, step.Command, step.Positionals, step.Flags, i+1)
				resp = p.HandleRequest(ctx, child)
			}
		}

		if !resp.OK {
			err := resp.Error
			fail := domain.Errf(err.Code, "replay step %d (%s) failed: %s", i+1, step.Command, err.Message)
			fail.Hint = err.Hint
			fail.DiagnosticID = err.DiagnosticID
			fail.LogPath = err.LogPath
			return replayFail(fail, scriptPath, i+1, executed)
		}
		executed++
	}

	if update && healed > 0 {
		if err := rewriteScript(scriptPath, steps); err != nil {
			return domain.FailResponse(domain.Errf(domain.CodeCommandFailed,
				"rewriting script %s: %v", scriptPath, err))
		}
	}

	return domain.OkResponse(map[string]any{
		"script":          scriptPath,
		"steps":           len(steps),
		"executed":        executed,
		"healed":          healed,
		"updated":         update && healed > 0,
		"totalDurationMs": time.Since(started).Milliseconds(),
	})
}

func replayFail(err *domain.Error, scriptPath string, step, executed int) *domain.Response {
	err.WithDetails(map[string]any{
		"script":   scriptPath,
		"step":     step,
		"executed": executed,
	})
	return domain.FailResponse(err)
}

// healable limits self-healing to element-targeted steps that failed on the
// device rather than on their arguments.
func healable(step *session.Step, err *domain.Error) bool {
	if len(step.Positionals) == 0 || err == nil {
		return false
	}
	if err.Code != domain.CodeCommandFailed {
		return false
	}
	switch step.Command {
	case "press", "longpress", "fill", "focus", "scrollintoview", "is", "get":
		return true
	default:
		return false
	}
}

// resolveTarget asks the backend to find the step's target on the current
// screen and returns the fresh element reference.
func (p *Pipeline) resolveTarget(ctx context.Context, req *domain.Request, step *session.Step, stepNo int) (string, bool) {
	find := p.childRequest(req, "find", []string{step.Positionals[0]}, domain.Flags{}, stepNo)
	resp := p.HandleRequest(ctx, find)
	if !resp.OK {
		return "", false
	}
	ref, ok := resp.Data["ref"].(string)
	if !ok || ref == "" || ref == step.Positionals[0] {
		return "", false
	}
	return ref, true
}

// rewriteScript re-encodes all steps and replaces the file atomically so a
// crash mid-write never corrupts the script.
func rewriteScript(path string, steps []session.Step) error {
	var b strings.Builder
	for _, step := range steps {
		b.WriteString(session.EncodeEntry(domain.JournalEntry{
			Command:     step.Command,
			Positionals: step.Positionals,
			Flags:       step.Flags,
		}))
		b.WriteByte('\n')
	}
	return renameio.WriteFile(path, []byte(b.String()), 0o644)
}
