package pipeline

import (
	"strings"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/diag"
	"github.com/agentdevice/agent-device/internal/domain"
)

const maxMessageLen = 200

// finalize is the last stage: flush diagnostics when warranted and normalize
// the error shape so every failure leaves the daemon looking the same.
func (p *Pipeline) finalize(rec *diag.Recorder, req *domain.Request, resp *domain.Response) *domain.Response {
	if resp == nil {
		resp = domain.FailResponse(domain.Errf(domain.CodeUnknown, "handler returned no response"))
	}
	resp.RequestID = req.Meta.RequestID

	if resp.OK {
		if rec.Debug() {
			if path, err := rec.Flush(); err == nil {
				resp.Data["diagnostics"] = map[string]any{
					"diagnosticId": rec.DiagnosticID(),
					"logPath":      path,
				}
			}
		}
		return resp
	}

	e := resp.Error
	if e == nil {
		e = domain.Errf(domain.CodeUnknown, "request failed")
		resp.Error = e
	}
	rec.Event("error", "request_failed", map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	})
	logPath, flushErr := rec.Flush()
	if flushErr != nil {
		p.log.Warn("diagnostics flush failed",
			zap.String("requestId", req.Meta.RequestID), zap.Error(flushErr))
	}
	normalizeError(e, rec.DiagnosticID(), logPath)
	return resp
}

// normalizeError enforces the error contract on a failure before it leaves
// the daemon: valid code, redacted details, lifted hint/diagnostic fields, a
// human-readable message for subprocess failures and a fallback hint.
func normalizeError(e *domain.Error, diagID, logPath string) {
	if e.Code == "" {
		e.Code = domain.CodeUnknown
	}

	e.Details = diag.Redact(e.Details)

	// Hints and diagnostic pointers produced deep in a handler sometimes
	// arrive inside details; lift them to their envelope fields.
	if e.Details != nil {
		if hint, ok := e.Details["hint"].(string); ok && hint != "" {
			if e.Hint == "" {
				e.Hint = hint
			}
			delete(e.Details, "hint")
		}
		if id, ok := e.Details["diagnosticId"].(string); ok {
			if e.DiagnosticID == "" {
				e.DiagnosticID = id
			}
			delete(e.Details, "diagnosticId")
		}
		if lp, ok := e.Details["logPath"].(string); ok {
			if e.LogPath == "" {
				e.LogPath = lp
			}
			delete(e.Details, "logPath")
		}
	}

	// Only stderr-derived replacements are length-bounded; handler-authored
	// messages pass through as written.
	if e.Code == domain.CodeCommandFailed && e.Details != nil {
		if sub, _ := e.Details["subprocess"].(bool); sub {
			if stderr, _ := e.Details["stderr"].(string); stderr != "" {
				if line := firstInformativeLine(stderr); line != "" {
					e.Message = line
				}
			}
		}
	}

	if e.DiagnosticID == "" {
		e.DiagnosticID = diagID
	}
	if e.LogPath == "" {
		e.LogPath = logPath
	}
	if e.Hint == "" {
		e.Hint = domain.DefaultHint(e.Code)
	}
	if len(e.Details) == 0 {
		e.Details = nil
	}
}

// boilerplatePrefixes are stderr lines that never explain the failure.
var boilerplatePrefixes = []string{
	"xcrun:",
	"xcodebuild:",
	"adb:",
	"warning:",
	"note:",
	"* daemon",
}

// firstInformativeLine returns the first stderr line that looks like an
// actual error rather than tool chatter.
func firstInformativeLine(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		skip := false
		for _, prefix := range boilerplatePrefixes {
			if strings.HasPrefix(lower, prefix) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		return truncate(line, maxMessageLen)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
