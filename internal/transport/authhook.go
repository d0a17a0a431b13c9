package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/domain"
)

const hookTimeout = 5 * time.Second

// AuthHook evaluates HTTP requests through an external executable. The hook
// reads a JSON description of the request on stdin and writes its decisions
// on stdout, keyed by export name:
//
//	{"default": {"ok": true, "tenantId": "ci-7"}}
//
// A missing or truthy decision allows; literal false and {ok:false} shapes
// reject. A broken hook fails closed.
type AuthHook struct {
	log    *zap.Logger
	path   string
	export string
}

// HookDecision is one evaluated decision. On rejection the hook's code,
// message and details ride along into the error body.
type HookDecision struct {
	Allow    bool
	TenantID string
	Code     string
	Message  string
	Details  map[string]any
}

// NewAuthHook builds a hook runner. export defaults to "default".
func NewAuthHook(log *zap.Logger, path, export string) *AuthHook {
	if log == nil {
		log = zap.NewNop()
	}
	if export == "" {
		export = "default"
	}
	return &AuthHook{log: log, path: path, export: export}
}

// Evaluate runs the hook once for a request.
func (h *AuthHook) Evaluate(ctx context.Context, headers http.Header, rpcBody []byte, req *domain.Request) (*HookDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[k] = headers.Get(k)
	}
	input, err := json.Marshal(map[string]any{
		"export":        h.export,
		"headers":       flat,
		"rpcRequest":    json.RawMessage(rpcBody),
		"daemonRequest": req,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding hook input: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		h.log.Warn("auth hook execution failed",
			zap.String("hook", h.path), zap.Error(err), zap.String("stderr", stderr.String()))
		return nil, fmt.Errorf("auth hook %s: %w", h.path, err)
	}

	out := stdout.Bytes()
	if !gjson.ValidBytes(out) {
		return nil, fmt.Errorf("auth hook %s produced invalid JSON", h.path)
	}

	decision := gjson.GetBytes(out, h.export)
	if !decision.Exists() {
		// Tolerate hooks that emit a single unkeyed decision.
		decision = gjson.ParseBytes(out)
	}
	return parseDecision(decision), nil
}

// parseDecision maps a hook's decision value onto allow or reject. The
// contract: missing/truthy allows, false rejects, {ok:false, code?, message?,
// details?} rejects, {ok:true, tenantId?} allows with tenant injection.
func parseDecision(d gjson.Result) *HookDecision {
	if !d.Exists() || d.Type == gjson.Null {
		return &HookDecision{Allow: true}
	}
	if d.Type == gjson.False {
		return &HookDecision{}
	}
	if !d.IsObject() {
		return &HookDecision{Allow: true}
	}

	if ok := d.Get("ok"); ok.Exists() && !ok.Bool() {
		rej := &HookDecision{
			Code:    d.Get("code").String(),
			Message: d.Get("message").String(),
		}
		if details, isMap := d.Get("details").Value().(map[string]any); isMap {
			rej.Details = details
		}
		return rej
	}
	return &HookDecision{Allow: true, TenantID: d.Get("tenantId").String()}
}
