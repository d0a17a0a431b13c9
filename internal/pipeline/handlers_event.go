package pipeline

import (
	"context"
	"net/url"
	"strings"

	"github.com/agentdevice/agent-device/internal/diag"
	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
)

// handleAppEvent expands the configured deep-link template and opens the
// resulting URL in the session's app.
func (p *Pipeline) handleAppEvent(ctx context.Context, rec *diag.Recorder, req *domain.Request, effSession string) *domain.Response {
	if len(req.Positionals) == 0 {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"trigger-app-event requires an event name"))
	}

	sess, ok := p.store.Get(effSession)
	if !ok {
		return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound,
			"no session named %q", effSession))
	}

	platform := string(sess.Device.Platform)
	template := p.cfg.EventTemplate(platform)
	if template == "" {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"no app event URL template configured").
			WithHint("Set AGENT_DEVICE_APP_EVENT_URL_TEMPLATE or a platform-specific variant."))
	}

	event := req.Positionals[0]
	payload := req.Flags.String("payload")
	eventURL := strings.NewReplacer(
		"{event}", url.QueryEscape(event),
		"{payload}", url.QueryEscape(payload),
		"{platform}", platform,
	).Replace(template)

	ec := p.execContext(ctx, req, sess)
	op := dispatch.Operation{Command: "openurl", Positionals: []string{eventURL}}
	if sess.App != nil {
		op.AppBundleID = sess.App.BundleID
	}

	var result map[string]any
	err := rec.Time("app_event", func() error {
		var derr error
		result, derr = p.disp.Dispatch(ec, sess.Device, op)
		return derr
	})
	if err != nil {
		return domain.FailResponse(err)
	}

	data := map[string]any{"event": event, "url": eventURL}
	for k, v := range result {
		data[k] = v
	}
	return domain.OkResponse(data)
}
