package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/agentdevice/agent-device/internal/diag"
	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
)

// handleDevices lists devices in the selector's scope. Runs sessionless.
func (p *Pipeline) handleDevices(ctx context.Context, req *domain.Request) *domain.Response {
	sel := req.Selector()
	devices, err := p.disp.Discover(ctx, sel)
	if err != nil {
		return domain.FailResponse(err)
	}
	matched := make([]domain.Device, 0, len(devices))
	for _, dev := range devices {
		if dispatch.SelectorMatches(sel, dev) {
			matched = append(matched, dev)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Platform != matched[j].Platform {
			return matched[i].Platform < matched[j].Platform
		}
		return matched[i].Name < matched[j].Name
	})
	return domain.OkResponse(map[string]any{"devices": matched})
}

// handleSessionList lists sessions. Under tenant isolation only the caller's
// own sessions are visible, with the scope prefix stripped.
func (p *Pipeline) handleSessionList(req *domain.Request) *domain.Response {
	sessions := p.store.List()

	if req.Isolation() == domain.IsolationTenant {
		prefix := req.TenantID() + ":"
		scoped := sessions[:0]
		for _, sess := range sessions {
			if strings.HasPrefix(sess.Name, prefix) {
				sess.Name = strings.TrimPrefix(sess.Name, prefix)
				scoped = append(scoped, sess)
			}
		}
		sessions = scoped
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	return domain.OkResponse(map[string]any{"sessions": sessions})
}

// handleOpen resolves a device, boots it when needed, launches the app and
// binds (or rebinds) the session.
func (p *Pipeline) handleOpen(ctx context.Context, rec *diag.Recorder, req *domain.Request, effSession string) *domain.Response {
	if len(req.Positionals) == 0 {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"open requires an app bundle id or package name"))
	}

	sess, exists := p.store.Get(effSession)
	if !exists {
		var dev domain.Device
		err := rec.Time("resolve_device", func() error {
			var rerr error
			dev, rerr = p.disp.ResolveDevice(ctx, req.Selector())
			return rerr
		})
		if err != nil {
			return domain.FailResponse(err)
		}
		sess = domain.Session{Device: dev}
	}

	ec := p.execContext(ctx, req, sess)

	if !sess.Device.Booted {
		err := rec.Time("boot", func() error {
			_, berr := p.disp.Dispatch(ec, sess.Device, dispatch.Operation{Command: "boot"})
			return berr
		})
		if err != nil {
			return domain.FailResponse(err)
		}
		sess.Device.Booted = true
	}

	op := dispatch.Operation{
		Command:     "open",
		Positionals: req.Positionals,
		Flags:       req.Flags,
		AppBundleID: req.Positionals[0],
	}
	var result map[string]any
	err := rec.Time("open", func() error {
		var derr error
		result, derr = p.disp.Dispatch(ec, sess.Device, op)
		return derr
	})
	if err != nil {
		return domain.FailResponse(err)
	}

	bundleID := req.Positionals[0]
	if id, ok := result["bundleId"].(string); ok && id != "" {
		bundleID = id
	}
	sess.App = &domain.AppContext{BundleID: bundleID}

	if err := p.store.Set(effSession, sess); err != nil {
		return domain.FailResponse(err)
	}

	data := map[string]any{
		"session": effSession,
		"device":  sess.Device,
	}
	for k, v := range result {
		data[k] = v
	}
	return domain.OkResponse(data)
}

// handleClose tears the session down: recording first, then the log stream,
// then the app, then the binding. Teardown failures are logged, not fatal;
// close must always leave the session gone.
func (p *Pipeline) handleClose(ctx context.Context, rec *diag.Recorder, req *domain.Request, effSession string) *domain.Response {
	sess, ok := p.store.Get(effSession)
	if !ok {
		return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound,
			"no session named %q", effSession))
	}

	data := map[string]any{"session": effSession}

	if sess.Recording != nil {
		if err := p.stopRecording(ctx, &sess); err != nil {
			rec.Event("warn", "recording_stop_failed", map[string]any{"error": err.Error()})
		} else {
			data["recording"] = sess.Recording.OutputPath
		}
		sess.Recording = nil
	}

	if sess.AppLog != nil && sess.AppLog.State == domain.AppLogRunning {
		p.sup.Stop(sess.AppLog.PID, stopGrace)
		p.store.ClearStreamPID(effSession)
		data["appLog"] = sess.AppLog.OutputPath
	}

	// The replay script is written on every close; --save-script only picks
	// the path.
	target := req.Flags.String("save-script")
	if target == "true" {
		target = ""
	}
	path, err := p.store.WriteSessionLog(effSession, target)
	if err != nil {
		return domain.FailResponse(domain.Errf(domain.CodeCommandFailed,
			"saving session script: %v", err))
	}
	data["script"] = path

	if sess.App != nil {
		ec := p.execContext(ctx, req, sess)
		op := dispatch.Operation{Command: "close", AppBundleID: sess.App.BundleID}
		if _, err := p.disp.Dispatch(ec, sess.Device, op); err != nil {
			rec.Event("warn", "app_terminate_failed", map[string]any{"error": err.Error()})
		}
	}

	p.store.Delete(effSession)
	return domain.OkResponse(data)
}

// handleBoot boots a device, with or without an existing session.
func (p *Pipeline) handleBoot(ctx context.Context, rec *diag.Recorder, req *domain.Request, effSession string) *domain.Response {
	sess, ok := p.store.Get(effSession)
	if !ok {
		dev, err := p.disp.ResolveDevice(ctx, req.Selector())
		if err != nil {
			return domain.FailResponse(err)
		}
		sess = domain.Session{Device: dev}
	}

	ec := p.execContext(ctx, req, sess)
	var result map[string]any
	err := rec.Time("boot", func() error {
		var derr error
		result, derr = p.disp.Dispatch(ec, sess.Device,
			dispatch.Operation{Command: "boot", Flags: req.Flags})
		return derr
	})
	if err != nil {
		return domain.FailResponse(err)
	}

	if ok {
		sess.Device.Booted = true
		if serr := p.store.Set(effSession, sess); serr != nil {
			return domain.FailResponse(serr)
		}
	}

	data := map[string]any{"device": sess.Device}
	for k, v := range result {
		data[k] = v
	}
	return domain.OkResponse(data)
}

// handlePerf summarizes recorded app startup durations for the session.
func (p *Pipeline) handlePerf(req *domain.Request, effSession string) *domain.Response {
	if _, ok := p.store.Get(effSession); !ok {
		return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound,
			"no session named %q", effSession))
	}
	samples := p.store.StartupSamples(effSession)
	return domain.OkResponse(map[string]any{"startup": startupStats(samples)})
}

func startupStats(samples []float64) map[string]any {
	if len(samples) == 0 {
		return map[string]any{"count": 0}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return map[string]any{
		"count":  len(sorted),
		"minMs":  sorted[0],
		"maxMs":  sorted[len(sorted)-1],
		"avgMs":  sum / float64(len(sorted)),
		"p50Ms":  percentile(sorted, 50),
		"p95Ms":  percentile(sorted, 95),
		"lastMs": samples[len(samples)-1],
	}
}

// percentile uses nearest-rank on an already sorted slice.
func percentile(sorted []float64, pct int) float64 {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
