package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/session"
)

const stopGrace = 3 * time.Second

// handleRecord starts or stops the session's screen recording.
func (p *Pipeline) handleRecord(ctx context.Context, req *domain.Request, effSession string) *domain.Response {
	sess, ok := p.store.Get(effSession)
	if !ok {
		return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound,
			"no session named %q", effSession))
	}

	switch recordAction(req) {
	case "start":
		if sess.Recording != nil {
			return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"a recording is already running for session %q", effSession).
				WithHint("Stop it first with `record stop`."))
		}
		out := req.Flags.String("out")
		if out == "" {
			dir := p.store.SessionDir(effSession)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return domain.FailResponse(domain.Errf(domain.CodeCommandFailed,
					"creating session dir: %v", err))
			}
			out = filepath.Join(dir,
				fmt.Sprintf("recording-%s.mp4", time.Now().Format("20060102-150405")))
		}

		rec, err := p.startRecording(sess.Device, out)
		if err != nil {
			return domain.FailResponse(err)
		}
		sess.Recording = rec
		if err := p.store.Set(effSession, sess); err != nil {
			p.sup.Stop(rec.PID, stopGrace)
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{"recording": map[string]any{
			"path":  rec.OutputPath,
			"state": "running",
		}})

	case "stop":
		if sess.Recording == nil {
			return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"no recording in progress for session %q", effSession))
		}
		path := sess.Recording.OutputPath
		if err := p.stopRecording(ctx, &sess); err != nil {
			return domain.FailResponse(err)
		}
		sess.Recording = nil
		if err := p.store.Set(effSession, sess); err != nil {
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{"path": path})

	default:
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"record expects `start` or `stop`"))
	}
}

func recordAction(req *domain.Request) string {
	if len(req.Positionals) > 0 {
		return req.Positionals[0]
	}
	if req.Flags.Bool("stop") {
		return "stop"
	}
	return "start"
}

func (p *Pipeline) startRecording(dev domain.Device, out string) (*domain.Recording, error) {
	switch {
	case dev.Platform == domain.PlatformAndroid:
		return p.android.StartRecording(dev, out)
	case dev.Kind == domain.KindSimulator:
		return p.iosSim.StartRecording(dev, out)
	default:
		return nil, domain.Errf(domain.CodeUnsupportedOp,
			"screen recording is not supported on physical iOS devices")
	}
}

// stopRecording finalizes the capture. Android recordings live on the device
// until pulled; simulator recordings finalize when the recorder exits.
func (p *Pipeline) stopRecording(ctx context.Context, sess *domain.Session) error {
	rec := sess.Recording
	if rec == nil {
		return nil
	}
	if rec.Platform == domain.PlatformAndroid {
		return p.android.PullRecording(ctx, sess.Device, rec)
	}
	p.sup.Stop(rec.PID, stopGrace)
	return nil
}

// handleTrace toggles trace capture. While active, the trace path rides on
// the execution context so runner-backed commands can append to it.
func (p *Pipeline) handleTrace(req *domain.Request, effSession string) *domain.Response {
	sess, ok := p.store.Get(effSession)
	if !ok {
		return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound,
			"no session named %q", effSession))
	}

	action := "start"
	if len(req.Positionals) > 0 {
		action = req.Positionals[0]
	}

	switch action {
	case "start":
		if sess.TraceLog != "" {
			return domain.OkResponse(map[string]any{"path": sess.TraceLog, "state": "running"})
		}
		dir := p.store.SessionDir(effSession)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.FailResponse(domain.Errf(domain.CodeCommandFailed,
				"creating session dir: %v", err))
		}
		sess.TraceLog = filepath.Join(dir,
			fmt.Sprintf("trace-%s.log", time.Now().Format("20060102-150405")))
		if err := p.store.Set(effSession, sess); err != nil {
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{"path": sess.TraceLog, "state": "running"})

	case "stop":
		path := sess.TraceLog
		if path == "" {
			return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"no trace is active for session %q", effSession))
		}
		sess.TraceLog = ""
		if err := p.store.Set(effSession, sess); err != nil {
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{"path": path, "state": "stopped"})

	default:
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
			"trace expects `start` or `stop`"))
	}
}

// handleLogs starts or stops the per-session app log stream. The stream
// writes to a stable app.log path that rotates on each start.
func (p *Pipeline) handleLogs(ctx context.Context, req *domain.Request, effSession string) *domain.Response {
	sess, ok := p.store.Get(effSession)
	if !ok {
		return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound,
			"no session named %q", effSession))
	}

	if recordAction(req) == "stop" {
		if sess.AppLog == nil || sess.AppLog.State != domain.AppLogRunning {
			return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"no app log stream is running for session %q", effSession))
		}
		p.sup.Stop(sess.AppLog.PID, stopGrace)
		p.store.ClearStreamPID(effSession)
		sess.AppLog.State = domain.AppLogStopped
		sess.AppLog.PID = 0
		if err := p.store.Set(effSession, sess); err != nil {
			return domain.FailResponse(err)
		}
		return domain.OkResponse(map[string]any{
			"path":  sess.AppLog.OutputPath,
			"state": string(domain.AppLogStopped),
		})
	}

	if sess.AppLog != nil && sess.AppLog.State == domain.AppLogRunning {
		return domain.OkResponse(map[string]any{
			"path":  sess.AppLog.OutputPath,
			"state": string(domain.AppLogRunning),
		})
	}

	path, err := p.store.AppLogPath(effSession)
	if err != nil {
		return domain.FailResponse(domain.Errf(domain.CodeCommandFailed,
			"resolving app log path: %v", err))
	}
	if err := session.RotateAppLog(path, p.cfg.AppLog.MaxBytes, p.cfg.AppLog.MaxFiles); err != nil {
		return domain.FailResponse(domain.Errf(domain.CodeCommandFailed,
			"rotating app log: %v", err))
	}

	bundleID := ""
	if sess.App != nil {
		bundleID = sess.App.BundleID
	}

	var handle *domain.AppLog
	switch {
	case sess.Device.Platform == domain.PlatformAndroid:
		handle, err = p.android.StartLogStream(ctx, sess.Device, bundleID, path)
	case sess.Device.Kind == domain.KindSimulator:
		handle, err = p.iosSim.StartLogStream(sess.Device, bundleID, path)
	default:
		err = domain.Errf(domain.CodeUnsupportedOp,
			"app log streaming is not supported on physical iOS devices")
	}
	if err != nil {
		return domain.FailResponse(err)
	}

	p.store.StashStreamPID(effSession, handle.PID)
	sess.AppLog = handle
	if err := p.store.Set(effSession, sess); err != nil {
		p.sup.Stop(handle.PID, stopGrace)
		return domain.FailResponse(err)
	}
	return domain.OkResponse(map[string]any{"path": path, "state": string(handle.State)})
}
