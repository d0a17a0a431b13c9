// Package pipeline is the daemon's request path. Every request from either
// transport runs the same ordered stages: token check, alias resolution,
// tenant scoping, lease admission, selector compatibility, handler demux,
// dispatch, journaling and error normalization.
package pipeline

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/backend"
	"github.com/agentdevice/agent-device/internal/config"
	"github.com/agentdevice/agent-device/internal/diag"
	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/lease"
	"github.com/agentdevice/agent-device/internal/proc"
	"github.com/agentdevice/agent-device/internal/session"
)

// aliases maps accepted spellings onto canonical commands.
var aliases = map[string]string{
	"click":     "press",
	"tap":       "press",
	"screencap": "screenshot",
	"sessions":  "session_list",
}

// leaseExempt lists commands that run without lease admission even under
// tenant isolation: discovery and the lease operations themselves.
var leaseExempt = map[string]struct{}{
	"devices":         {},
	"session_list":    {},
	"lease_allocate":  {},
	"lease_heartbeat": {},
	"lease_release":   {},
}

// selectorExempt lists commands that never bind to a session device, so
// selector flags on them are scoping rather than a conflict.
var selectorExempt = map[string]struct{}{
	"devices":         {},
	"session_list":    {},
	"lease_allocate":  {},
	"lease_heartbeat": {},
	"lease_release":   {},
}

// journaled lists the commands recorded into the session journal for replay.
// Read-only commands and meta operations are deliberately absent.
var journaled = map[string]struct{}{
	"boot": {}, "open": {}, "press": {}, "longpress": {}, "swipe": {},
	"scroll": {}, "scrollintoview": {}, "focus": {}, "type": {}, "fill": {},
	"keyboard": {}, "back": {}, "home": {}, "app-switcher": {}, "wait": {},
	"alert": {}, "pinch": {}, "openurl": {}, "trigger-app-event": {},
	"push": {}, "settings": {}, "clipboard": {}, "reinstall": {},
}

// artifactExt maps artifact-producing commands to their default file suffix.
var artifactExt = map[string]string{
	"screenshot": "png",
	"snapshot":   "json",
	"diff":       "json",
}

// Options wires the pipeline's collaborators. Backends appear both inside the
// dispatcher and as concrete types because recording and log streaming are
// long-lived handles outside the one-shot Execute path.
type Options struct {
	Token         string
	DaemonLogPath string
	Store         *session.Store
	Leases        *lease.Registry
	Dispatcher    *dispatch.Dispatcher
	Supervisor    *proc.Supervisor
	Cancels       *CancelRegistry
	IOSSimulator  *backend.IOSSimulator
	IOSDevice     *backend.IOSDevice
	Android       *backend.Android
}

// Pipeline executes daemon requests.
type Pipeline struct {
	cfg     *config.Config
	log     *zap.Logger
	token   string
	logPath string
	store   *session.Store
	leases  *lease.Registry
	disp    *dispatch.Dispatcher
	sup     *proc.Supervisor
	cancels *CancelRegistry
	iosSim  *backend.IOSSimulator
	iosDev  *backend.IOSDevice
	android *backend.Android
}

// New builds a Pipeline.
func New(cfg *config.Config, log *zap.Logger, opts Options) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	cancels := opts.Cancels
	if cancels == nil {
		cancels = NewCancelRegistry()
	}
	return &Pipeline{
		cfg:     cfg,
		log:     log,
		token:   opts.Token,
		logPath: opts.DaemonLogPath,
		store:   opts.Store,
		leases:  opts.Leases,
		disp:    opts.Dispatcher,
		sup:     opts.Supervisor,
		cancels: cancels,
		iosSim:  opts.IOSSimulator,
		iosDev:  opts.IOSDevice,
		android: opts.Android,
	}
}

// Cancels exposes the cancellation registry to transports.
func (p *Pipeline) Cancels() *CancelRegistry { return p.cancels }

// HandleRequest runs one request through the full stage order and always
// returns a normalized response.
func (p *Pipeline) HandleRequest(ctx context.Context, req *domain.Request) *domain.Response {
	name := req.Session
	if name == "" {
		name = domain.DefaultSessionName
	}

	rec := diag.NewRecorder(p.cfg.StateDir, name, req.Command, req.Meta.RequestID, req.Meta.Debug)
	rec.Event("debug", "request_received", map[string]any{
		"command": req.Command,
		"session": name,
	})

	resp := p.handle(ctx, rec, req, name)
	return p.finalize(rec, req, resp)
}

func (p *Pipeline) handle(ctx context.Context, rec *diag.Recorder, req *domain.Request, name string) *domain.Response {
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(p.token)) != 1 {
		return domain.FailResponse(domain.Errf(domain.CodeUnauthorized,
			"invalid or missing daemon token"))
	}

	if req.Command == "" {
		return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs, "missing command"))
	}
	if canonical, ok := aliases[req.Command]; ok {
		req.Command = canonical
	}

	// Tenant scoping rewrites the session name so tenants cannot see or
	// collide with each other's sessions.
	effSession := name
	if req.Isolation() == domain.IsolationTenant {
		tenant := req.TenantID()
		if !domain.ValidScopeID(tenant) {
			return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"session isolation requires a valid tenant id"))
		}
		effSession = tenant + ":" + name

		if _, exempt := leaseExempt[req.Command]; !exempt {
			backendName := req.Flags.String("backend")
			if err := p.leases.AssertAdmission(tenant, req.RunID(), req.LeaseID(), backendName); err != nil {
				return domain.FailResponse(err)
			}
		}
	}

	if _, exempt := selectorExempt[req.Command]; !exempt {
		if sess, ok := p.store.Get(effSession); ok {
			if conflicts := dispatch.SelectorConflicts(req.Selector(), sess.Device); len(conflicts) > 0 {
				return domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
					"selector flags contradict the device bound to session %q", effSession).
					WithDetails(map[string]any{"flags": conflicts}).
					WithHint("Drop the conflicting flags or close the session first."))
			}
		}
	}

	resp := p.demux(ctx, rec, req, effSession)

	if resp.OK {
		if _, ok := journaled[req.Command]; ok {
			p.store.RecordAction(effSession, domain.JournalEntry{
				Command:     req.Command,
				Positionals: req.Positionals,
				Flags:       req.Flags,
				Result:      resp.Data,
			})
		}
	}
	return resp
}

// demux routes to the handler groups, falling through to plain dispatch for
// everything a backend executes one-shot.
func (p *Pipeline) demux(ctx context.Context, rec *diag.Recorder, req *domain.Request, effSession string) *domain.Response {
	switch req.Command {
	case "lease_allocate", "lease_heartbeat", "lease_release":
		return p.handleLease(req)
	case "devices":
		return p.handleDevices(ctx, req)
	case "session_list":
		return p.handleSessionList(req)
	case "open":
		return p.handleOpen(ctx, rec, req, effSession)
	case "close":
		return p.handleClose(ctx, rec, req, effSession)
	case "boot":
		return p.handleBoot(ctx, rec, req, effSession)
	case "batch":
		return p.handleBatch(ctx, req, effSession)
	case "replay":
		return p.handleReplay(ctx, req, effSession)
	case "record":
		return p.handleRecord(ctx, req, effSession)
	case "trace":
		return p.handleTrace(req, effSession)
	case "logs":
		return p.handleLogs(ctx, req, effSession)
	case "perf":
		return p.handlePerf(req, effSession)
	case "trigger-app-event":
		return p.handleAppEvent(ctx, rec, req, effSession)
	default:
		return p.dispatchDefault(ctx, rec, req, effSession)
	}
}

// dispatchDefault is stage 7: look up the session, run the command on its
// device through the capability matrix.
func (p *Pipeline) dispatchDefault(ctx context.Context, rec *diag.Recorder, req *domain.Request, effSession string) *domain.Response {
	sess, ok := p.store.Get(effSession)
	if !ok {
		return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound,
			"no session named %q", effSession))
	}

	op := p.operation(req, sess, effSession)
	ec := p.execContext(ctx, req, sess)

	var result map[string]any
	err := rec.Time("dispatch", func() error {
		var derr error
		result, derr = p.disp.Dispatch(ec, sess.Device, op)
		return derr
	})
	if err != nil {
		return domain.FailResponse(err)
	}
	return domain.OkResponse(result)
}

// operation builds the backend operation, defaulting artifact output paths
// into the session directory.
func (p *Pipeline) operation(req *domain.Request, sess domain.Session, effSession string) dispatch.Operation {
	op := dispatch.Operation{
		Command:     req.Command,
		Positionals: req.Positionals,
		Flags:       req.Flags,
		OutPath:     req.Flags.String("out"),
	}
	if sess.App != nil {
		op.AppBundleID = sess.App.BundleID
	}
	if op.OutPath == "" {
		if ext, ok := artifactExt[req.Command]; ok {
			dir := p.store.SessionDir(effSession)
			_ = os.MkdirAll(dir, 0o755)
			op.OutPath = filepath.Join(dir,
				fmt.Sprintf("%s-%s.%s", req.Command, time.Now().Format("20060102-150405"), ext))
		}
	}
	return op
}

func (p *Pipeline) execContext(ctx context.Context, req *domain.Request, sess domain.Session) dispatch.ExecContext {
	id := req.Meta.RequestID
	return dispatch.ExecContext{
		Ctx:       ctx,
		RequestID: id,
		Canceled: func() bool {
			return p.cancels.IsCanceled(id)
		},
		Debug:         req.Meta.Debug,
		DaemonLogPath: p.logPath,
		TraceLogPath:  sess.TraceLog,
	}
}
