package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdevice/agent-device/internal/backend"
	"github.com/agentdevice/agent-device/internal/config"
	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/lease"
	"github.com/agentdevice/agent-device/internal/pipeline"
	"github.com/agentdevice/agent-device/internal/proc"
	"github.com/agentdevice/agent-device/internal/procident"
	"github.com/agentdevice/agent-device/internal/session"
	"github.com/agentdevice/agent-device/internal/transport"
)

const drainTimeout = 5 * time.Second

// Daemon is the assembled control plane: store, lease registry, backends,
// pipeline and transports.
type Daemon struct {
	cfg     *config.Config
	log     *zap.Logger
	logPath string
	version string

	store  *session.Store
	leases *lease.Registry
	sup    *proc.Supervisor
	pipe   *pipeline.Pipeline

	socket *transport.SocketServer
	http   *transport.HTTPServer
	token  string
}

// New wires the daemon from configuration. Nothing listens yet.
func New(cfg *config.Config, log *zap.Logger, logPath, version string) *Daemon {
	sup := proc.NewSupervisor(log)
	store := session.NewStore(cfg.StateDir, log)
	leases := lease.NewRegistry(lease.Limits{
		DefaultTTL:    time.Duration(cfg.Lease.TTLMs) * time.Millisecond,
		MinTTL:        time.Duration(cfg.Lease.MinTTLMs) * time.Millisecond,
		MaxTTL:        time.Duration(cfg.Lease.MaxTTLMs) * time.Millisecond,
		MaxPerBackend: cfg.Lease.MaxSimulatorLeases,
	})

	iosSim := backend.NewIOSSimulator(sup, log)
	iosDev := backend.NewIOSDevice(sup, log)
	android := backend.NewAndroid(sup, log)
	disp := dispatch.NewDispatcher(log, iosSim, iosDev, android)

	token := newToken()
	pipe := pipeline.New(cfg, log, pipeline.Options{
		Token:         token,
		DaemonLogPath: logPath,
		Store:         store,
		Leases:        leases,
		Dispatcher:    disp,
		Supervisor:    sup,
		IOSSimulator:  iosSim,
		IOSDevice:     iosDev,
		Android:       android,
	})

	d := &Daemon{
		cfg:     cfg,
		log:     log,
		logPath: logPath,
		version: version,
		store:   store,
		leases:  leases,
		sup:     sup,
		pipe:    pipe,
		token:   token,
	}

	mode := cfg.ServerMode
	if mode == "" {
		mode = "socket"
	}
	if mode == "socket" || mode == "dual" {
		d.socket = transport.NewSocketServer(log, pipe, pipe.Cancels(),
			iosSim.Runner(), iosDev.Runner())
	}
	if mode == "http" || mode == "dual" {
		var hook *transport.AuthHook
		if cfg.AuthHookPath != "" {
			hook = transport.NewAuthHook(log, cfg.AuthHookPath, cfg.AuthHookExport)
		}
		d.http = transport.NewHTTPServer(log, pipe, pipe.Cancels(), hook)
	}
	return d
}

// Run starts the daemon and blocks until a shutdown signal or a transport
// failure. One signal drains cleanly; state left by a previous crash is swept
// before anything listens.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.cfg.StateDir, d.version, d.log)
	if err != nil {
		return err
	}
	defer lock.Release()

	d.sup.SweepRunnerOrphans()
	d.store.SweepOrphanStreams()

	meta := &Metadata{
		Transport:        d.transportMode(),
		Token:            d.token,
		PID:              os.Getpid(),
		ProcessStartTime: procident.ReadStartTime(os.Getpid()),
		Version:          d.version,
		CodeSignature:    binarySignature(),
		StateDir:         d.cfg.StateDir,
	}

	if d.socket != nil {
		port, err := d.socket.Listen()
		if err != nil {
			return fmt.Errorf("binding socket transport: %w", err)
		}
		meta.Port = port
	}
	if d.http != nil {
		port, err := d.http.Listen()
		if err != nil {
			return fmt.Errorf("binding http transport: %w", err)
		}
		meta.HTTPPort = port
	}

	if err := WriteMetadata(d.cfg.StateDir, meta); err != nil {
		return err
	}
	defer RemoveMetadata(d.cfg.StateDir)

	// Clients launching the daemon scrape these lines from stdout before the
	// metadata file settles.
	if meta.Port > 0 {
		fmt.Printf("AGENT_DEVICE_DAEMON_PORT=%d\n", meta.Port)
	}
	if meta.HTTPPort > 0 {
		fmt.Printf("AGENT_DEVICE_DAEMON_HTTP_PORT=%d\n", meta.HTTPPort)
	}

	d.log.Info("daemon up",
		zap.String("version", d.version),
		zap.String("transport", meta.Transport),
		zap.Int("port", meta.Port),
		zap.Int("httpPort", meta.HTTPPort),
		zap.String("stateDir", d.cfg.StateDir))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if d.socket != nil {
		g.Go(d.socket.Serve)
	}
	if d.http != nil {
		g.Go(d.http.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		d.drain()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	d.log.Info("daemon stopped")
	return nil
}

func (d *Daemon) transportMode() string {
	switch {
	case d.socket != nil && d.http != nil:
		return "dual"
	case d.http != nil:
		return "http"
	default:
		return "socket"
	}
}

// drain closes the transports, persists session journals and winds down
// every child process the daemon still owns.
func (d *Daemon) drain() {
	d.log.Info("draining")

	if d.socket != nil {
		if err := d.socket.Close(); err != nil {
			d.log.Warn("socket close failed", zap.Error(err))
		}
	}
	if d.http != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := d.http.Close(shutdownCtx); err != nil {
			d.log.Warn("http shutdown failed", zap.Error(err))
		}
		cancel()
	}

	for _, sess := range d.store.List() {
		if sess.Recording != nil && sess.Recording.PID > 0 {
			d.sup.Stop(sess.Recording.PID, drainTimeout)
		}
		if sess.AppLog != nil && sess.AppLog.State == domain.AppLogRunning && sess.AppLog.PID > 0 {
			d.sup.Stop(sess.AppLog.PID, drainTimeout)
			d.store.ClearStreamPID(sess.Name)
		}
		if _, err := d.store.WriteSessionLog(sess.Name, ""); err != nil {
			d.log.Warn("persisting session journal failed",
				zap.String("session", sess.Name), zap.Error(err))
		}
	}

	d.sup.SweepRunnerOrphans()
}

// newToken mints the per-run daemon auth token.
func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// binarySignature fingerprints the running executable for upgrade detection.
func binarySignature() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return procident.CodeSignature(exe, "")
}
