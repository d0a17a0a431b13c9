// Package client connects CLI invocations to the daemon: it finds or starts
// one, validates that it matches the installed binary, and sends one-shot
// requests over whichever transport is up.
package client

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/config"
	"github.com/agentdevice/agent-device/internal/daemon"
	"github.com/agentdevice/agent-device/internal/proc"
	"github.com/agentdevice/agent-device/internal/procident"
)

const (
	startupBudget  = 5 * time.Second
	startupPoll    = 100 * time.Millisecond
	takeoverGrace  = 3 * time.Second
	takeoverForced = 2 * time.Second
)

// Bootstrap returns a Client talking to a live, current daemon, launching or
// replacing one as needed.
func Bootstrap(cfg *config.Config, version string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}

	meta, err := daemon.ReadMetadata(cfg.StateDir)
	if err == nil {
		if procident.IsLiveDaemon(meta.PID, meta.ProcessStartTime) {
			if current(meta, version) {
				return newClient(cfg, meta, log), nil
			}
			// The installed binary moved on; replace the old daemon.
			log.Info("replacing outdated daemon",
				zap.Int("pid", meta.PID),
				zap.String("daemonVersion", meta.Version),
				zap.String("clientVersion", version))
			procident.StopProcess(meta.PID, takeoverGrace, takeoverForced, meta.ProcessStartTime)
		}
		daemon.RemoveMetadata(cfg.StateDir)
	} else if !os.IsNotExist(err) {
		// Corrupt metadata from a crashed daemon; start fresh.
		daemon.RemoveMetadata(cfg.StateDir)
	}

	if err := launchDaemon(cfg, log); err != nil {
		return nil, err
	}

	meta, err = awaitMetadata(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, meta, log), nil
}

// current reports whether a running daemon matches this client's build.
func current(meta *daemon.Metadata, version string) bool {
	if meta.Version != version {
		return false
	}
	if meta.CodeSignature == "" {
		return true
	}
	exe, err := os.Executable()
	if err != nil {
		return true
	}
	return procident.CodeSignature(exe, "") == meta.CodeSignature
}

// launchDaemon starts a detached daemon process running this same binary.
func launchDaemon(cfg *config.Config, log *zap.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary: %w", err)
	}

	env := append(os.Environ(), "AGENT_DEVICE_STATE_DIR="+cfg.StateDir)
	sup := proc.NewSupervisor(log)
	pid, err := sup.RunDetached(exe, []string{"daemon"}, env)
	if err != nil {
		return fmt.Errorf("launching daemon: %w", err)
	}
	log.Debug("daemon launched", zap.Int("pid", pid))
	return nil
}

// awaitMetadata waits for the freshly launched daemon to publish its
// handshake, watching the directory and polling as a fallback for platforms
// where rename events are unreliable.
func awaitMetadata(stateDir string) (*daemon.Metadata, error) {
	deadline := time.Now().Add(startupBudget)

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer func() { _ = watcher.Close() }()
		_ = os.MkdirAll(stateDir, 0o700)
		_ = watcher.Add(stateDir)
	}

	metaPath := daemon.MetadataPath(stateDir)
	for {
		if meta, err := daemon.ReadMetadata(stateDir); err == nil {
			return meta, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("daemon did not publish %s within %s",
				filepath.Base(metaPath), startupBudget)
		}

		if watcher != nil {
			select {
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-time.After(minDuration(startupPoll, remaining)):
			}
		} else {
			time.Sleep(minDuration(startupPoll, remaining))
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
