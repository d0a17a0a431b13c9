// Package daemon owns the long-lived server process: its singleton lock,
// metadata file, transport lifecycle and shutdown drain.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/procident"
)

const lockFileName = "daemon.lock"

// LockInfo is what the lock file records about its owner. The start time
// disambiguates a recycled pid.
type LockInfo struct {
	PID       int       `json:"pid"`
	StartTime string    `json:"startTime"`
	StartedAt time.Time `json:"startedAt"`
	Version   string    `json:"version"`
}

// ErrAlreadyRunning reports that a live daemon holds the lock.
var ErrAlreadyRunning = errors.New("another daemon is already running")

// Lock is the held singleton lock.
type Lock struct {
	path string
	log  *zap.Logger
}

// AcquireLock takes the singleton lock under stateDir. A lock held by a live
// daemon yields ErrAlreadyRunning; a stale lock from a dead or recycled pid
// is broken and retried once.
func AcquireLock(stateDir, version string, log *zap.Logger) (*Lock, error) {
	if log == nil {
		log = zap.NewNop()
	}
	path := filepath.Join(stateDir, lockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		if err := tryCreate(path, version); err == nil {
			return &Lock{path: path, log: log}, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("creating daemon lock: %w", err)
		}

		info, err := readLock(path)
		if err != nil {
			// Unreadable lock: treat as stale.
			log.Warn("removing unreadable daemon lock", zap.String("path", path), zap.Error(err))
			_ = os.Remove(path)
			continue
		}
		if procident.IsLiveDaemon(info.PID, info.StartTime) {
			return nil, ErrAlreadyRunning
		}
		log.Info("breaking stale daemon lock",
			zap.Int("pid", info.PID), zap.String("startedAt", info.StartedAt.Format(time.RFC3339)))
		_ = os.Remove(path)
	}
	return nil, errors.New("could not acquire daemon lock")
}

// Release removes the lock file.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("releasing daemon lock failed", zap.Error(err))
	}
}

// tryCreate writes the lock atomically via O_EXCL.
func tryCreate(path, version string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info := LockInfo{
		PID:       os.Getpid(),
		StartTime: procident.ReadStartTime(os.Getpid()),
		StartedAt: time.Now(),
		Version:   version,
	}
	return json.NewEncoder(f).Encode(info)
}

func readLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("lock file has no pid")
	}
	return &info, nil
}
