package session

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/procident"
)

// pidStashName is written next to app.log when a log-stream process starts,
// so a crashed daemon leaves a breadcrumb for the next one.
const pidStashName = "app.log.pid"

// StashStreamPID records the pid of a log-stream process for the session.
func (s *Store) StashStreamPID(name string, pid int) {
	dir := s.SessionDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, pidStashName), []byte(strconv.Itoa(pid)), 0o644)
}

// ClearStreamPID removes the stashed pid once the stream is stopped cleanly.
func (s *Store) ClearStreamPID(name string) {
	_ = os.Remove(filepath.Join(s.SessionDir(name), pidStashName))
}

// SweepOrphanStreams walks <state-dir>/sessions/*/app.log.pid stashes and
// terminates any process that is still alive but has no live session. Run
// once at daemon startup, before transports come up.
func (s *Store) SweepOrphanStreams() {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stash := filepath.Join(s.SessionsDir(), entry.Name(), pidStashName)
		data, err := os.ReadFile(stash)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 0 {
			_ = os.Remove(stash)
			continue
		}
		if _, live := s.Get(entry.Name()); live {
			continue
		}
		if procident.IsAlive(pid) {
			s.log.Info("terminating orphaned log stream",
				zap.String("session", entry.Name()), zap.Int("pid", pid))
			procident.StopProcess(pid, 2*time.Second, 2*time.Second, "")
		}
		_ = os.Remove(stash)
	}
}
