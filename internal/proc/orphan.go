package proc

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// runnerPatterns narrowly matches XCTest runner builds spawned for
// snapshot/interaction commands. Anything else named xcodebuild is left
// alone.
var runnerPatterns = []string{
	"xcodebuild.*AgentDeviceRunner",
	"xcodebuild.*agent-device-runner",
}

// SweepRunnerOrphans terminates leftover runner builds. Called by both the
// client and the daemon when a request exceeds its budget, and by the daemon
// at startup.
func (s *Supervisor) SweepRunnerOrphans() int {
	killed := 0
	for _, pattern := range runnerPatterns {
		for _, pid := range pgrep(pattern) {
			s.log.Info("terminating orphaned runner build", zap.Int("pid", pid), zap.String("pattern", pattern))
			s.Stop(pid, 3*time.Second)
			killed++
		}
	}
	return killed
}

// RunnerBuildPIDs returns the pids of live runner builds without touching
// them. Used to signal aborts on client disconnect.
func RunnerBuildPIDs() []int {
	var pids []int
	for _, pattern := range runnerPatterns {
		pids = append(pids, pgrep(pattern)...)
	}
	return pids
}

// pgrep returns pids whose full command line matches the pattern. Missing
// pgrep or no matches both yield an empty slice.
func pgrep(pattern string) []int {
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}
