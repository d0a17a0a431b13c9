// Package procident identifies and stops daemon processes by PID without
// trusting PID reuse. Everything here is best-effort: callers get booleans
// and empty strings, never errors.
package procident

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DaemonMarker is the command-line substring that identifies a daemon of this
// codebase, matched against `ps -o command=` output.
const DaemonMarker = "agent-device daemon"

// IsLiveDaemon reports whether pid is a running daemon of this codebase.
// When expectedStartTime is non-empty the process start-time token must match
// too, which guards against PID reuse.
func IsLiveDaemon(pid int, expectedStartTime string) bool {
	if pid <= 0 {
		return false
	}
	cmdline := readCommandLine(pid)
	if cmdline == "" || !strings.Contains(cmdline, DaemonMarker) {
		return false
	}
	if expectedStartTime != "" {
		actual := ReadStartTime(pid)
		if actual == "" || actual != expectedStartTime {
			return false
		}
	}
	return true
}

// IsAlive reports whether any process exists with the given pid.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// ReadStartTime returns an opaque OS start-time token for the process, or ""
// if the process does not exist. Two tokens are equal iff they refer to the
// same live process.
func ReadStartTime(pid int) string {
	if pid <= 0 {
		return ""
	}
	out, err := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// readCommandLine returns the full command line for the process, or "".
func readCommandLine(pid int) string {
	out, err := exec.Command("ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// StopProcess sends SIGTERM, polls for exit within termTimeout, then SIGKILLs
// and polls within killTimeout. When expectedStartTime is non-empty and no
// longer matches, the target is treated as already gone. Returns regardless
// of whether the target ever existed.
func StopProcess(pid int, termTimeout, killTimeout time.Duration, expectedStartTime string) {
	if pid <= 0 {
		return
	}
	if expectedStartTime != "" && ReadStartTime(pid) != expectedStartTime {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}

	_ = proc.Signal(syscall.SIGTERM)
	if waitForExit(pid, termTimeout) {
		return
	}

	_ = proc.Signal(syscall.SIGKILL)
	waitForExit(pid, killTimeout)
}

// waitForExit polls until the process disappears or the deadline passes.
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !IsAlive(pid)
}

// CodeSignature fingerprints the daemon entry binary as
// "<relative-path>:<size>:<mtime-ms>". A changed fingerprint means the
// installed codebase moved on and a running daemon should be replaced.
func CodeSignature(entryPath, projectRoot string) string {
	info, err := os.Stat(entryPath)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(projectRoot, entryPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(entryPath)
	}
	return fmt.Sprintf("%s:%d:%d", rel, info.Size(), info.ModTime().UnixMilli())
}
