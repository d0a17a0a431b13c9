package cli

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/agentdevice/agent-device/internal/daemon"
	"github.com/agentdevice/agent-device/internal/procident"
)

// DoctorCmd checks vendor tooling and daemon health without mutating
// anything.
type DoctorCmd struct{}

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Hint   string `json:"hint,omitempty"`
}

// Run executes the doctor command.
func (c *DoctorCmd) Run(globals *Globals) error {
	checks := []doctorCheck{
		toolCheck("xcrun", "iOS tooling",
			"Install Xcode Command Line Tools: xcode-select --install"),
		toolCheck("xcodebuild", "XCTest runner builds",
			"Install Xcode from the App Store"),
		toolCheck("adb", "Android tooling",
			"Install Android platform-tools and add them to PATH"),
		c.daemonCheck(globals),
	}
	if runtime.GOOS != "darwin" {
		// iOS tooling cannot exist off macOS; soften those findings.
		for i := range checks {
			if checks[i].Name == "xcrun" || checks[i].Name == "xcodebuild" {
				checks[i].Hint = "iOS backends require macOS; Android remains available"
			}
		}
	}

	if globals.Format == "ndjson" {
		for _, check := range checks {
			if err := globals.EmitJSON(check); err != nil {
				return err
			}
		}
		return nil
	}

	failed := false
	for _, check := range checks {
		mark := "ok"
		if !check.OK {
			mark = "MISSING"
			failed = true
		}
		fmt.Fprintf(globals.Stdout, "%-12s %-8s %s\n", check.Name, mark, check.Detail)
		if !check.OK && check.Hint != "" {
			fmt.Fprintf(globals.Stdout, "             hint: %s\n", check.Hint)
		}
	}
	if failed {
		return errExit
	}
	return nil
}

func toolCheck(tool, detail, hint string) doctorCheck {
	path, err := exec.LookPath(tool)
	if err != nil {
		return doctorCheck{Name: tool, OK: false, Detail: detail, Hint: hint}
	}
	return doctorCheck{Name: tool, OK: true, Detail: path}
}

func (c *DoctorCmd) daemonCheck(globals *Globals) doctorCheck {
	meta, err := daemon.ReadMetadata(globals.Config.StateDir)
	if err != nil {
		return doctorCheck{
			Name: "daemon", OK: false,
			Detail: "not running",
			Hint:   "It starts automatically on the first device command.",
		}
	}
	if !procident.IsLiveDaemon(meta.PID, meta.ProcessStartTime) {
		return doctorCheck{
			Name: "daemon", OK: false,
			Detail: fmt.Sprintf("stale metadata (pid %d is gone)", meta.PID),
			Hint:   "The next device command will restart it.",
		}
	}
	return doctorCheck{
		Name: "daemon", OK: true,
		Detail: fmt.Sprintf("pid %d, %s transport, version %s", meta.PID, meta.Transport, meta.Version),
	}
}
