package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/proc"
)

// resultMarker prefixes the single stdout line the XCTest runner prints with
// its JSON result.
const resultMarker = "AGENT_DEVICE_RESULT:"

// Runner drives the XCTest harness that satisfies snapshot, find and
// interaction commands on iOS targets. One runner build serves many
// commands; each Execute is one test invocation against the harness.
type Runner struct {
	sup *proc.Supervisor
	log *zap.Logger

	mu     sync.Mutex
	active map[string]struct{} // in-flight request ids
}

// NewRunner creates the runner supervisor.
func NewRunner(sup *proc.Supervisor, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{sup: sup, log: log, active: make(map[string]struct{})}
}

// ActiveSessions returns the number of in-flight runner invocations.
func (r *Runner) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// SignalAbort interrupts every in-flight runner build. Transports call this
// repeatedly while draining a dropped connection.
func (r *Runner) SignalAbort() {
	for _, pid := range proc.RunnerBuildPIDs() {
		_ = syscall.Kill(pid, syscall.SIGINT)
	}
}

// Execute runs one command through the harness and parses the result line.
func (r *Runner) Execute(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if ec.Canceled != nil && ec.Canceled() {
		return nil, dispatch.CancelErr()
	}

	payload, err := json.Marshal(map[string]any{
		"command":     op.Command,
		"positionals": op.Positionals,
		"flags":       op.Flags,
		"bundleId":    op.AppBundleID,
		"out":         op.OutPath,
	})
	if err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "encoding runner command: %v", err)
	}

	cmdFile, err := os.CreateTemp("", "agent-device-runner-*.json")
	if err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "creating runner command file: %v", err)
	}
	defer func() { _ = os.Remove(cmdFile.Name()) }()
	if _, err := cmdFile.Write(payload); err != nil {
		_ = cmdFile.Close()
		return nil, domain.Errf(domain.CodeCommandFailed, "writing runner command file: %v", err)
	}
	_ = cmdFile.Close()

	args := []string{
		"test-without-building",
		"-xctestrun", runnerTestRunPath(),
		"-destination", "id=" + dev.ID,
		"-resultBundlePath", filepath.Join(os.TempDir(), fmt.Sprintf("agent-device-runner-%d", time.Now().UnixNano())),
	}

	if ec.RequestID != "" {
		r.mu.Lock()
		r.active[ec.RequestID] = struct{}{}
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.active, ec.RequestID)
			r.mu.Unlock()
		}()
	}

	result, err := r.sup.Run(ec.Ctx, "xcodebuild", args, proc.RunOptions{
		Profile: "runner_build",
		Env: []string{
			"AGENT_DEVICE_RUNNER_COMMAND_FILE=" + cmdFile.Name(),
			"AGENT_DEVICE_RUNNER_UDID=" + dev.ID,
		},
	})
	if err != nil {
		if ec.Canceled != nil && ec.Canceled() {
			return nil, dispatch.CancelErr()
		}
		return nil, err
	}

	return parseRunnerResult(result.Stdout)
}

// parseRunnerResult extracts the marker line from xcodebuild output.
func parseRunnerResult(stdout string) (map[string]any, error) {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, resultMarker) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, resultMarker))
		if !gjson.Valid(raw) {
			return nil, domain.Errf(domain.CodeCommandFailed, "runner emitted malformed result JSON")
		}
		if errMsg := gjson.Get(raw, "error.message"); errMsg.Exists() {
			code := domain.CodeCommandFailed
			if c := gjson.Get(raw, "error.code"); c.Exists() {
				code = domain.ErrorCode(c.String())
			}
			return nil, domain.Errf(code, "%s", errMsg.String())
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, domain.Errf(domain.CodeCommandFailed, "decoding runner result: %v", err)
		}
		return data, nil
	}
	return nil, domain.Errf(domain.CodeCommandFailed, "runner produced no result").
		WithHint("The XCTest harness may not be installed on this device; rerun with --debug for the build log.")
}

// runnerTestRunPath locates the prebuilt harness xctestrun next to the
// binary, falling back to the conventional DerivedData drop.
func runnerTestRunPath() string {
	if p := os.Getenv("AGENT_DEVICE_RUNNER_XCTESTRUN"); p != "" {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return "AgentDeviceRunner.xctestrun"
	}
	return filepath.Join(filepath.Dir(exe), "runner", "AgentDeviceRunner.xctestrun")
}
