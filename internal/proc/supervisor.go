// Package proc supervises the external tooling every backend shells out to:
// run-to-completion with deadlines, detached launches, polite-then-forceful
// kills and the orphan sweep for runner builds.
package proc

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/domain"
)

// RunOptions configures a supervised subprocess run.
type RunOptions struct {
	Env   []string // appended to the inherited environment
	Stdin string
	// AllowFailure suppresses the COMMAND_FAILED error on nonzero exit; the
	// caller inspects ExitCode instead.
	AllowFailure bool
	Timeout      time.Duration
	// Profile selects a named timeout profile when Timeout is zero.
	Profile string
}

// RunResult is the outcome of a completed subprocess.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// timeoutProfiles maps operation profiles to wall-clock budgets. Zero-valued
// lookups fall back to defaultTimeout.
var timeoutProfiles = map[string]time.Duration{
	"android_boot":   180 * time.Second,
	"android_shell":  30 * time.Second,
	"ios_simctl":     60 * time.Second,
	"ios_devicectl":  90 * time.Second,
	"ios_app_launch": 60 * time.Second,
	"runner_build":   600 * time.Second,
}

const defaultTimeout = 30 * time.Second

// Supervisor runs and tracks external tooling processes.
type Supervisor struct {
	log *zap.Logger
}

// NewSupervisor creates a Supervisor. A nil logger is replaced by a no-op.
func NewSupervisor(log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{log: log}
}

// Run executes bin with args to completion, bounded by the options' timeout.
// On deadline the process group gets SIGTERM, then SIGKILL two seconds later.
func (s *Supervisor) Run(ctx context.Context, bin string, args []string, opts RunOptions) (*RunResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		if t, ok := timeoutProfiles[opts.Profile]; ok {
			timeout = t
		} else {
			timeout = defaultTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	// Own process group so a kill reaches children (simctl spawns helpers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return terminateGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 2 * time.Second
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	s.log.Debug("subprocess finished",
		zap.String("bin", bin),
		zap.Strings("args", args),
		zap.Int("exitCode", result.ExitCode),
		zap.Duration("duration", time.Since(started)))

	switch {
	case err == nil:
		return result, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, domain.Errf(domain.CodeCommandFailed, "%s timed out after %s", bin, timeout).
			WithDetails(map[string]any{"cmd": commandLine(bin, args), "timeoutMs": timeout.Milliseconds()})
	case isNotFound(err):
		return result, domain.Errf(domain.CodeToolMissing, "%s not found on PATH", bin)
	case opts.AllowFailure:
		return result, nil
	default:
		return result, domain.Errf(domain.CodeCommandFailed, "%s exited with code %d", bin, result.ExitCode).
			WithDetails(map[string]any{
				"cmd":      commandLine(bin, args),
				"exitCode": result.ExitCode,
				"stderr":   truncate(result.Stderr, 2000),
				"subprocess": true,
			})
	}
}

// RunDetached starts bin in its own session and does not wait. Used for the
// Android emulator and for relaunching the daemon.
func (s *Supervisor) RunDetached(bin string, args []string, env []string) (int, error) {
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			return 0, domain.Errf(domain.CodeToolMissing, "%s not found on PATH", bin)
		}
		return 0, domain.Errf(domain.CodeCommandFailed, "starting %s: %v", bin, err)
	}
	pid := cmd.Process.Pid
	s.log.Debug("detached subprocess started", zap.String("bin", bin), zap.Int("pid", pid))
	// Reap in the background so the child never zombifies.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// StartStreaming starts bin with stdout redirected to a file and returns the
// running command. The caller owns termination.
func (s *Supervisor) StartStreaming(bin string, args []string, outputPath string) (*exec.Cmd, error) {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "opening %s: %v", outputPath, err)
	}
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		_ = f.Close()
		if isNotFound(err) {
			return nil, domain.Errf(domain.CodeToolMissing, "%s not found on PATH", bin)
		}
		return nil, domain.Errf(domain.CodeCommandFailed, "starting %s: %v", bin, err)
	}
	go func() {
		_ = cmd.Wait()
		_ = f.Close()
	}()
	s.log.Debug("streaming subprocess started", zap.String("bin", bin), zap.Int("pid", cmd.Process.Pid))
	return cmd, nil
}

// Stop terminates a process group politely, then forcibly.
func (s *Supervisor) Stop(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func terminateGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return syscall.Kill(pid, syscall.SIGTERM)
	}
	return nil
}

func isNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var ee *exec.Error
	return errors.As(err, &ee) && errors.Is(ee.Err, exec.ErrNotFound)
}

func commandLine(bin string, args []string) string {
	return bin + " " + strings.Join(args, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
