// Package backend implements the platform backends the dispatcher routes to.
// Each backend shells out to its vendor tooling through the process
// supervisor and returns opaque result maps; argument-level fidelity to the
// tools lives here and nowhere else.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"howett.net/plist"

	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/proc"
)

// IOSSimulator drives `xcrun simctl` plus the XCTest runner for UI work.
type IOSSimulator struct {
	sup    *proc.Supervisor
	log    *zap.Logger
	runner *Runner
}

// NewIOSSimulator creates the simulator backend.
func NewIOSSimulator(sup *proc.Supervisor, log *zap.Logger) *IOSSimulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &IOSSimulator{sup: sup, log: log, runner: NewRunner(sup, log)}
}

// Name implements dispatch.Backend.
func (b *IOSSimulator) Name() string { return domain.BackendIOSSimulator }

// Runner exposes the XCTest harness supervisor so transports can signal
// aborts on client disconnect.
func (b *IOSSimulator) Runner() *Runner { return b.runner }

// simctlDevicesResponse matches `xcrun simctl list devices --json` output.
type simctlDevicesResponse struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

type simctlDevice struct {
	UDID        string `json:"udid"`
	Name        string `json:"name"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

// Discover implements dispatch.Backend.
func (b *IOSSimulator) Discover(ctx context.Context, scope dispatch.DiscoveryScope) ([]domain.Device, error) {
	args := []string{"simctl"}
	if scope.SimulatorSet != "" {
		args = append(args, "--set", scope.SimulatorSet)
	}
	args = append(args, "list", "devices", "--json")

	result, err := b.sup.Run(ctx, "xcrun", args, proc.RunOptions{Profile: "ios_simctl"})
	if err != nil {
		return nil, err
	}

	var resp simctlDevicesResponse
	if err := json.Unmarshal([]byte(result.Stdout), &resp); err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "parsing simctl device list: %v", err)
	}

	var devices []domain.Device
	for runtime, devs := range resp.Devices {
		target := domain.TargetMobile
		if strings.Contains(runtime, "tvOS") {
			target = domain.TargetTV
		}
		for _, d := range devs {
			if !d.IsAvailable {
				continue
			}
			devices = append(devices, domain.Device{
				Platform:     domain.PlatformIOS,
				ID:           d.UDID,
				Name:         d.Name,
				Kind:         domain.KindSimulator,
				Target:       target,
				Booted:       d.State == "Booted",
				SimulatorSet: scope.SimulatorSet,
			})
		}
	}
	return devices, nil
}

// Execute implements dispatch.Backend.
func (b *IOSSimulator) Execute(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if ec.Canceled != nil && ec.Canceled() {
		return nil, dispatch.CancelErr()
	}

	switch op.Command {
	case "boot":
		return b.boot(ec, dev)
	case "open":
		return b.open(ec, dev, op)
	case "close":
		return b.terminate(ec, dev, op)
	case "apps":
		return b.listApps(ec, dev)
	case "appstate":
		return b.appState(ec, dev, op)
	case "screenshot":
		return b.screenshot(ec, dev, op)
	case "push":
		return b.push(ec, dev, op)
	case "settings":
		return b.settings(ec, dev, op)
	case "clipboard":
		return b.clipboard(ec, dev, op)
	case "reinstall":
		return b.reinstall(ec, dev, op)
	case "openurl":
		return b.openURL(ec, dev, op)
	default:
		// Snapshot, find and interaction commands go through the runner.
		return b.runner.Execute(ec, dev, op)
	}
}

func (b *IOSSimulator) simctl(ec dispatch.ExecContext, dev domain.Device, args ...string) (*proc.RunResult, error) {
	full := []string{"simctl"}
	if dev.SimulatorSet != "" {
		full = append(full, "--set", dev.SimulatorSet)
	}
	full = append(full, args...)
	return b.sup.Run(ec.Ctx, "xcrun", full, proc.RunOptions{Profile: "ios_simctl"})
}

func (b *IOSSimulator) boot(ec dispatch.ExecContext, dev domain.Device) (map[string]any, error) {
	result, err := b.simctl(ec, dev, "boot", dev.ID)
	if err != nil {
		// Booting an already-booted simulator is not a failure.
		if result != nil && strings.Contains(result.Stderr, "current state: Booted") {
			return map[string]any{"booted": true, "alreadyBooted": true}, nil
		}
		return nil, err
	}
	if err := b.waitForBoot(ec, dev); err != nil {
		return nil, err
	}
	return map[string]any{"booted": true}, nil
}

// waitForBoot polls `simctl bootstatus` until the device settles.
func (b *IOSSimulator) waitForBoot(ec dispatch.ExecContext, dev domain.Device) error {
	_, err := b.sup.Run(ec.Ctx, "xcrun",
		[]string{"simctl", "bootstatus", dev.ID, "-b"},
		proc.RunOptions{Timeout: 120 * time.Second})
	return err
}

func (b *IOSSimulator) open(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	bundleID, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	if !dev.Booted {
		if _, err := b.boot(ec, dev); err != nil {
			return nil, err
		}
	}
	started := time.Now()
	result, err := b.simctl(ec, dev, "launch", dev.ID, bundleID)
	if err != nil {
		if result != nil && strings.Contains(result.Stderr, "found nothing") {
			return nil, domain.Errf(domain.CodeAppNotInstalled, "app %s is not installed", bundleID)
		}
		return nil, err
	}
	return map[string]any{
		"bundleId": bundleID,
		"startup":  map[string]any{"durationMs": float64(time.Since(started).Milliseconds())},
	}, nil
}

func (b *IOSSimulator) terminate(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	bundleID, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	result, err := b.sup.Run(ec.Ctx, "xcrun",
		[]string{"simctl", "terminate", dev.ID, bundleID},
		proc.RunOptions{Profile: "ios_simctl", AllowFailure: true})
	if err != nil {
		return nil, err
	}
	// Exit code 3 means the app was not running; closing is idempotent.
	return map[string]any{"bundleId": bundleID, "wasRunning": result.ExitCode == 0}, nil
}

// plistAppInfo is the structure from `simctl listapps` plist output.
type plistAppInfo struct {
	ApplicationType   string `plist:"ApplicationType"`
	BundleIdentifier  string `plist:"CFBundleIdentifier"`
	BundleName        string `plist:"CFBundleName"`
	BundleDisplayName string `plist:"CFBundleDisplayName"`
	BundleVersion     string `plist:"CFBundleVersion"`
}

func (b *IOSSimulator) listApps(ec dispatch.ExecContext, dev domain.Device) (map[string]any, error) {
	result, err := b.simctl(ec, dev, "listapps", dev.ID)
	if err != nil {
		return nil, err
	}

	var appsDict map[string]plistAppInfo
	if _, err := plist.Unmarshal([]byte(result.Stdout), &appsDict); err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "parsing listapps plist: %v", err)
	}

	apps := make([]map[string]any, 0, len(appsDict))
	for _, info := range appsDict {
		if info.ApplicationType != "User" {
			continue
		}
		name := info.BundleDisplayName
		if name == "" {
			name = info.BundleName
		}
		apps = append(apps, map[string]any{
			"bundleId": info.BundleIdentifier,
			"name":     name,
			"version":  info.BundleVersion,
		})
	}
	return map[string]any{"apps": apps}, nil
}

func (b *IOSSimulator) appState(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	bundleID, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	result, err := b.sup.Run(ec.Ctx, "xcrun",
		[]string{"simctl", "spawn", dev.ID, "launchctl", "list"},
		proc.RunOptions{Profile: "ios_simctl"})
	if err != nil {
		return nil, err
	}
	running := strings.Contains(result.Stdout, bundleID)
	state := "not-running"
	if running {
		state = "foreground"
	}
	return map[string]any{"bundleId": bundleID, "state": state}, nil
}

func (b *IOSSimulator) screenshot(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	out := op.OutPath
	if out == "" {
		out = filepath.Join(".", fmt.Sprintf("screenshot-%d.png", time.Now().UnixMilli()))
	}
	if _, err := b.simctl(ec, dev, "io", dev.ID, "screenshot", out); err != nil {
		return nil, err
	}
	return map[string]any{"path": out}, nil
}

func (b *IOSSimulator) push(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	bundleID, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	payload := op.Flags.String("payload")
	if payload == "" && len(op.Positionals) > 0 {
		payload = op.Positionals[0]
	}
	if payload == "" {
		return nil, domain.Errf(domain.CodeInvalidArgs, "push requires a JSON payload")
	}
	_, err = b.sup.Run(ec.Ctx, "xcrun",
		[]string{"simctl", "push", dev.ID, bundleID, "-"},
		proc.RunOptions{Profile: "ios_simctl", Stdin: payload})
	if err != nil {
		return nil, err
	}
	return map[string]any{"delivered": true}, nil
}

func (b *IOSSimulator) settings(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if len(op.Positionals) < 1 {
		return nil, domain.Errf(domain.CodeInvalidArgs, "settings requires a service name")
	}
	service := op.Positionals[0]
	action := op.Flags.String("action")
	if action == "" {
		action = "grant"
	}
	bundleID := op.AppBundleID
	args := []string{"simctl", "privacy", dev.ID, action, service}
	if bundleID != "" {
		args = append(args, bundleID)
	}
	if _, err := b.sup.Run(ec.Ctx, "xcrun", args, proc.RunOptions{Profile: "ios_simctl"}); err != nil {
		return nil, err
	}
	return map[string]any{"service": service, "action": action}, nil
}

func (b *IOSSimulator) clipboard(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if text := op.Flags.String("set"); text != "" {
		_, err := b.sup.Run(ec.Ctx, "xcrun",
			[]string{"simctl", "pbcopy", dev.ID},
			proc.RunOptions{Profile: "ios_simctl", Stdin: text})
		if err != nil {
			return nil, err
		}
		return map[string]any{"set": true}, nil
	}
	result, err := b.simctl(ec, dev, "pbpaste", dev.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": result.Stdout}, nil
}

func (b *IOSSimulator) reinstall(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	appPath := op.Flags.String("path")
	if appPath == "" {
		return nil, domain.Errf(domain.CodeInvalidArgs, "reinstall requires --path to an .app bundle")
	}
	if bundleID := op.AppBundleID; bundleID != "" {
		_, _ = b.sup.Run(ec.Ctx, "xcrun",
			[]string{"simctl", "uninstall", dev.ID, bundleID},
			proc.RunOptions{Profile: "ios_simctl", AllowFailure: true})
	}
	if _, err := b.simctl(ec, dev, "install", dev.ID, appPath); err != nil {
		return nil, err
	}
	return map[string]any{"installed": appPath}, nil
}

func (b *IOSSimulator) openURL(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if len(op.Positionals) < 1 {
		return nil, domain.Errf(domain.CodeInvalidArgs, "openurl requires a URL")
	}
	if _, err := b.simctl(ec, dev, "openurl", dev.ID, op.Positionals[0]); err != nil {
		return nil, err
	}
	return map[string]any{"url": op.Positionals[0]}, nil
}

// StartRecording launches `simctl io recordVideo` and returns the handle.
func (b *IOSSimulator) StartRecording(dev domain.Device, outputPath string) (*domain.Recording, error) {
	cmd, err := b.sup.StartStreaming("xcrun",
		[]string{"simctl", "io", dev.ID, "recordVideo", "--force", outputPath}, outputPath+".log")
	if err != nil {
		return nil, err
	}
	return &domain.Recording{
		Platform:   domain.PlatformIOS,
		OutputPath: outputPath,
		PID:        cmd.Process.Pid,
	}, nil
}

// StartLogStream attaches `log stream` inside the simulator, writing ndjson
// lines to outputPath.
func (b *IOSSimulator) StartLogStream(dev domain.Device, bundleID, outputPath string) (*domain.AppLog, error) {
	args := []string{"simctl", "spawn", dev.ID, "log", "stream", "--style", "ndjson"}
	if bundleID != "" {
		args = append(args, "--predicate", fmt.Sprintf("subsystem == %q", bundleID))
	}
	cmd, err := b.sup.StartStreaming("xcrun", args, outputPath)
	if err != nil {
		return nil, err
	}
	return &domain.AppLog{
		Backend:    "simctl",
		OutputPath: outputPath,
		State:      domain.AppLogRunning,
		PID:        cmd.Process.Pid,
	}, nil
}

func requireBundleID(op dispatch.Operation) (string, error) {
	if len(op.Positionals) > 0 && strings.Contains(op.Positionals[0], ".") {
		return op.Positionals[0], nil
	}
	if op.AppBundleID != "" {
		return op.AppBundleID, nil
	}
	if len(op.Positionals) > 0 {
		return op.Positionals[0], nil
	}
	return "", domain.Errf(domain.CodeInvalidArgs, "no app bundle id in request or session")
}
