package backend

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/proc"
)

// IOSDevice drives physical hardware through `xcrun devicectl`. The
// capability matrix already rejects simulator-only commands before they get
// here.
type IOSDevice struct {
	sup    *proc.Supervisor
	log    *zap.Logger
	runner *Runner
}

// NewIOSDevice creates the physical-device backend.
func NewIOSDevice(sup *proc.Supervisor, log *zap.Logger) *IOSDevice {
	if log == nil {
		log = zap.NewNop()
	}
	return &IOSDevice{sup: sup, log: log, runner: NewRunner(sup, log)}
}

// Name implements dispatch.Backend.
func (b *IOSDevice) Name() string { return "ios-device" }

// Runner exposes the XCTest harness supervisor for disconnect aborts.
func (b *IOSDevice) Runner() *Runner { return b.runner }

// devicectlListResponse matches `devicectl list devices --json-output`.
type devicectlListResponse struct {
	Result struct {
		Devices []struct {
			Identifier     string `json:"identifier"`
			DeviceProperties struct {
				Name string `json:"name"`
			} `json:"deviceProperties"`
			ConnectionProperties struct {
				TunnelState string `json:"tunnelState"`
			} `json:"connectionProperties"`
			Hardware struct {
				ProductType string `json:"productType"`
			} `json:"hardwareProperties"`
		} `json:"devices"`
	} `json:"result"`
}

// Discover implements dispatch.Backend.
func (b *IOSDevice) Discover(ctx context.Context, scope dispatch.DiscoveryScope) ([]domain.Device, error) {
	tmp, err := os.CreateTemp("", "devicectl-*.json")
	if err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "creating devicectl output file: %v", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	_ = tmp.Close()

	_, err = b.sup.Run(ctx, "xcrun",
		[]string{"devicectl", "list", "devices", "--json-output", tmp.Name()},
		proc.RunOptions{Profile: "ios_devicectl"})
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "reading devicectl output: %v", err)
	}
	var resp devicectlListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, domain.Errf(domain.CodeCommandFailed, "parsing devicectl device list: %v", err)
	}

	var devices []domain.Device
	for _, d := range resp.Result.Devices {
		target := domain.TargetMobile
		if strings.HasPrefix(d.Hardware.ProductType, "AppleTV") {
			target = domain.TargetTV
		}
		devices = append(devices, domain.Device{
			Platform: domain.PlatformIOS,
			ID:       d.Identifier,
			Name:     d.DeviceProperties.Name,
			Kind:     domain.KindDevice,
			Target:   target,
			Booted:   d.ConnectionProperties.TunnelState == "connected",
		})
	}
	return devices, nil
}

// Execute implements dispatch.Backend.
func (b *IOSDevice) Execute(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if ec.Canceled != nil && ec.Canceled() {
		return nil, dispatch.CancelErr()
	}

	switch op.Command {
	case "boot":
		// Physical devices boot themselves; report the connection state.
		return map[string]any{"booted": dev.Booted}, nil
	case "open":
		return b.open(ec, dev, op)
	case "close":
		return b.terminate(ec, dev, op)
	case "apps":
		return b.listApps(ec, dev)
	case "reinstall":
		return b.reinstall(ec, dev, op)
	default:
		return b.runner.Execute(ec, dev, op)
	}
}

func (b *IOSDevice) devicectl(ec dispatch.ExecContext, args ...string) (*proc.RunResult, error) {
	return b.sup.Run(ec.Ctx, "xcrun", append([]string{"devicectl"}, args...),
		proc.RunOptions{Profile: "ios_devicectl"})
}

func (b *IOSDevice) open(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	bundleID, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	result, err := b.devicectl(ec, "device", "process", "launch", "--device", dev.ID, bundleID)
	if err != nil {
		if result != nil && strings.Contains(result.Stderr, "not installed") {
			return nil, domain.Errf(domain.CodeAppNotInstalled, "app %s is not installed", bundleID)
		}
		return nil, err
	}
	return map[string]any{
		"bundleId": bundleID,
		"startup":  map[string]any{"durationMs": float64(time.Since(started).Milliseconds())},
	}, nil
}

func (b *IOSDevice) terminate(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	bundleID, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	_, err = b.sup.Run(ec.Ctx, "xcrun",
		[]string{"devicectl", "device", "process", "terminate", "--device", dev.ID, bundleID},
		proc.RunOptions{Profile: "ios_devicectl", AllowFailure: true})
	if err != nil {
		return nil, err
	}
	return map[string]any{"bundleId": bundleID}, nil
}

func (b *IOSDevice) listApps(ec dispatch.ExecContext, dev domain.Device) (map[string]any, error) {
	result, err := b.devicectl(ec, "device", "info", "apps", "--device", dev.ID)
	if err != nil {
		return nil, err
	}
	// devicectl prints a table; keep the raw listing and let the caller
	// format. Bundle ids are the first column.
	var apps []map[string]any
	for _, line := range strings.Split(result.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.Count(fields[0], ".") >= 2 {
			apps = append(apps, map[string]any{"bundleId": fields[0]})
		}
	}
	return map[string]any{"apps": apps}, nil
}

func (b *IOSDevice) reinstall(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	appPath := op.Flags.String("path")
	if appPath == "" {
		return nil, domain.Errf(domain.CodeInvalidArgs, "reinstall requires --path to an .app bundle")
	}
	if _, err := b.devicectl(ec, "device", "install", "app", "--device", dev.ID, appPath); err != nil {
		return nil, err
	}
	return map[string]any{"installed": appPath}, nil
}
