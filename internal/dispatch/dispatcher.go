// Package dispatch routes commands to platform backends. It owns the
// capability matrix and device selection; backends stay opaque behind the
// Backend interface.
package dispatch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/domain"
)

// Operation is one command handed to a backend.
type Operation struct {
	Command     string
	Positionals []string
	Flags       domain.Flags
	// OutPath is where artifact-producing commands (screenshot, record)
	// should write.
	OutPath string
	// AppBundleID is the active session's app context, when one exists.
	AppBundleID string
}

// ExecContext carries request-scoped execution state into backends.
type ExecContext struct {
	Ctx       context.Context
	RequestID string
	// Canceled is polled at suspension points; transports mark it when the
	// originating connection drops.
	Canceled      func() bool
	Debug         bool
	DaemonLogPath string
	TraceLogPath  string
}

// CancelErr is what backends return when Canceled fires mid-operation.
func CancelErr() *domain.Error {
	return domain.Errf(domain.CodeCommandFailed, "request canceled")
}

// Backend executes operations against one platform/kind combination.
type Backend interface {
	// Name identifies the backend ("ios-simulator", "ios-device", "android").
	Name() string
	// Discover lists devices visible to this backend within scope.
	Discover(ctx context.Context, scope DiscoveryScope) ([]domain.Device, error)
	// Execute runs one operation on a device this backend owns.
	Execute(ec ExecContext, dev domain.Device, op Operation) (map[string]any, error)
}

// DiscoveryScope narrows discovery to a simulator set or serial allowlist.
type DiscoveryScope struct {
	SimulatorSet string
	Allowlist    []string
}

// Dispatcher routes by device class and resolves selectors to devices.
type Dispatcher struct {
	log      *zap.Logger
	backends []Backend
}

// NewDispatcher wires the backend set.
func NewDispatcher(log *zap.Logger, backends ...Backend) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log, backends: backends}
}

// BackendFor returns the backend owning a device, or UNSUPPORTED_PLATFORM.
func (d *Dispatcher) BackendFor(dev domain.Device) (Backend, error) {
	name := backendName(dev)
	for _, b := range d.backends {
		if b.Name() == name {
			return b, nil
		}
	}
	return nil, domain.Errf(domain.CodeUnsupportedPlatform,
		"no backend for platform=%s kind=%s", dev.Platform, dev.Kind)
}

func backendName(dev domain.Device) string {
	if dev.Platform == domain.PlatformAndroid {
		return "android"
	}
	if dev.Kind == domain.KindSimulator {
		return domain.BackendIOSSimulator
	}
	return "ios-device"
}

// Dispatch checks the capability matrix and executes the operation.
func (d *Dispatcher) Dispatch(ec ExecContext, dev domain.Device, op Operation) (map[string]any, error) {
	if !Supported(op.Command, dev) {
		return nil, domain.Errf(domain.CodeUnsupportedOp,
			"%s is not supported on %s %s", op.Command, dev.Platform, dev.Kind)
	}
	backend, err := d.BackendFor(dev)
	if err != nil {
		return nil, err
	}
	d.log.Debug("dispatching command",
		zap.String("command", op.Command),
		zap.String("backend", backend.Name()),
		zap.String("device", dev.ID),
		zap.String("requestId", ec.RequestID))
	return backend.Execute(ec, dev, op)
}

// Discover lists devices across all backends matching the selector's
// platform, honoring the simulator-set and allowlist scopes.
func (d *Dispatcher) Discover(ctx context.Context, sel domain.Selector) ([]domain.Device, error) {
	var platform domain.Platform
	if sel.Platform != "" {
		p, ok := domain.ParsePlatform(sel.Platform)
		if !ok {
			return nil, domain.Errf(domain.CodeInvalidArgs, "unknown platform %q", sel.Platform)
		}
		platform = p
	}

	scope := DiscoveryScope{SimulatorSet: sel.SimulatorSet, Allowlist: sel.Allowlist}
	var all []domain.Device
	for _, b := range d.backends {
		if platform != "" && !backendServes(b.Name(), platform) {
			continue
		}
		devices, err := b.Discover(ctx, scope)
		if err != nil {
			// One unavailable toolchain must not hide the others' devices.
			d.log.Debug("discovery failed", zap.String("backend", b.Name()), zap.Error(err))
			continue
		}
		all = append(all, devices...)
	}
	return all, nil
}

func backendServes(name string, platform domain.Platform) bool {
	if platform == domain.PlatformAndroid {
		return name == "android"
	}
	return name == domain.BackendIOSSimulator || name == "ios-device"
}

// ResolveDevice picks the device matching the full selector. A selector
// naming a target outside the active scope is DEVICE_NOT_FOUND; there is no
// fallback to host-global discovery.
func (d *Dispatcher) ResolveDevice(ctx context.Context, sel domain.Selector) (domain.Device, error) {
	devices, err := d.Discover(ctx, sel)
	if err != nil {
		return domain.Device{}, err
	}

	var matches []domain.Device
	for _, dev := range devices {
		if SelectorMatches(sel, dev) {
			matches = append(matches, dev)
		}
	}

	switch len(matches) {
	case 0:
		return domain.Device{}, domain.Errf(domain.CodeDeviceNotFound,
			"no device matches the given selector")
	case 1:
		return matches[0], nil
	default:
		// Prefer a booted device so "open" against a warm simulator wins.
		for _, dev := range matches {
			if dev.Booted {
				return dev, nil
			}
		}
		return matches[0], nil
	}
}

// SelectorMatches reports whether a device satisfies every present selector
// field. Device names compare case-insensitively.
func SelectorMatches(sel domain.Selector, dev domain.Device) bool {
	if sel.Platform != "" {
		p, ok := domain.ParsePlatform(sel.Platform)
		if !ok || p != dev.Platform {
			return false
		}
	}
	if sel.Target != "" && sel.Target != string(dev.Target) {
		return false
	}
	if sel.Name != "" && !strings.EqualFold(sel.Name, dev.Name) {
		return false
	}
	if sel.UDID != "" && !strings.EqualFold(sel.UDID, dev.ID) {
		return false
	}
	if sel.Serial != "" && sel.Serial != dev.ID {
		return false
	}
	if sel.SimulatorSet != "" && sel.SimulatorSet != dev.SimulatorSet {
		return false
	}
	if len(sel.Allowlist) > 0 {
		found := false
		for _, s := range sel.Allowlist {
			if s == dev.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SelectorConflicts enumerates the selector fields that contradict an
// existing session's bound device. Used by the pipeline's compatibility
// check; an empty result means compatible.
func SelectorConflicts(sel domain.Selector, dev domain.Device) []string {
	var conflicts []string
	if sel.Platform != "" {
		if p, ok := domain.ParsePlatform(sel.Platform); !ok || p != dev.Platform {
			conflicts = append(conflicts, "platform")
		}
	}
	if sel.Target != "" && sel.Target != string(dev.Target) {
		conflicts = append(conflicts, "target")
	}
	if sel.Name != "" && !strings.EqualFold(sel.Name, dev.Name) {
		conflicts = append(conflicts, "device")
	}
	if sel.UDID != "" && !strings.EqualFold(sel.UDID, dev.ID) {
		conflicts = append(conflicts, "udid")
	}
	if sel.Serial != "" && sel.Serial != dev.ID {
		conflicts = append(conflicts, "serial")
	}
	if sel.SimulatorSet != "" && sel.SimulatorSet != dev.SimulatorSet {
		conflicts = append(conflicts, "simulator-set")
	}
	if len(sel.Allowlist) > 0 {
		found := false
		for _, s := range sel.Allowlist {
			if s == dev.ID {
				found = true
				break
			}
		}
		if !found {
			conflicts = append(conflicts, "serials")
		}
	}
	return conflicts
}
