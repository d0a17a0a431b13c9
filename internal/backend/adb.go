package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/proc"
)

// Android drives emulators and physical hardware through adb. One backend
// serves both kinds; the serial decides which device a command reaches.
type Android struct {
	sup *proc.Supervisor
	log *zap.Logger
}

// NewAndroid creates the Android backend.
func NewAndroid(sup *proc.Supervisor, log *zap.Logger) *Android {
	if log == nil {
		log = zap.NewNop()
	}
	return &Android{sup: sup, log: log}
}

// Name implements dispatch.Backend.
func (b *Android) Name() string { return "android" }

// discoveryRetry covers adb restarting its server on first contact; those
// failures clear on a later attempt.
var discoveryRetry = proc.DefaultRetryPolicy(func(err error) bool {
	return domain.AsError(err).Code == domain.CodeCommandFailed
})

// Discover implements dispatch.Backend.
func (b *Android) Discover(ctx context.Context, scope dispatch.DiscoveryScope) ([]domain.Device, error) {
	var result *proc.RunResult
	err := proc.Retry(ctx, discoveryRetry, func() error {
		var rerr error
		result, rerr = b.sup.Run(ctx, "adb", []string{"devices", "-l"}, proc.RunOptions{Profile: "android_shell"})
		return rerr
	})
	if err != nil {
		return nil, err
	}

	var devices []domain.Device
	for _, line := range strings.Split(result.Stdout, "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		serial := fields[0]
		if len(scope.Allowlist) > 0 && !contains(scope.Allowlist, serial) {
			continue
		}

		kind := domain.KindDevice
		if strings.HasPrefix(serial, "emulator-") {
			kind = domain.KindEmulator
		}
		name := serial
		target := domain.TargetMobile
		for _, f := range fields[2:] {
			if strings.HasPrefix(f, "model:") {
				name = strings.ReplaceAll(strings.TrimPrefix(f, "model:"), "_", " ")
			}
			if strings.HasPrefix(f, "device:") && strings.Contains(f, "tv") {
				target = domain.TargetTV
			}
		}
		devices = append(devices, domain.Device{
			Platform: domain.PlatformAndroid,
			ID:       serial,
			Name:     name,
			Kind:     kind,
			Target:   target,
			Booted:   true, // adb only lists attached, responsive devices
		})
	}
	return devices, nil
}

// Execute implements dispatch.Backend.
func (b *Android) Execute(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if ec.Canceled != nil && ec.Canceled() {
		return nil, dispatch.CancelErr()
	}

	switch op.Command {
	case "boot":
		return b.boot(ec, dev)
	case "open":
		return b.open(ec, dev, op)
	case "close":
		return b.close(ec, dev, op)
	case "apps":
		return b.listApps(ec, dev)
	case "appstate":
		return b.appState(ec, dev, op)
	case "screenshot":
		return b.screenshot(ec, dev, op)
	case "back":
		return b.keyevent(ec, dev, "KEYCODE_BACK")
	case "home":
		return b.keyevent(ec, dev, "KEYCODE_HOME")
	case "app-switcher":
		return b.keyevent(ec, dev, "KEYCODE_APP_SWITCH")
	case "keyboard":
		return b.keyboard(ec, dev, op)
	case "type":
		return b.typeText(ec, dev, op)
	case "clipboard":
		return b.clipboard(ec, dev, op)
	case "settings":
		return b.settings(ec, dev, op)
	case "push":
		return b.pushNotification(ec, dev, op)
	case "reinstall":
		return b.reinstall(ec, dev, op)
	case "openurl":
		return b.openURL(ec, dev, op)
	case "snapshot", "find", "is", "get", "press", "longpress", "fill", "focus",
		"scroll", "scrollintoview", "swipe", "wait", "diff":
		return b.uiAutomator(ec, dev, op)
	default:
		return nil, domain.Errf(domain.CodeUnsupportedOp,
			"%s has no Android implementation", op.Command)
	}
}

func (b *Android) adb(ec dispatch.ExecContext, dev domain.Device, args ...string) (*proc.RunResult, error) {
	return b.sup.Run(ec.Ctx, "adb", append([]string{"-s", dev.ID}, args...),
		proc.RunOptions{Profile: "android_shell"})
}

func (b *Android) shell(ec dispatch.ExecContext, dev domain.Device, args ...string) (*proc.RunResult, error) {
	return b.adb(ec, dev, append([]string{"shell"}, args...)...)
}

func (b *Android) boot(ec dispatch.ExecContext, dev domain.Device) (map[string]any, error) {
	if dev.Kind != domain.KindEmulator {
		return map[string]any{"booted": dev.Booted}, nil
	}
	// Wait for the already-started emulator to settle; launching a cold AVD
	// goes through RunDetached at the session layer.
	_, err := b.sup.Run(ec.Ctx, "adb",
		[]string{"-s", dev.ID, "wait-for-device", "shell",
			"while [ \"$(getprop sys.boot_completed)\" != \"1\" ]; do sleep 1; done"},
		proc.RunOptions{Profile: "android_boot"})
	if err != nil {
		return nil, err
	}
	return map[string]any{"booted": true}, nil
}

func (b *Android) open(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	pkg, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	result, err := b.shell(ec, dev, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return nil, err
	}
	if strings.Contains(result.Stdout, "No activities found") {
		return nil, domain.Errf(domain.CodeAppNotInstalled, "package %s is not installed", pkg)
	}
	return map[string]any{
		"bundleId": pkg,
		"startup":  map[string]any{"durationMs": float64(time.Since(started).Milliseconds())},
	}, nil
}

func (b *Android) close(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	pkg, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	if _, err := b.shell(ec, dev, "am", "force-stop", pkg); err != nil {
		return nil, err
	}
	return map[string]any{"bundleId": pkg}, nil
}

func (b *Android) listApps(ec dispatch.ExecContext, dev domain.Device) (map[string]any, error) {
	result, err := b.shell(ec, dev, "pm", "list", "packages", "-3")
	if err != nil {
		return nil, err
	}
	var apps []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		if pkg, ok := strings.CutPrefix(strings.TrimSpace(line), "package:"); ok {
			apps = append(apps, map[string]any{"bundleId": pkg})
		}
	}
	return map[string]any{"apps": apps}, nil
}

func (b *Android) appState(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	pkg, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	result, err := b.shell(ec, dev, "pidof", pkg)
	if err != nil {
		return nil, err
	}
	state := "not-running"
	if strings.TrimSpace(result.Stdout) != "" {
		state = "foreground"
	}
	return map[string]any{"bundleId": pkg, "state": state}, nil
}

func (b *Android) screenshot(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	out := op.OutPath
	if out == "" {
		out = filepath.Join(".", fmt.Sprintf("screenshot-%d.png", time.Now().UnixMilli()))
	}
	remote := "/sdcard/agent-device-screenshot.png"
	if _, err := b.shell(ec, dev, "screencap", "-p", remote); err != nil {
		return nil, err
	}
	if _, err := b.adb(ec, dev, "pull", remote, out); err != nil {
		return nil, err
	}
	_, _ = b.shell(ec, dev, "rm", remote)
	return map[string]any{"path": out}, nil
}

func (b *Android) keyevent(ec dispatch.ExecContext, dev domain.Device, code string) (map[string]any, error) {
	if _, err := b.shell(ec, dev, "input", "keyevent", code); err != nil {
		return nil, err
	}
	return map[string]any{"key": code}, nil
}

func (b *Android) keyboard(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if len(op.Positionals) < 1 {
		return nil, domain.Errf(domain.CodeInvalidArgs, "keyboard requires a key name")
	}
	code := "KEYCODE_" + strings.ToUpper(op.Positionals[0])
	return b.keyevent(ec, dev, code)
}

func (b *Android) typeText(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if len(op.Positionals) < 1 {
		return nil, domain.Errf(domain.CodeInvalidArgs, "type requires text")
	}
	text := strings.ReplaceAll(op.Positionals[0], " ", "%s")
	if _, err := b.shell(ec, dev, "input", "text", text); err != nil {
		return nil, err
	}
	return map[string]any{"typed": op.Positionals[0]}, nil
}

func (b *Android) clipboard(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if text := op.Flags.String("set"); text != "" {
		_, err := b.shell(ec, dev, "am", "broadcast", "-a", "clipper.set", "-e", "text", text)
		if err != nil {
			return nil, err
		}
		return map[string]any{"set": true}, nil
	}
	result, err := b.shell(ec, dev, "am", "broadcast", "-a", "clipper.get")
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": strings.TrimSpace(result.Stdout)}, nil
}

func (b *Android) settings(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if len(op.Positionals) < 1 {
		return nil, domain.Errf(domain.CodeInvalidArgs, "settings requires a permission name")
	}
	pkg, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	action := op.Flags.String("action")
	verb := "grant"
	if action == "revoke" {
		verb = "revoke"
	}
	if _, err := b.shell(ec, dev, "pm", verb, pkg, op.Positionals[0]); err != nil {
		return nil, err
	}
	return map[string]any{"permission": op.Positionals[0], "action": verb}, nil
}

func (b *Android) pushNotification(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	pkg, err := requireBundleID(op)
	if err != nil {
		return nil, err
	}
	payload := op.Flags.String("payload")
	if payload == "" && len(op.Positionals) > 0 {
		payload = op.Positionals[0]
	}
	_, err = b.shell(ec, dev, "am", "broadcast",
		"-a", "com.google.android.c2dm.intent.RECEIVE",
		"-n", pkg+"/.PushReceiver",
		"-e", "payload", payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"delivered": true}, nil
}

func (b *Android) reinstall(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	apkPath := op.Flags.String("path")
	if apkPath == "" {
		return nil, domain.Errf(domain.CodeInvalidArgs, "reinstall requires --path to an .apk")
	}
	if _, err := b.adb(ec, dev, "install", "-r", apkPath); err != nil {
		return nil, err
	}
	return map[string]any{"installed": apkPath}, nil
}

func (b *Android) openURL(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	if len(op.Positionals) < 1 {
		return nil, domain.Errf(domain.CodeInvalidArgs, "openurl requires a URL")
	}
	if _, err := b.shell(ec, dev, "am", "start", "-a", "android.intent.action.VIEW", "-d", op.Positionals[0]); err != nil {
		return nil, err
	}
	return map[string]any{"url": op.Positionals[0]}, nil
}

// uiAutomator satisfies snapshot and interaction commands by dumping the
// view hierarchy with uiautomator and issuing input gestures. The dump XML
// passes through opaque; selector resolution happens client-side for
// Android.
func (b *Android) uiAutomator(ec dispatch.ExecContext, dev domain.Device, op dispatch.Operation) (map[string]any, error) {
	switch op.Command {
	case "snapshot", "find", "is", "get", "diff", "wait":
		remote := "/sdcard/agent-device-ui.xml"
		if _, err := b.shell(ec, dev, "uiautomator", "dump", remote); err != nil {
			return nil, err
		}
		result, err := b.shell(ec, dev, "cat", remote)
		if err != nil {
			return nil, err
		}
		_, _ = b.shell(ec, dev, "rm", remote)
		return map[string]any{"hierarchy": result.Stdout, "format": "uiautomator-xml"}, nil
	case "press", "longpress", "fill", "focus":
		x := op.Flags.String("x")
		y := op.Flags.String("y")
		if x == "" || y == "" {
			return nil, domain.Errf(domain.CodeInvalidArgs, "%s on Android requires --x and --y", op.Command).
				WithHint("Resolve the target from a snapshot first.")
		}
		args := []string{"input", "tap", x, y}
		if op.Command == "longpress" {
			args = []string{"input", "swipe", x, y, x, y, "800"}
		}
		if _, err := b.shell(ec, dev, args...); err != nil {
			return nil, err
		}
		return map[string]any{"x": x, "y": y}, nil
	case "scroll", "scrollintoview", "swipe":
		direction := op.Flags.String("direction")
		coords := swipeFor(direction)
		if _, err := b.shell(ec, dev, append([]string{"input", "swipe"}, coords...)...); err != nil {
			return nil, err
		}
		return map[string]any{"direction": direction}, nil
	default:
		return nil, domain.Errf(domain.CodeUnsupportedOp, "%s has no Android implementation", op.Command)
	}
}

func swipeFor(direction string) []string {
	switch direction {
	case "up":
		return []string{"500", "1500", "500", "500"}
	case "left":
		return []string{"900", "1000", "100", "1000"}
	case "right":
		return []string{"100", "1000", "900", "1000"}
	default: // down
		return []string{"500", "500", "500", "1500"}
	}
}

// StartRecording launches screenrecord on-device; the file is pulled on stop.
func (b *Android) StartRecording(dev domain.Device, outputPath string) (*domain.Recording, error) {
	remote := fmt.Sprintf("/sdcard/agent-device-rec-%d.mp4", time.Now().UnixMilli())
	cmd, err := b.sup.StartStreaming("adb",
		[]string{"-s", dev.ID, "shell", "screenrecord", remote}, outputPath+".log")
	if err != nil {
		return nil, err
	}
	return &domain.Recording{
		Platform:   domain.PlatformAndroid,
		OutputPath: outputPath,
		RemotePath: remote,
		PID:        cmd.Process.Pid,
	}, nil
}

// PullRecording stops screenrecord and pulls the capture to its output path.
func (b *Android) PullRecording(ctx context.Context, dev domain.Device, rec *domain.Recording) error {
	b.sup.Stop(rec.PID, 3*time.Second)
	// screenrecord needs a moment to finalize the mp4 moov atom.
	time.Sleep(500 * time.Millisecond)
	_, err := b.sup.Run(ctx, "adb",
		[]string{"-s", dev.ID, "pull", rec.RemotePath, rec.OutputPath},
		proc.RunOptions{Profile: "android_shell"})
	if err != nil {
		return err
	}
	_, _ = b.sup.Run(ctx, "adb",
		[]string{"-s", dev.ID, "shell", "rm", rec.RemotePath},
		proc.RunOptions{Profile: "android_shell", AllowFailure: true})
	return nil
}

// StartLogStream attaches logcat filtered to the app's pid when resolvable.
func (b *Android) StartLogStream(ctx context.Context, dev domain.Device, pkg, outputPath string) (*domain.AppLog, error) {
	args := []string{"-s", dev.ID, "logcat", "-v", "time"}
	if pkg != "" {
		if result, err := b.sup.Run(ctx, "adb",
			[]string{"-s", dev.ID, "shell", "pidof", pkg},
			proc.RunOptions{Profile: "android_shell", AllowFailure: true}); err == nil {
			if pid := strings.TrimSpace(result.Stdout); pid != "" {
				args = append(args, "--pid", pid)
			}
		}
	}
	cmd, err := b.sup.StartStreaming("adb", args, outputPath)
	if err != nil {
		return nil, err
	}
	return &domain.AppLog{
		Backend:    "logcat",
		OutputPath: outputPath,
		State:      domain.AppLogRunning,
		PID:        cmd.Process.Pid,
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
