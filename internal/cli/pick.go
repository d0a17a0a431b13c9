package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/client"
	"github.com/agentdevice/agent-device/internal/domain"
)

var (
	pickTitleStyle  = lipgloss.NewStyle().Bold(true)
	pickBootedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// PickCmd prints a numbered device list and emits the chosen device id, for
// use in shell substitution:
//
//	agent-device run open com.example.app --udid "$(agent-device pick)"
type PickCmd struct {
	Platform string `help:"Filter by platform (ios, android)"`
}

// Run executes the pick command.
func (c *PickCmd) Run(globals *Globals) error {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return emitFailure(globals, domain.Errf(domain.CodeInvalidArgs,
			"pick requires an interactive terminal").
			WithHint("Use `agent-device devices` and pass --udid or --serial directly."))
	}

	cl, err := client.Bootstrap(globals.Config, Version, zap.NewNop())
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}

	flags := domain.Flags{}
	if c.Platform != "" {
		flags["platform"] = c.Platform
	}
	resp, err := cl.Do(&domain.Request{Command: "devices", Flags: flags})
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}
	if !resp.OK {
		return emitFailure(globals, resp.Error)
	}

	devices, _ := resp.Data["devices"].([]any)
	if len(devices) == 0 {
		return emitFailure(globals, domain.Errf(domain.CodeDeviceNotFound, "no devices available"))
	}

	fmt.Fprintln(globals.Stderr, styled(pickTitleStyle, "Pick a device:"))
	ids := make([]string, 0, len(devices))
	for i, raw := range devices {
		dev, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		label := fmt.Sprintf("%s (%s %s)", str(dev["name"]), str(dev["platform"]), str(dev["kind"]))
		if booted, _ := dev["booted"].(bool); booted {
			label += " " + styled(pickBootedStyle, "booted")
		}
		fmt.Fprintf(globals.Stderr, "  %2d. %s\n", i+1, label)
		ids = append(ids, str(dev["id"]))
	}
	fmt.Fprint(globals.Stderr, "> ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return emitFailure(globals, domain.Errf(domain.CodeInvalidArgs, "no selection made"))
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(ids) {
		return emitFailure(globals, domain.Errf(domain.CodeInvalidArgs,
			"selection must be a number between 1 and %d", len(ids)))
	}

	// The id goes to stdout alone so command substitution stays clean.
	fmt.Fprintln(globals.Stdout, ids[n-1])
	return nil
}
