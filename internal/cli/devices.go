package cli

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/client"
	"github.com/agentdevice/agent-device/internal/domain"
)

// DevicesCmd lists devices visible in the active scope.
type DevicesCmd struct {
	Platform     string   `help:"Filter by platform (ios, android)"`
	Target       string   `help:"Filter by target (mobile, tv)"`
	SimulatorSet string   `name:"simulator-set" help:"Scope iOS simulators to a simctl device set"`
	Serials      []string `help:"Restrict Android discovery to these serials"`
}

// Run executes the devices command.
func (c *DevicesCmd) Run(globals *Globals) error {
	cl, err := client.Bootstrap(globals.Config, Version, zap.NewNop())
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}

	flags := domain.Flags{}
	if c.Platform != "" {
		flags["platform"] = c.Platform
	}
	if c.Target != "" {
		flags["target"] = c.Target
	}
	if c.SimulatorSet != "" {
		flags["simulator-set"] = c.SimulatorSet
	}
	if len(c.Serials) > 0 {
		flags["serials"] = strings.Join(c.Serials, ",")
	}

	resp, err := cl.Do(&domain.Request{Command: "devices", Flags: flags})
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}
	if !resp.OK {
		return emitFailure(globals, resp.Error)
	}

	if globals.Format == "ndjson" {
		return emitResponse(globals, resp)
	}
	return renderDeviceTable(globals, resp.Data)
}

func renderDeviceTable(globals *Globals, data map[string]any) error {
	devices, _ := data["devices"].([]any)
	if len(devices) == 0 {
		fmt.Fprintln(globals.Stdout, "No devices found")
		return nil
	}

	table := tablewriter.NewTable(globals.Stdout)
	table.Header("PLATFORM", "NAME", "KIND", "TARGET", "STATE", "ID")
	for _, raw := range devices {
		dev, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		state := "offline"
		if booted, _ := dev["booted"].(bool); booted {
			state = "booted"
		}
		_ = table.Append([]string{
			str(dev["platform"]),
			str(dev["name"]),
			str(dev["kind"]),
			str(dev["target"]),
			state,
			str(dev["id"]),
		})
	}
	return table.Render()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
