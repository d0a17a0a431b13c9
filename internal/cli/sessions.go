package cli

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/client"
	"github.com/agentdevice/agent-device/internal/domain"
)

// SessionsCmd lists active sessions.
type SessionsCmd struct{}

// Run executes the sessions command.
func (c *SessionsCmd) Run(globals *Globals) error {
	cl, err := client.Bootstrap(globals.Config, Version, zap.NewNop())
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}

	resp, err := cl.Do(&domain.Request{Command: "session_list"})
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}
	if !resp.OK {
		return emitFailure(globals, resp.Error)
	}
	if globals.Format == "ndjson" {
		return emitResponse(globals, resp)
	}

	sessions, _ := resp.Data["sessions"].([]any)
	if len(sessions) == 0 {
		fmt.Fprintln(globals.Stdout, "No active sessions")
		return nil
	}

	table := tablewriter.NewTable(globals.Stdout)
	table.Header("SESSION", "DEVICE", "PLATFORM", "APP")
	for _, raw := range sessions {
		sess, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		dev, _ := sess["device"].(map[string]any)
		app := ""
		if a, ok := sess["app"].(map[string]any); ok {
			app = str(a["bundleId"])
		}
		_ = table.Append([]string{
			str(sess["name"]),
			str(dev["name"]),
			str(dev["platform"]),
			app,
		})
	}
	return table.Render()
}
