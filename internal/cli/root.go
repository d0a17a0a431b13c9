// Package cli defines the agent-device command tree. Every device command
// goes through the daemon; the CLI renders envelopes, it never drives
// vendor tooling itself.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/agentdevice/agent-device/internal/config"
)

// CLI is the root command structure for agent-device.
type CLI struct {
	// Global flags
	Format  string `short:"f" default:"text" enum:"text,ndjson" help:"Output format"`
	Session string `short:"s" help:"Session name (default \"default\")"`
	Debug   bool   `help:"Write diagnostics even for successful requests"`

	// Commands
	Daemon   DaemonCmd   `cmd:"" help:"Run the device daemon in the foreground"`
	Run      RunCmd      `cmd:"" default:"withargs" help:"Send a device command to the daemon"`
	Devices  DevicesCmd  `cmd:"" help:"List devices visible in the active scope"`
	Sessions SessionsCmd `cmd:"" help:"List active sessions"`
	Lease    LeaseCmd    `cmd:"" help:"Manage admission leases for tenant-isolated runs"`
	Pick     PickCmd     `cmd:"" help:"Interactively pick a device"`
	Doctor   DoctorCmd   `cmd:"" help:"Check vendor tooling and daemon health"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// Globals holds shared state for all commands.
type Globals struct {
	Format  string
	Session string
	Debug   bool
	Stdout  io.Writer
	Stderr  io.Writer
	Config  *config.Config
}

// NewGlobals creates a Globals instance from parsed flags and loaded config.
func NewGlobals(cli *CLI, cfg *config.Config) *Globals {
	return &Globals{
		Format:  cli.Format,
		Session: cli.Session,
		Debug:   cli.Debug,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Config:  cfg,
	}
}

// EmitJSON writes one value as a single ndjson line.
func (g *Globals) EmitJSON(v any) error {
	enc := json.NewEncoder(g.Stdout)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// VersionCmd shows version information.
type VersionCmd struct{}

// Run executes the version command.
func (v *VersionCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return globals.EmitJSON(map[string]string{
			"type": "version", "version": Version, "commit": Commit,
		})
	}
	fmt.Fprintf(globals.Stdout, "agent-device version %s (%s)\n", Version, Commit)
	return nil
}

// Version information (set at build time).
var (
	Version = "dev"
	Commit  = "none"
)
