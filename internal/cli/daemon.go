package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentdevice/agent-device/internal/daemon"
)

// DaemonCmd runs the daemon in the foreground. Clients normally launch it
// detached; running it directly is for development and service managers.
type DaemonCmd struct {
	Verbose bool `short:"v" help:"Log at debug level"`
}

// Run executes the daemon command.
func (c *DaemonCmd) Run(globals *Globals) error {
	log, logPath, err := daemon.NewLogger(globals.Config.StateDir, c.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	d := daemon.New(globals.Config, log, logPath, Version)
	if err := d.Run(context.Background()); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			// Losing the startup race is a success: a daemon is up.
			fmt.Fprintln(globals.Stderr, "daemon already running")
			return nil
		}
		return err
	}
	return nil
}
