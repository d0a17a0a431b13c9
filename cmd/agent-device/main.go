package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/agentdevice/agent-device/internal/cli"
	"github.com/agentdevice/agent-device/internal/config"
)

const quickStart = `agent-device - drive iOS and Android devices from the command line

START HERE:
  agent-device run open com.example.myapp     Launch an app (boots a device if needed)
  agent-device run press "Login"              Tap an element in the foreground app

Other useful commands:
  agent-device devices                        List simulators, emulators and devices
  agent-device sessions                       Show active sessions
  agent-device doctor                         Check tooling and daemon health
`

func main() {
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("agent-device"),
		kong.Description("Control plane for mobile device automation\n\nSTART HERE: agent-device run open <bundle_id>"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	globals := cli.NewGlobals(&c, cfg)
	if err := ctx.Run(globals); err != nil {
		if !cli.IsRendered(err) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
