package cli

import (
	"strings"

	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/client"
	"github.com/agentdevice/agent-device/internal/domain"
)

// RunCmd forwards any device command to the daemon:
//
//	agent-device run open com.example.app --platform ios
//	agent-device press "Login" --timeout 5000
//
// Unknown commands are forwarded as-is; the daemon owns the command space.
type RunCmd struct {
	Args []string `arg:"" optional:"" passthrough:"" help:"Command, positionals and flags"`
}

// Run executes the run command.
func (c *RunCmd) Run(globals *Globals) error {
	if len(c.Args) == 0 {
		return emitFailure(globals, domain.Errf(domain.CodeInvalidArgs,
			"no command given").WithHint("Try `agent-device run devices` or `agent-device run open <app>`."))
	}

	command := c.Args[0]
	positionals, flags := parseArgs(c.Args[1:])

	cl, err := client.Bootstrap(globals.Config, Version, zap.NewNop())
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}

	req := &domain.Request{
		Session:     globals.Session,
		Command:     command,
		Positionals: positionals,
		Flags:       flags,
		Meta:        domain.Meta{Debug: globals.Debug},
	}
	resp, err := cl.Do(req)
	if err != nil {
		return emitFailure(globals, domain.AsError(err))
	}
	return emitResponse(globals, resp)
}

// parseArgs splits already shell-tokenized arguments into positionals and
// flags. `--flag value` and `--flag` (boolean) are both accepted; `--` ends
// flag parsing.
func parseArgs(args []string) ([]string, domain.Flags) {
	var positionals []string
	flags := domain.Flags{}

	i := 0
	flagsDone := false
	for i < len(args) {
		arg := args[i]
		switch {
		case flagsDone || !strings.HasPrefix(arg, "--"):
			positionals = append(positionals, arg)
			i++
		case arg == "--":
			flagsDone = true
			i++
		default:
			name := strings.TrimPrefix(arg, "--")
			if eq := strings.IndexByte(name, '='); eq >= 0 {
				flags[name[:eq]] = name[eq+1:]
				i++
				continue
			}
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				flags[name] = args[i+1]
				i += 2
				continue
			}
			flags[name] = true
			i++
		}
	}
	return positionals, flags
}
