package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/agentdevice/agent-device/internal/domain"
)

var (
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	hintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	keyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// styled disables colors when stdout is not a terminal.
func styled(s lipgloss.Style, text string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return text
	}
	return s.Render(text)
}

// emitResponse renders a daemon response in the selected format. Failures
// set a non-zero exit through the returned error.
func emitResponse(globals *Globals, resp *domain.Response) error {
	if globals.Format == "ndjson" {
		if err := globals.EmitJSON(resp); err != nil {
			return err
		}
		if !resp.OK {
			return errExit
		}
		return nil
	}

	if !resp.OK {
		return emitFailure(globals, resp.Error)
	}

	if len(resp.Data) == 0 {
		fmt.Fprintln(globals.Stdout, "ok")
		return nil
	}
	pretty, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(globals.Stdout, string(pretty))
	return nil
}

// emitFailure renders a normalized error and signals exit 1.
func emitFailure(globals *Globals, e *domain.Error) error {
	if e == nil {
		e = domain.Errf(domain.CodeUnknown, "unknown failure")
	}
	if globals.Format == "ndjson" {
		_ = globals.EmitJSON(&domain.Response{OK: false, Error: e})
		return errExit
	}

	fmt.Fprintf(globals.Stderr, "%s %s\n", styled(errStyle, string(e.Code)), e.Message)
	if e.Hint != "" {
		fmt.Fprintf(globals.Stderr, "%s %s\n", styled(hintStyle, "hint:"), e.Hint)
	}
	if e.LogPath != "" {
		fmt.Fprintf(globals.Stderr, "%s %s\n", styled(hintStyle, "diagnostics:"), e.LogPath)
	}
	return errExit
}

// errExit marks a rendered failure; main exits 1 without re-printing it.
var errExit = &exitError{}

type exitError struct{}

func (e *exitError) Error() string { return "command failed" }

// IsRendered reports whether the error was already printed by the emitter.
func IsRendered(err error) bool {
	_, ok := err.(*exitError)
	return ok
}
