package session

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/agentdevice/agent-device/internal/domain"
)

// Step is one parsed line of a replay script.
type Step struct {
	Command     string
	Positionals []string
	Flags       domain.Flags
	Line        int
}

// EncodeEntry renders one journal entry as a replay-script line:
// command, positionals, then flags sorted by name for a stable encoding.
func EncodeEntry(e domain.JournalEntry) string {
	fields := []string{e.Command}
	for _, p := range e.Positionals {
		fields = append(fields, quote(p))
	}

	keys := make([]string, 0, len(e.Flags))
	for k := range e.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := e.Flags[k].(type) {
		case bool:
			if v {
				fields = append(fields, "--"+k)
			}
		default:
			if s := e.Flags.String(k); s != "" {
				fields = append(fields, "--"+k, quote(s))
			}
		}
	}
	return strings.Join(fields, " ")
}

// ParseScript reads a replay script line by line. Blank lines and lines
// starting with # are skipped.
func ParseScript(r io.Reader) ([]Step, error) {
	var steps []Step
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		step, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		step.Line = lineNo
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func parseLine(line string) (Step, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return Step{}, err
	}
	if len(tokens) == 0 {
		return Step{}, fmt.Errorf("empty command")
	}

	step := Step{Command: tokens[0], Flags: domain.Flags{}}
	i := 1
	for i < len(tokens) {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "--") {
			step.Positionals = append(step.Positionals, tok)
			i++
			continue
		}
		name := strings.TrimPrefix(tok, "--")
		if name == "" {
			return Step{}, fmt.Errorf("bare -- is not a flag")
		}
		// A flag with no value or followed by another flag is boolean.
		if i+1 >= len(tokens) || strings.HasPrefix(tokens[i+1], "--") {
			step.Flags[name] = true
			i++
			continue
		}
		step.Flags[name] = tokens[i+1]
		i += 2
	}
	return step, nil
}

// tokenize splits a script line on whitespace honoring double quotes with
// backslash escapes, matching what quote produces.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	started := false

	for _, c := range line {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\' && inQuotes:
			escaped = true
		case c == '"':
			inQuotes = !inQuotes
			started = true
		case (c == ' ' || c == '\t') && !inQuotes:
			if started || cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(c)
			started = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	if started || cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// quote wraps a field in double quotes when it contains whitespace, quotes or
// is empty.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"\\#") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range s {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}
