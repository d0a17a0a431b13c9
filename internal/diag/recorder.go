// Package diag provides per-request diagnostic recording. Events accumulate
// in memory and are only written out when a request fails or runs with the
// debug flag, as ndjson under <state-dir>/logs/.
package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one structured diagnostic record inside a request scope.
type Event struct {
	Level     string         `json:"level"`
	Phase     string         `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Recorder is a per-request diagnostics scope.
type Recorder struct {
	mu        sync.Mutex
	stateDir  string
	session   string
	command   string
	requestID string
	diagID    string
	debug     bool
	started   time.Time
	events    []Event
	flushed   string // path written by Flush, if any
}

// NewRecorder opens a diagnostics scope for one request.
func NewRecorder(stateDir, session, command, requestID string, debug bool) *Recorder {
	return &Recorder{
		stateDir:  stateDir,
		session:   session,
		command:   command,
		requestID: requestID,
		diagID:    strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		debug:     debug,
		started:   time.Now(),
	}
}

// DiagnosticID returns the scope's short identifier.
func (r *Recorder) DiagnosticID() string {
	return r.diagID
}

// Debug reports whether the request asked for diagnostics on success.
func (r *Recorder) Debug() bool {
	return r.debug
}

// Event appends a structured event. Data is redacted at flush time, not here.
func (r *Recorder) Event(level, phase string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Level:     level,
		Phase:     phase,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Time runs fn between start/end events for the phase and records the
// duration on the end event.
func (r *Recorder) Time(phase string, fn func() error) error {
	r.Event("debug", phase+"_start", nil)
	started := time.Now()
	err := fn()
	data := map[string]any{"durationMs": time.Since(started).Milliseconds()}
	if err != nil {
		data["error"] = err.Error()
		r.Event("error", phase+"_end", data)
		return err
	}
	r.Event("debug", phase+"_end", data)
	return nil
}

// Flush writes all buffered events as ndjson under
// <state-dir>/logs/<session>/<YYYY-MM-DD>/<ts>-<diagId>.ndjson and returns
// the path. Repeated calls reuse the first file.
func (r *Recorder) Flush() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.flushed != "" {
		return r.flushed, nil
	}

	session := r.session
	if session == "" {
		session = "daemon"
	}
	dir := filepath.Join(r.stateDir, "logs", sanitize(session), r.started.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating diagnostics dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d-%s.ndjson", r.started.UnixMilli(), r.diagID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating diagnostics file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)

	header := map[string]any{
		"session":   r.session,
		"command":   r.command,
		"requestId": r.requestID,
		"diagId":    r.diagID,
		"startedAt": r.started,
	}
	if err := enc.Encode(header); err != nil {
		return "", err
	}
	for _, ev := range r.events {
		ev.Data = Redact(ev.Data)
		if err := enc.Encode(ev); err != nil {
			return "", err
		}
	}

	r.flushed = path
	return path, nil
}

// sanitize keeps session names safe as path components.
func sanitize(name string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '-' || c == '_' || c == '.':
			return c
		default:
			return '_'
		}
	}, name)
}
