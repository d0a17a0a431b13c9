// Package session owns the daemon's session map: device bindings, app
// context, recording and log-stream handles, the per-session action journal
// and its on-disk replay scripts.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/domain"
)

const (
	journalCap = 2000
	startupCap = 100
)

// Store is the in-memory session map plus its on-disk companions under
// <state-dir>/sessions/. The mutex is held only during structural mutation,
// never across subprocess or filesystem waits.
type Store struct {
	mu       sync.Mutex
	stateDir string
	log      *zap.Logger
	sessions map[string]domain.Session
	journals map[string]*RingBuffer[domain.JournalEntry]
	startups map[string]*RingBuffer[float64]
}

// NewStore creates a Store rooted at stateDir.
func NewStore(stateDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		stateDir: stateDir,
		log:      log,
		sessions: make(map[string]domain.Session),
		journals: make(map[string]*RingBuffer[domain.JournalEntry]),
		startups: make(map[string]*RingBuffer[float64]),
	}
}

// List returns all sessions.
func (s *Store) List() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Get returns the session with the given name.
func (s *Store) Get(name string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

// Set inserts or replaces a session. A device may be bound to at most one
// session; binding it twice is DEVICE_IN_USE.
func (s *Store) Set(name string, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for other, existing := range s.sessions {
		if other != name && existing.Device.ID == sess.Device.ID {
			return domain.Errf(domain.CodeDeviceInUse,
				"device %s is bound to session %q", sess.Device.ID, other)
		}
	}

	sess.Name = name
	sess.UpdatedAt = time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	s.sessions[name] = sess
	if s.journals[name] == nil {
		s.journals[name] = NewRingBuffer[domain.JournalEntry](journalCap)
		s.startups[name] = NewRingBuffer[float64](startupCap)
	}
	return nil
}

// Delete removes a session and its in-memory journal.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
	delete(s.journals, name)
	delete(s.startups, name)
}

// ByDevice returns the session bound to a device id, if any.
func (s *Store) ByDevice(deviceID string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Device.ID == deviceID {
			return sess, true
		}
	}
	return domain.Session{}, false
}

// RecordAction appends an entry to the session's journal. For open commands
// a startup.durationMs sample from the result feeds the perf history.
func (s *Store) RecordAction(name string, entry domain.JournalEntry) {
	s.mu.Lock()
	journal := s.journals[name]
	startups := s.startups[name]
	s.mu.Unlock()
	if journal == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	journal.Push(entry)

	if entry.Command == "open" && startups != nil {
		if ms, ok := startupDuration(entry.Result); ok {
			startups.Push(ms)
		}
	}
}

// Journal returns the session's recorded actions, oldest first.
func (s *Store) Journal(name string) []domain.JournalEntry {
	s.mu.Lock()
	journal := s.journals[name]
	s.mu.Unlock()
	if journal == nil {
		return nil
	}
	return journal.All()
}

// StartupSamples returns recorded open durations in milliseconds.
func (s *Store) StartupSamples(name string) []float64 {
	s.mu.Lock()
	startups := s.startups[name]
	s.mu.Unlock()
	if startups == nil {
		return nil
	}
	return startups.All()
}

// WriteSessionLog serializes the journal to a replay script. An empty
// targetPath defaults to <state-dir>/sessions/<name>-<timestamp>.ad.
func (s *Store) WriteSessionLog(name, targetPath string) (string, error) {
	entries := s.Journal(name)

	if targetPath == "" {
		targetPath = filepath.Join(s.SessionsDir(),
			fmt.Sprintf("%s-%s.ad", Sanitize(name), time.Now().Format("20060102-150405")))
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("creating script dir: %w", err)
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(EncodeEntry(e))
		b.WriteByte('\n')
	}
	if err := renameio.WriteFile(targetPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing session script: %w", err)
	}
	s.log.Info("session journal persisted",
		zap.String("session", name), zap.String("path", targetPath), zap.Int("actions", len(entries)))
	return targetPath, nil
}

// SessionsDir returns <state-dir>/sessions.
func (s *Store) SessionsDir() string {
	return filepath.Join(s.stateDir, "sessions")
}

// SessionDir returns the artifact directory for one session.
func (s *Store) SessionDir(name string) string {
	return filepath.Join(s.SessionsDir(), Sanitize(name))
}

// AppLogPath returns the stable app-log path for a session, creating the
// session directory.
func (s *Store) AppLogPath(name string) (string, error) {
	dir := s.SessionDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	return filepath.Join(dir, "app.log"), nil
}

func startupDuration(result map[string]any) (float64, bool) {
	startup, ok := result["startup"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := startup["durationMs"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Sanitize keeps session names safe as path components.
func Sanitize(name string) string {
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
