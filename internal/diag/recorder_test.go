package diag

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readNDJSON(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRecorderFlush(t *testing.T) {
	t.Run("writes header plus events", func(t *testing.T) {
		dir := t.TempDir()
		rec := NewRecorder(dir, "checkout", "press", "req-1", false)
		rec.Event("info", "dispatch", map[string]any{"device": "SIM"})
		rec.Event("error", "dispatch_end", map[string]any{"error": "boom"})

		path, err := rec.Flush()
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(path, ".ndjson"))

		lines := readNDJSON(t, path)
		require.Len(t, lines, 3)
		assert.Equal(t, "checkout", lines[0]["session"])
		assert.Equal(t, "press", lines[0]["command"])
		assert.Equal(t, rec.DiagnosticID(), lines[0]["diagId"])
		assert.Equal(t, "dispatch", lines[1]["phase"])
		assert.Equal(t, "error", lines[2]["level"])
	})

	t.Run("redacts event data at flush time", func(t *testing.T) {
		rec := NewRecorder(t.TempDir(), "s", "open", "req-2", false)
		rec.Event("debug", "auth", map[string]any{"token": "secret-value", "user": "amy"})

		path, err := rec.Flush()
		require.NoError(t, err)

		lines := readNDJSON(t, path)
		data := lines[1]["data"].(map[string]any)
		assert.Equal(t, Redacted, data["token"])
		assert.Equal(t, "amy", data["user"])
	})

	t.Run("repeat flush reuses the file", func(t *testing.T) {
		rec := NewRecorder(t.TempDir(), "s", "open", "req-3", false)
		rec.Event("info", "one", nil)

		first, err := rec.Flush()
		require.NoError(t, err)
		second, err := rec.Flush()
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("sessionless scopes land under daemon", func(t *testing.T) {
		dir := t.TempDir()
		rec := NewRecorder(dir, "", "devices", "req-4", false)

		path, err := rec.Flush()
		require.NoError(t, err)
		rel, err := filepath.Rel(dir, path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(rel, filepath.Join("logs", "daemon")), rel)
	})

	t.Run("session names are sanitized in the path", func(t *testing.T) {
		dir := t.TempDir()
		rec := NewRecorder(dir, "acme:run/1", "open", "req-5", false)

		path, err := rec.Flush()
		require.NoError(t, err)
		assert.Contains(t, path, "acme_run_1")
	})
}

func TestRecorderTime(t *testing.T) {
	t.Run("brackets the phase with start and end", func(t *testing.T) {
		rec := NewRecorder(t.TempDir(), "s", "boot", "req-6", true)
		require.NoError(t, rec.Time("boot", func() error { return nil }))

		path, err := rec.Flush()
		require.NoError(t, err)
		lines := readNDJSON(t, path)
		require.Len(t, lines, 3)
		assert.Equal(t, "boot_start", lines[1]["phase"])
		assert.Equal(t, "boot_end", lines[2]["phase"])
		data := lines[2]["data"].(map[string]any)
		assert.Contains(t, data, "durationMs")
	})

	t.Run("propagates the error and records it", func(t *testing.T) {
		rec := NewRecorder(t.TempDir(), "s", "boot", "req-7", true)
		err := rec.Time("boot", func() error { return errors.New("device offline") })
		require.EqualError(t, err, "device offline")

		path, flushErr := rec.Flush()
		require.NoError(t, flushErr)
		lines := readNDJSON(t, path)
		last := lines[len(lines)-1]
		assert.Equal(t, "error", last["level"])
		assert.Equal(t, "device offline", last["data"].(map[string]any)["error"])
	})
}

func TestDiagnosticID(t *testing.T) {
	a := NewRecorder(t.TempDir(), "s", "open", "r1", false)
	b := NewRecorder(t.TempDir(), "s", "open", "r2", false)
	assert.Len(t, a.DiagnosticID(), 12)
	assert.NotEqual(t, a.DiagnosticID(), b.DiagnosticID())
}
