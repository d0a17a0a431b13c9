package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdevice/agent-device/internal/procident"
)

func TestAcquireLock(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		dir := t.TempDir()

		lock, err := AcquireLock(dir, "1.0.0", nil)
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(dir, lockFileName))
		require.NoError(t, err)
		var info LockInfo
		require.NoError(t, json.Unmarshal(data, &info))
		assert.Equal(t, os.Getpid(), info.PID)
		assert.Equal(t, "1.0.0", info.Version)

		lock.Release()
		_, err = os.Stat(filepath.Join(dir, lockFileName))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("live owner wins", func(t *testing.T) {
		dir := t.TempDir()

		// The current test process is a perfectly live lock owner.
		_, err := AcquireLock(dir, "1.0.0", nil)
		require.NoError(t, err)

		_, err = AcquireLock(dir, "1.0.0", nil)
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	})

	t.Run("stale lock from a dead pid is broken", func(t *testing.T) {
		dir := t.TempDir()
		stale := LockInfo{
			PID:       999999,
			StartTime: "1",
			StartedAt: time.Now().Add(-time.Hour),
			Version:   "0.9.0",
		}
		data, err := json.Marshal(stale)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), data, 0o600))

		lock, err := AcquireLock(dir, "1.0.0", nil)
		require.NoError(t, err)
		lock.Release()
	})

	t.Run("recycled pid with a different start time is stale", func(t *testing.T) {
		dir := t.TempDir()
		stale := LockInfo{
			PID:       os.Getpid(),
			StartTime: procident.ReadStartTime(os.Getpid()) + "-not",
			StartedAt: time.Now().Add(-time.Hour),
		}
		data, err := json.Marshal(stale)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), data, 0o600))

		lock, err := AcquireLock(dir, "1.0.0", nil)
		require.NoError(t, err)
		lock.Release()
	})

	t.Run("unreadable lock is treated as stale", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte("garbage"), 0o600))

		lock, err := AcquireLock(dir, "1.0.0", nil)
		require.NoError(t, err)
		lock.Release()
	})
}
