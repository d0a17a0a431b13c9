package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateAppLog(t *testing.T) {
	write := func(t *testing.T, path, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	read := func(t *testing.T, path string) string {
		t.Helper()
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return string(data)
	}

	t.Run("below threshold is untouched", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		write(t, path, "small")

		require.NoError(t, RotateAppLog(path, 1024, 3))
		assert.Equal(t, "small", read(t, path))
	})

	t.Run("missing file is fine", func(t *testing.T) {
		require.NoError(t, RotateAppLog(filepath.Join(t.TempDir(), "app.log"), 10, 3))
	})

	t.Run("shifts backups and drops the oldest", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "app.log")
		write(t, path, "current-content")
		write(t, path+".1", "gen1")
		write(t, path+".2", "gen2")
		write(t, path+".3", "gen3")

		require.NoError(t, RotateAppLog(path, 5, 3))

		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "app.log should have been rotated away")
		assert.Equal(t, "current-content", read(t, path+".1"))
		assert.Equal(t, "gen1", read(t, path+".2"))
		assert.Equal(t, "gen2", read(t, path+".3"))
		_, err = os.Stat(path + ".4")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("zero limits disable rotation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		write(t, path, "content")
		require.NoError(t, RotateAppLog(path, 0, 0))
		assert.Equal(t, "content", read(t, path))
	})
}
