package daemon

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata(t *testing.T) {
	meta := &Metadata{
		Port:             52001,
		Transport:        "socket",
		Token:            "tok-abc",
		PID:              1234,
		ProcessStartTime: "567890",
		Version:          "1.2.3",
		StateDir:         "/tmp/state",
	}

	t.Run("round-trips", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, WriteMetadata(dir, meta))

		got, err := ReadMetadata(dir)
		require.NoError(t, err)
		assert.Equal(t, meta, got)
	})

	t.Run("written owner-only", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission bits are POSIX-only")
		}
		dir := t.TempDir()
		require.NoError(t, WriteMetadata(dir, meta))

		fi, err := os.Stat(MetadataPath(dir))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadMetadata(t.TempDir())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("rejects incomplete metadata", func(t *testing.T) {
		cases := map[string]Metadata{
			"no pid":   {Port: 1, Token: "t"},
			"no token": {Port: 1, PID: 2},
			"no ports": {Token: "t", PID: 2},
		}
		for name, m := range cases {
			t.Run(name, func(t *testing.T) {
				dir := t.TempDir()
				bad := m
				require.NoError(t, WriteMetadata(dir, &bad))
				_, err := ReadMetadata(dir)
				assert.Error(t, err)
			})
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, WriteMetadata(dir, meta))
		RemoveMetadata(dir)
		RemoveMetadata(dir)
		_, err := os.Stat(MetadataPath(dir))
		assert.True(t, os.IsNotExist(err))
	})
}
