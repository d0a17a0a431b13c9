package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelRegistry(t *testing.T) {
	t.Run("cancel marks all requests on the connection", func(t *testing.T) {
		c := NewCancelRegistry()
		c.Track("r1", "conn-a")
		c.Track("r2", "conn-a")
		c.Track("r3", "conn-b")

		assert.Equal(t, 2, c.CancelConnection("conn-a"))
		assert.True(t, c.IsCanceled("r1"))
		assert.True(t, c.IsCanceled("r2"))
		assert.False(t, c.IsCanceled("r3"))
	})

	t.Run("done clears the cancellation mark", func(t *testing.T) {
		c := NewCancelRegistry()
		c.Track("r1", "conn-a")
		c.CancelConnection("conn-a")
		c.Done("r1")

		assert.False(t, c.IsCanceled("r1"))
		assert.Equal(t, 0, c.InflightOn("conn-a"))
	})

	t.Run("inflight counts per connection", func(t *testing.T) {
		c := NewCancelRegistry()
		c.Track("r1", "conn-a")
		c.Track("r2", "conn-a")
		assert.Equal(t, 2, c.InflightOn("conn-a"))

		c.Done("r1")
		assert.Equal(t, 1, c.InflightOn("conn-a"))
	})

	t.Run("empty request ids are ignored", func(t *testing.T) {
		c := NewCancelRegistry()
		c.Track("", "conn-a")
		assert.Equal(t, 0, c.InflightOn("conn-a"))
		assert.False(t, c.IsCanceled(""))
	})
}
