package lease

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdevice/agent-device/internal/domain"
)

func testRegistry(limits Limits) (*Registry, *clock.Mock) {
	mock := clock.NewMock()
	return NewRegistryWithClock(limits, mock), mock
}

func TestAllocate(t *testing.T) {
	t.Run("mints a lease with defaults", func(t *testing.T) {
		r, mock := testRegistry(DefaultLimits())

		l, err := r.Allocate("tenant-a", "run-1", "", 0)
		require.NoError(t, err)
		assert.Len(t, l.LeaseID, 32)
		assert.Equal(t, "tenant-a", l.TenantID)
		assert.Equal(t, "run-1", l.RunID)
		assert.Equal(t, domain.BackendIOSSimulator, l.Backend)
		assert.Equal(t, mock.Now().Add(60*time.Second), l.ExpiresAt)
	})

	t.Run("is idempotent per tenant, run and backend", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		first, err := r.Allocate("tenant-a", "run-1", "", 0)
		require.NoError(t, err)
		second, err := r.Allocate("tenant-a", "run-1", "", 0)
		require.NoError(t, err)
		assert.Equal(t, first.LeaseID, second.LeaseID)

		other, err := r.Allocate("tenant-a", "run-2", "", 0)
		require.NoError(t, err)
		assert.NotEqual(t, first.LeaseID, other.LeaseID)
	})

	t.Run("clamps TTL into bounds", func(t *testing.T) {
		r, mock := testRegistry(DefaultLimits())

		l, err := r.Allocate("t", "r", "", 1) // below the 5s floor
		require.NoError(t, err)
		assert.Equal(t, mock.Now().Add(5*time.Second), l.ExpiresAt)

		l, err = r.Allocate("t", "r2", "", int((time.Hour).Milliseconds()))
		require.NoError(t, err)
		assert.Equal(t, mock.Now().Add(600*time.Second), l.ExpiresAt)
	})

	t.Run("rejects invalid scope ids", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		_, err := r.Allocate("bad tenant!", "run-1", "", 0)
		require.Error(t, err)
		assert.Equal(t, domain.CodeInvalidArgs, domain.AsError(err).Code)

		_, err = r.Allocate("tenant", "", "", 0)
		require.Error(t, err)
		assert.Equal(t, domain.CodeInvalidArgs, domain.AsError(err).Code)
	})

	t.Run("enforces backend capacity", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxPerBackend = 2
		r, _ := testRegistry(limits)

		_, err := r.Allocate("t", "r1", "", 0)
		require.NoError(t, err)
		_, err = r.Allocate("t", "r2", "", 0)
		require.NoError(t, err)

		_, err = r.Allocate("t", "r3", "", 0)
		require.Error(t, err)
		derr := domain.AsError(err)
		assert.Equal(t, domain.CodeCommandFailed, derr.Code)
		assert.NotEmpty(t, derr.Hint)
	})
}

func TestExpiry(t *testing.T) {
	t.Run("expired leases vanish lazily", func(t *testing.T) {
		r, mock := testRegistry(DefaultLimits())

		l, err := r.Allocate("t", "r", "", 5000)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Active())

		mock.Add(6 * time.Second)
		assert.Equal(t, 0, r.Active())

		_, err = r.Heartbeat(l.LeaseID, "t", "r", 0)
		require.Error(t, err)
		assert.Equal(t, domain.CodeUnauthorized, domain.AsError(err).Code)
	})

	t.Run("heartbeat extends the TTL", func(t *testing.T) {
		r, mock := testRegistry(DefaultLimits())

		l, err := r.Allocate("t", "r", "", 5000)
		require.NoError(t, err)

		mock.Add(4 * time.Second)
		_, err = r.Heartbeat(l.LeaseID, "t", "r", 5000)
		require.NoError(t, err)

		mock.Add(4 * time.Second)
		assert.Equal(t, 1, r.Active())
	})

	t.Run("expired scope can be re-allocated", func(t *testing.T) {
		r, mock := testRegistry(DefaultLimits())

		first, err := r.Allocate("t", "r", "", 5000)
		require.NoError(t, err)

		mock.Add(10 * time.Second)
		second, err := r.Allocate("t", "r", "", 5000)
		require.NoError(t, err)
		assert.NotEqual(t, first.LeaseID, second.LeaseID)
	})
}

func TestScopeChecks(t *testing.T) {
	t.Run("heartbeat rejects wrong tenant", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		l, err := r.Allocate("t", "r", "", 0)
		require.NoError(t, err)

		_, err = r.Heartbeat(l.LeaseID, "other", "r", 0)
		require.Error(t, err)
		derr := domain.AsError(err)
		assert.Equal(t, domain.CodeUnauthorized, derr.Code)
		assert.Equal(t, "LEASE_SCOPE_MISMATCH", derr.Details["reason"])
	})

	t.Run("release is idempotent", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		l, err := r.Allocate("t", "r", "", 0)
		require.NoError(t, err)

		released, err := r.Release(l.LeaseID, "t", "r")
		require.NoError(t, err)
		assert.True(t, released)

		released, err = r.Release(l.LeaseID, "t", "r")
		require.NoError(t, err)
		assert.False(t, released)
	})
}

func TestAssertAdmission(t *testing.T) {
	t.Run("requires the full triple", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		err := r.AssertAdmission("t", "r", "", "")
		require.Error(t, err)
		assert.Equal(t, domain.CodeInvalidArgs, domain.AsError(err).Code)
	})

	t.Run("admits a matching lease", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		l, err := r.Allocate("t", "r", "", 0)
		require.NoError(t, err)
		require.NoError(t, r.AssertAdmission("t", "r", l.LeaseID, ""))
	})

	t.Run("rejects a scope mismatch", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		l, err := r.Allocate("t", "r", "", 0)
		require.NoError(t, err)

		err = r.AssertAdmission("t", "other-run", l.LeaseID, "")
		require.Error(t, err)
		assert.Equal(t, "LEASE_SCOPE_MISMATCH", domain.AsError(err).Details["reason"])
	})

	t.Run("rejects an unknown lease", func(t *testing.T) {
		r, _ := testRegistry(DefaultLimits())

		err := r.AssertAdmission("t", "r", "deadbeefdeadbeef", "")
		require.Error(t, err)
		assert.Equal(t, "LEASE_NOT_FOUND", domain.AsError(err).Details["reason"])
	})
}
