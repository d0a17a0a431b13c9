package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsError(t *testing.T) {
	t.Run("passes through normalized errors", func(t *testing.T) {
		orig := Errf(CodeDeviceNotFound, "no device matched")
		assert.Same(t, orig, AsError(orig))
	})

	t.Run("wraps foreign errors as UNKNOWN", func(t *testing.T) {
		e := AsError(errors.New("dial tcp: refused"))
		require.NotNil(t, e)
		assert.Equal(t, CodeUnknown, e.Code)
		assert.Equal(t, "dial tcp: refused", e.Message)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsError(nil))
	})
}

func TestErrf(t *testing.T) {
	e := Errf(CodeInvalidArgs, "flag %q needs a value", "timeout")
	assert.Equal(t, CodeInvalidArgs, e.Code)
	assert.Equal(t, `INVALID_ARGS: flag "timeout" needs a value`, e.Error())

	e = e.WithHint("pass --timeout 5000").WithDetails(map[string]any{"flag": "timeout"})
	assert.Equal(t, "pass --timeout 5000", e.Hint)
	assert.Equal(t, "timeout", e.Details["flag"])

	e.WithDetails(map[string]any{"got": nil})
	assert.Len(t, e.Details, 2)
}

func TestDefaultHint(t *testing.T) {
	hinted := []ErrorCode{
		CodeInvalidArgs, CodeDeviceNotFound, CodeDeviceInUse, CodeToolMissing,
		CodeAppNotInstalled, CodeSessionNotFound, CodeUnauthorized,
	}
	for _, code := range hinted {
		t.Run(string(code), func(t *testing.T) {
			assert.NotEmpty(t, DefaultHint(code))
		})
	}

	assert.Empty(t, DefaultHint(CodeCommandFailed))
	assert.Empty(t, DefaultHint(CodeUnknown))
}

func TestValidScopeID(t *testing.T) {
	valid := []string{"acme", "run-1", "a.b_c", "Tenant42"}
	for _, id := range valid {
		assert.True(t, ValidScopeID(id), id)
	}

	invalid := []string{"", "has space", "slash/y", "colon:y", fmt.Sprintf("%0129d", 0)}
	for _, id := range invalid {
		assert.False(t, ValidScopeID(id), id)
	}
}

func TestValidLeaseID(t *testing.T) {
	assert.True(t, ValidLeaseID("0123456789abcdef0123456789abcdef"))
	assert.False(t, ValidLeaseID("0123456789abcdef0123456789ABCDEF"), "uppercase hex")
	assert.False(t, ValidLeaseID("abcdef"), "too short")
	assert.False(t, ValidLeaseID("not-hex-at-all-0"))
}
