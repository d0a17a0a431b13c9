package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	t.Run("masks secret keys case-insensitively", func(t *testing.T) {
		out := Redact(map[string]any{
			"Token":         "abc123",
			"AUTHORIZATION": "Bearer xyz",
			"command":       "press",
		})
		assert.Equal(t, Redacted, out["Token"])
		assert.Equal(t, Redacted, out["AUTHORIZATION"])
		assert.Equal(t, "press", out["command"])
	})

	t.Run("walks nested maps and slices", func(t *testing.T) {
		out := Redact(map[string]any{
			"meta": map[string]any{"apiKey": "k", "tenant": "acme"},
			"steps": []any{
				map[string]any{"password": "hunter2", "name": "login"},
				"plain",
			},
		})
		meta := out["meta"].(map[string]any)
		assert.Equal(t, Redacted, meta["apiKey"])
		assert.Equal(t, "acme", meta["tenant"])

		steps := out["steps"].([]any)
		step := steps[0].(map[string]any)
		assert.Equal(t, Redacted, step["password"])
		assert.Equal(t, "login", step["name"])
		assert.Equal(t, "plain", steps[1])
	})

	t.Run("does not mutate the input", func(t *testing.T) {
		in := map[string]any{"secret": "s", "nested": map[string]any{"cookie": "c"}}
		_ = Redact(in)
		assert.Equal(t, "s", in["secret"])
		assert.Equal(t, "c", in["nested"].(map[string]any)["cookie"])
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Redact(nil))
	})
}

func TestIsSecretKey(t *testing.T) {
	assert.True(t, IsSecretKey("token"))
	assert.True(t, IsSecretKey("API_KEY"))
	assert.False(t, IsSecretKey("username"))
	assert.False(t, IsSecretKey("tokenized")) // exact match only
}
