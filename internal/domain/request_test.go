package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsString(t *testing.T) {
	f := Flags{
		"name":    "checkout",
		"count":   float64(5),
		"ratio":   float64(1.5),
		"enabled": true,
		"null":    nil,
	}

	assert.Equal(t, "checkout", f.String("name"))
	assert.Equal(t, "5", f.String("count"))
	assert.Equal(t, "1.5", f.String("ratio"))
	assert.Equal(t, "true", f.String("enabled"))
	assert.Equal(t, "", f.String("null"))
	assert.Equal(t, "", f.String("missing"))
}

func TestFlagsBool(t *testing.T) {
	f := Flags{"a": true, "b": "true", "c": "1", "d": "yes", "e": false}

	assert.True(t, f.Bool("a"))
	assert.True(t, f.Bool("b"))
	assert.True(t, f.Bool("c"))
	assert.False(t, f.Bool("d"))
	assert.False(t, f.Bool("e"))
	assert.False(t, f.Bool("missing"))
}

func TestFlagsInt(t *testing.T) {
	f := Flags{"ms": float64(5000), "n": "42", "bad": "oops"}

	assert.Equal(t, 5000, f.Int("ms", 0))
	assert.Equal(t, 42, f.Int("n", 0))
	assert.Equal(t, 7, f.Int("bad", 7))
	assert.Equal(t, 7, f.Int("missing", 7))
}

func TestFlagsStrings(t *testing.T) {
	t.Run("splits comma-separated values", func(t *testing.T) {
		f := Flags{"serials": "A1, B2,C3"}
		assert.Equal(t, []string{"A1", "B2", "C3"}, f.Strings("serials"))
	})

	t.Run("accepts json arrays", func(t *testing.T) {
		f := Flags{"serials": []any{"A1", "B2", 42}}
		assert.Equal(t, []string{"A1", "B2"}, f.Strings("serials"))
	})

	t.Run("empty and missing are nil", func(t *testing.T) {
		f := Flags{"serials": ""}
		assert.Nil(t, f.Strings("serials"))
		assert.Nil(t, f.Strings("missing"))
	})
}

func TestRequestResolvers(t *testing.T) {
	t.Run("meta wins over flags", func(t *testing.T) {
		r := &Request{
			Flags: Flags{"tenant": "flag-tenant", "runId": "flag-run", "leaseId": "flag-lease"},
			Meta:  Meta{TenantID: "meta-tenant", RunID: "meta-run", LeaseID: "meta-lease"},
		}
		assert.Equal(t, "meta-tenant", r.TenantID())
		assert.Equal(t, "meta-run", r.RunID())
		assert.Equal(t, "meta-lease", r.LeaseID())
	})

	t.Run("flags fill in when meta is empty", func(t *testing.T) {
		r := &Request{Flags: Flags{"tenant": "acme", "runId": "run-7"}}
		assert.Equal(t, "acme", r.TenantID())
		assert.Equal(t, "run-7", r.RunID())
		assert.Equal(t, "", r.LeaseID())
	})

	t.Run("isolation comes from meta or flag", func(t *testing.T) {
		assert.Equal(t, IsolationTenant,
			(&Request{Meta: Meta{SessionIsolation: IsolationTenant}}).Isolation())
		assert.Equal(t, IsolationTenant,
			(&Request{Flags: Flags{"sessionIsolation": "tenant"}}).Isolation())
		assert.Equal(t, IsolationNone,
			(&Request{Flags: Flags{"sessionIsolation": "bogus"}}).Isolation())
	})
}

func TestRequestSelector(t *testing.T) {
	r := &Request{Flags: Flags{
		"platform": "android",
		"device":   "Pixel 9",
		"serial":   "emulator-5554",
		"serials":  "A,B",
	}}

	sel := r.Selector()
	assert.Equal(t, "android", sel.Platform)
	assert.Equal(t, "Pixel 9", sel.Name)
	assert.Equal(t, "emulator-5554", sel.Serial)
	assert.Equal(t, []string{"A", "B"}, sel.Allowlist)
	assert.Empty(t, sel.UDID)
}

func TestResponseBuilders(t *testing.T) {
	t.Run("ok normalizes nil data", func(t *testing.T) {
		resp := OkResponse(nil)
		assert.True(t, resp.OK)
		assert.NotNil(t, resp.Data)
	})

	t.Run("fail wraps foreign errors as UNKNOWN", func(t *testing.T) {
		resp := FailResponse(assert.AnError)
		assert.False(t, resp.OK)
		assert.Equal(t, CodeUnknown, resp.Error.Code)
	})
}
