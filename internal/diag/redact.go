package diag

import "strings"

// Redacted replaces every secret-looking value before anything leaves the
// process.
const Redacted = "[REDACTED]"

// secretKeys is the allowlist of key names whose values are always masked.
// Matching is case-insensitive on the lowercased key.
var secretKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"password":      {},
	"passphrase":    {},
	"apikey":        {},
	"api_key":       {},
	"secret":        {},
	"credential":    {},
	"cookie":        {},
}

// IsSecretKey reports whether a key name matches the secret allowlist.
func IsSecretKey(key string) bool {
	_, ok := secretKeys[strings.ToLower(key)]
	return ok
}

// Redact returns a deep copy of m with secret values replaced. Nested maps
// and slices are walked recursively; the input is never mutated.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}
