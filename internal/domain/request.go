package domain

import (
	"strconv"
	"strings"
)

// IsolationMode controls how session names are scoped across tenants.
type IsolationMode string

const (
	IsolationNone   IsolationMode = ""
	IsolationTenant IsolationMode = "tenant"
)

// Meta carries request-scoped context supplied by the client.
type Meta struct {
	RequestID        string        `json:"requestId,omitempty"`
	Debug            bool          `json:"debug,omitempty"`
	WorkingDir       string        `json:"workingDir,omitempty"`
	TenantID         string        `json:"tenantId,omitempty"`
	RunID            string        `json:"runId,omitempty"`
	LeaseID          string        `json:"leaseId,omitempty"`
	SessionIsolation IsolationMode `json:"sessionIsolation,omitempty"`
}

// Flags is the open-schema option map on a request. Handlers extract and
// validate the flags they consume; the transport never does.
type Flags map[string]any

// String returns the flag as a string, tolerating numeric and boolean values.
func (f Flags) String(key string) string {
	v, ok := f[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Bool returns true for true, "true" and "1".
func (f Flags) Bool(key string) bool {
	switch t := f[key].(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	default:
		return false
	}
}

// Int returns the flag as an int with a fallback default.
func (f Flags) Int(key string, def int) int {
	switch t := f[key].(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// Strings returns a list-valued flag, splitting comma-separated strings.
func (f Flags) Strings(key string) []string {
	switch t := f[key].(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

// Has reports whether the flag was supplied at all.
func (f Flags) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Request is the daemon request envelope shared by both transports.
type Request struct {
	Token       string   `json:"token,omitempty"`
	Session     string   `json:"session,omitempty"`
	Command     string   `json:"command"`
	Positionals []string `json:"positionals,omitempty"`
	Flags       Flags    `json:"flags,omitempty"`
	Meta        Meta     `json:"meta,omitempty"`
}

// Selector extracts the device-selection flags from the request.
func (r *Request) Selector() Selector {
	return Selector{
		Platform:     r.Flags.String("platform"),
		Target:       r.Flags.String("target"),
		Name:         r.Flags.String("device"),
		UDID:         r.Flags.String("udid"),
		Serial:       r.Flags.String("serial"),
		SimulatorSet: r.Flags.String("simulator-set"),
		Allowlist:    r.Flags.Strings("serials"),
	}
}

// TenantID resolves the effective tenant, preferring meta over flags.
func (r *Request) TenantID() string {
	if r.Meta.TenantID != "" {
		return r.Meta.TenantID
	}
	return r.Flags.String("tenant")
}

// RunID resolves the effective run identifier.
func (r *Request) RunID() string {
	if r.Meta.RunID != "" {
		return r.Meta.RunID
	}
	return r.Flags.String("runId")
}

// LeaseID resolves the effective lease identifier.
func (r *Request) LeaseID() string {
	if r.Meta.LeaseID != "" {
		return r.Meta.LeaseID
	}
	return r.Flags.String("leaseId")
}

// Isolation resolves the effective isolation mode.
func (r *Request) Isolation() IsolationMode {
	if r.Meta.SessionIsolation != "" {
		return r.Meta.SessionIsolation
	}
	if r.Flags.String("sessionIsolation") == string(IsolationTenant) {
		return IsolationTenant
	}
	return IsolationNone
}

// Response is the daemon response envelope.
type Response struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error *Error         `json:"error,omitempty"`
	// RequestID echoes the request for socket-transport correlation.
	RequestID string `json:"requestId,omitempty"`
}

// OkResponse builds a success envelope.
func OkResponse(data map[string]any) *Response {
	if data == nil {
		data = map[string]any{}
	}
	return &Response{OK: true, Data: data}
}

// FailResponse builds a failure envelope from any error.
func FailResponse(err error) *Response {
	return &Response{OK: false, Error: AsError(err)}
}
