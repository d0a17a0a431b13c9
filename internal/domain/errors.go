package domain

import "fmt"

// ErrorCode is the closed taxonomy every daemon failure maps onto.
type ErrorCode string

const (
	CodeInvalidArgs         ErrorCode = "INVALID_ARGS"
	CodeDeviceNotFound      ErrorCode = "DEVICE_NOT_FOUND"
	CodeDeviceInUse         ErrorCode = "DEVICE_IN_USE"
	CodeToolMissing         ErrorCode = "TOOL_MISSING"
	CodeAppNotInstalled     ErrorCode = "APP_NOT_INSTALLED"
	CodeUnsupportedPlatform ErrorCode = "UNSUPPORTED_PLATFORM"
	CodeUnsupportedOp       ErrorCode = "UNSUPPORTED_OPERATION"
	CodeCommandFailed       ErrorCode = "COMMAND_FAILED"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeUnknown             ErrorCode = "UNKNOWN"
)

// Error is the normalized daemon error. Details is an open map; redaction
// runs over it before anything leaves the process.
type Error struct {
	Code         ErrorCode      `json:"code"`
	Message      string         `json:"message"`
	Hint         string         `json:"hint,omitempty"`
	DiagnosticID string         `json:"diagnosticId,omitempty"`
	LogPath      string         `json:"logPath,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds an Error with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHint returns the error with a hint attached.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithDetails merges key/value pairs into the details map.
func (e *Error) WithDetails(kv map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		e.Details[k] = v
	}
	return e
}

// AsError coerces any error into a normalized *Error, wrapping foreign
// errors as UNKNOWN.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*Error); ok {
		return de
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}

// DefaultHint returns the fallback hint for a code, or "" when the code has
// no canned guidance.
func DefaultHint(code ErrorCode) string {
	switch code {
	case CodeInvalidArgs:
		return "Check command arguments and run --help."
	case CodeDeviceNotFound:
		return "Run `agent-device devices` to see what is available in the active scope."
	case CodeDeviceInUse:
		return "Close the session holding this device or pick another one."
	case CodeToolMissing:
		return "Install the missing vendor tooling (Xcode Command Line Tools or Android platform-tools)."
	case CodeAppNotInstalled:
		return "Run the apps command to list installed bundle identifiers."
	case CodeSessionNotFound:
		return "Run `open` first to create a session."
	case CodeUnauthorized:
		return "Re-read the daemon metadata file for the current token, or allocate a lease."
	default:
		return ""
	}
}
