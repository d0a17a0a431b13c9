package domain

import "time"

// DefaultSessionName is used when the client does not name a session.
const DefaultSessionName = "default"

// AppContext identifies the app a session is working against.
type AppContext struct {
	BundleID string `json:"bundleId"` // bundle id (iOS) or package name (Android)
	Name     string `json:"name,omitempty"`
}

// Recording is the handle for an in-flight screen recording.
type Recording struct {
	Platform   Platform `json:"platform"`
	OutputPath string   `json:"outputPath"`
	// RemotePath is the on-device path for Android screenrecord captures,
	// pulled on stop.
	RemotePath string `json:"remotePath,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// AppLogState tracks the lifecycle of a log stream handle.
type AppLogState string

const (
	AppLogRunning AppLogState = "running"
	AppLogStopped AppLogState = "stopped"
)

// AppLog is the handle for an in-flight app log stream.
type AppLog struct {
	Backend    string      `json:"backend"` // "simctl", "devicectl" or "logcat"
	OutputPath string      `json:"outputPath"`
	State      AppLogState `json:"state"`
	PID        int         `json:"pid,omitempty"`
}

// JournalEntry records one successfully executed action for replay.
type JournalEntry struct {
	Command     string         `json:"command"`
	Positionals []string       `json:"positionals,omitempty"`
	Flags       Flags          `json:"flags,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	At          time.Time      `json:"at"`
}

// Session is a named, device-bound unit of work. Values are copied out of the
// store for mutation and copied back; the store mutex serializes that. The
// action journal and startup samples live in the store, not on the value.
type Session struct {
	Name      string      `json:"name"`
	Device    Device      `json:"device"`
	App       *AppContext `json:"app,omitempty"`
	Recording *Recording  `json:"recording,omitempty"`
	AppLog    *AppLog     `json:"appLog,omitempty"`
	// TraceLog is the trace capture path while `trace start` is active.
	TraceLog string `json:"traceLog,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
