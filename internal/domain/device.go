package domain

// Platform identifies the vendor toolchain a device belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform normalizes a platform selector, accepting the "apple" alias.
func ParsePlatform(s string) (Platform, bool) {
	switch s {
	case "ios", "apple":
		return PlatformIOS, true
	case "android":
		return PlatformAndroid, true
	default:
		return "", false
	}
}

// DeviceKind distinguishes virtual devices from physical hardware.
type DeviceKind string

const (
	KindSimulator DeviceKind = "simulator"
	KindEmulator  DeviceKind = "emulator"
	KindDevice    DeviceKind = "device"
)

// Target is the device form factor class.
type Target string

const (
	TargetMobile Target = "mobile"
	TargetTV     Target = "tv"
)

// Device describes one discovered device. Immutable for the lifetime of a
// session once bound.
type Device struct {
	Platform Platform   `json:"platform"`
	ID       string     `json:"id"` // UDID (iOS) or serial (Android)
	Name     string     `json:"name"`
	Kind     DeviceKind `json:"kind"`
	Target   Target     `json:"target"`
	Booted   bool       `json:"booted"`
	// SimulatorSet is the CoreSimulator device-set path, only populated for
	// iOS simulators running in a non-default set.
	SimulatorSet string `json:"simulatorSet,omitempty"`
}

// IsVirtual returns true for simulators and emulators.
func (d Device) IsVirtual() bool {
	return d.Kind == KindSimulator || d.Kind == KindEmulator
}

// Selector is the combined device-selection input from a request. Empty
// fields are wildcards.
type Selector struct {
	Platform     string   `json:"platform,omitempty"`
	Target       string   `json:"target,omitempty"`
	Name         string   `json:"name,omitempty"`
	UDID         string   `json:"udid,omitempty"`
	Serial       string   `json:"serial,omitempty"`
	SimulatorSet string   `json:"simulatorSet,omitempty"`
	Allowlist    []string `json:"allowlist,omitempty"`
}

// Empty reports whether no selector field is set.
func (s Selector) Empty() bool {
	return s.Platform == "" && s.Target == "" && s.Name == "" &&
		s.UDID == "" && s.Serial == "" && s.SimulatorSet == "" && len(s.Allowlist) == 0
}
