package dispatch

import "github.com/agentdevice/agent-device/internal/domain"

// deviceClass collapses a device descriptor to one of the three capability
// columns. Android TV shares the Android set; tvOS follows the iOS set for
// its kind.
type deviceClass int

const (
	classIOSSimulator deviceClass = iota
	classIOSDevice
	classAndroid
)

func classOf(dev domain.Device) deviceClass {
	if dev.Platform == domain.PlatformAndroid {
		return classAndroid
	}
	if dev.Kind == domain.KindSimulator {
		return classIOSSimulator
	}
	return classIOSDevice
}

// capabilities is the authoritative matrix from command name to supported
// device classes. Commands absent from the map are treated as supported
// everywhere; that default is deliberate forward compatibility and pinned by
// a test.
var capabilities = map[string][3]bool{
	// [iosSimulator, iosDevice, android]
	"alert": {true, false, false},
	"pinch": {true, false, false},

	"settings":  {true, false, true},
	"push":      {true, false, true},
	"clipboard": {true, false, true},

	"keyboard": {false, false, true},

	"open":              {true, true, true},
	"close":             {true, true, true},
	"snapshot":          {true, true, true},
	"wait":              {true, true, true},
	"press":             {true, true, true},
	"fill":              {true, true, true},
	"type":              {true, true, true},
	"focus":             {true, true, true},
	"scroll":            {true, true, true},
	"scrollintoview":    {true, true, true},
	"back":              {true, true, true},
	"home":              {true, true, true},
	"app-switcher":      {true, true, true},
	"screenshot":        {true, true, true},
	"record":            {true, true, true},
	"reinstall":         {true, true, true},
	"logs":              {true, true, true},
	"apps":              {true, true, true},
	"appstate":          {true, true, true},
	"boot":              {true, true, true},
	"trigger-app-event": {true, true, true},
	"find":              {true, true, true},
	"is":                {true, true, true},
	"get":               {true, true, true},
	"longpress":         {true, true, true},
	"diff":              {true, true, true},
	"perf":              {true, true, true},
}

// Supported reports whether a command can run on the given device.
func Supported(command string, dev domain.Device) bool {
	caps, known := capabilities[command]
	if !known {
		return true
	}
	return caps[classOf(dev)]
}
