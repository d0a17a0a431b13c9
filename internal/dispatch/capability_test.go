package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdevice/agent-device/internal/domain"
)

func simDevice() domain.Device {
	return domain.Device{Platform: domain.PlatformIOS, Kind: domain.KindSimulator, ID: "SIM"}
}

func physicalDevice() domain.Device {
	return domain.Device{Platform: domain.PlatformIOS, Kind: domain.KindDevice, ID: "DEV"}
}

func androidDevice() domain.Device {
	return domain.Device{Platform: domain.PlatformAndroid, Kind: domain.KindEmulator, ID: "emulator-5554"}
}

func TestSupported(t *testing.T) {
	t.Run("simulator-only commands", func(t *testing.T) {
		for _, cmd := range []string{"alert", "pinch"} {
			assert.True(t, Supported(cmd, simDevice()), cmd)
			assert.False(t, Supported(cmd, physicalDevice()), cmd)
			assert.False(t, Supported(cmd, androidDevice()), cmd)
		}
	})

	t.Run("simulator and android commands", func(t *testing.T) {
		for _, cmd := range []string{"settings", "push", "clipboard"} {
			assert.True(t, Supported(cmd, simDevice()), cmd)
			assert.False(t, Supported(cmd, physicalDevice()), cmd)
			assert.True(t, Supported(cmd, androidDevice()), cmd)
		}
	})

	t.Run("android-only commands", func(t *testing.T) {
		assert.False(t, Supported("keyboard", simDevice()))
		assert.False(t, Supported("keyboard", physicalDevice()))
		assert.True(t, Supported("keyboard", androidDevice()))
	})

	t.Run("universal commands", func(t *testing.T) {
		for _, cmd := range []string{"open", "press", "snapshot", "screenshot", "boot"} {
			assert.True(t, Supported(cmd, simDevice()), cmd)
			assert.True(t, Supported(cmd, physicalDevice()), cmd)
			assert.True(t, Supported(cmd, androidDevice()), cmd)
		}
	})

	// Pins the forward-compatibility default: commands the matrix does not
	// know run everywhere and fail at the backend instead.
	t.Run("unknown commands default to supported", func(t *testing.T) {
		assert.True(t, Supported("future-command", simDevice()))
		assert.True(t, Supported("future-command", physicalDevice()))
		assert.True(t, Supported("future-command", androidDevice()))
	})
}
