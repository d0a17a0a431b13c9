package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Config holds daemon and client configuration.
type Config struct {
	// StateDir is the per-user root for metadata, sessions and diagnostics.
	StateDir string `mapstructure:"state_dir"`

	// ServerMode selects which transports the daemon brings up: socket, http
	// or dual.
	ServerMode string `mapstructure:"server_mode"`

	// Transport is the client-side preference: auto, socket or http.
	Transport string `mapstructure:"transport"`

	// TimeoutMs is the client per-request wall-clock budget. The daemon never
	// enforces it internally so cold simulator boots can finish.
	TimeoutMs int `mapstructure:"timeout_ms"`

	// ResetOnTimeout lets the client SIGKILL an unresponsive daemon after
	// repeated request timeouts. Intended for CI.
	ResetOnTimeout bool `mapstructure:"reset_on_timeout"`

	// AuthHookPath names an executable invoked per HTTP request before the
	// pipeline; AuthHookExport selects the decision entry (default "default").
	AuthHookPath   string `mapstructure:"auth_hook"`
	AuthHookExport string `mapstructure:"auth_hook_export"`

	Lease  LeaseConfig  `mapstructure:"lease"`
	AppLog AppLogConfig `mapstructure:"app_log"`

	// BatchMaxSteps caps the number of steps a single batch request may run.
	BatchMaxSteps int `mapstructure:"batch_max_steps"`

	// EventURLTemplate is the deep-link template for trigger-app-event, with
	// {event}, {payload} and {platform} placeholders. Platform-specific
	// variants win over the generic one.
	EventURLTemplate        string `mapstructure:"event_url_template"`
	EventURLTemplateIOS     string `mapstructure:"event_url_template_ios"`
	EventURLTemplateAndroid string `mapstructure:"event_url_template_android"`
}

// LeaseConfig bounds lease TTLs and backend capacity.
type LeaseConfig struct {
	TTLMs              int `mapstructure:"ttl_ms"`
	MinTTLMs           int `mapstructure:"min_ttl_ms"`
	MaxTTLMs           int `mapstructure:"max_ttl_ms"`
	MaxSimulatorLeases int `mapstructure:"max_simulator_leases"`
}

// AppLogConfig controls per-session app.log rotation.
type AppLogConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
	MaxFiles int   `mapstructure:"max_files"`
}

// Default returns a Config with default values.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		StateDir:       filepath.Join(home, ".agent-device"),
		ServerMode:     "socket",
		Transport:      "auto",
		TimeoutMs:      90_000,
		AuthHookExport: "default",
		Lease: LeaseConfig{
			TTLMs:    60_000,
			MinTTLMs: 5_000,
			MaxTTLMs: 600_000,
		},
		AppLog: AppLogConfig{
			MaxBytes: 5 * 1024 * 1024,
			MaxFiles: 3,
		},
		BatchMaxSteps: 50,
	}
}

// Load loads configuration from files and environment.
// Config file search order (highest precedence first):
// 1. ./.agent-device.yaml
// 2. ~/.agent-device.yaml
// 3. $XDG_CONFIG_HOME/agent-device/config.yaml
// Environment variables override file values.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := findConfigFile(); configFile != "" {
		v := viper.New()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// findConfigFile searches for a config file in standard locations.
func findConfigFile() string {
	names := []string{".agent-device.yaml", ".agent-device.yml"}

	var searchPaths []string
	if cwd, err := os.Getwd(); err == nil {
		searchPaths = append(searchPaths, cwd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, home)
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(configDir, "agent-device"))
	}

	for _, dir := range searchPaths {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// applyEnvOverrides applies AGENT_DEVICE_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_DEVICE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("AGENT_DEVICE_DAEMON_SERVER_MODE"); v != "" {
		cfg.ServerMode = v
	}
	if v := os.Getenv("AGENT_DEVICE_DAEMON_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := envInt("AGENT_DEVICE_DAEMON_TIMEOUT_MS"); v > 0 {
		cfg.TimeoutMs = v
	}
	if v := os.Getenv("AGENT_DEVICE_RESET_ON_TIMEOUT"); v == "true" || v == "1" {
		cfg.ResetOnTimeout = true
	}
	if v := os.Getenv("AGENT_DEVICE_HTTP_AUTH_HOOK"); v != "" {
		cfg.AuthHookPath = v
	}
	if v := os.Getenv("AGENT_DEVICE_HTTP_AUTH_EXPORT"); v != "" {
		cfg.AuthHookExport = v
	}
	if v := envInt("AGENT_DEVICE_MAX_SIMULATOR_LEASES"); v > 0 {
		cfg.Lease.MaxSimulatorLeases = v
	}
	if v := envInt("AGENT_DEVICE_LEASE_TTL_MS"); v > 0 {
		cfg.Lease.TTLMs = v
	}
	if v := envInt("AGENT_DEVICE_LEASE_MIN_TTL_MS"); v > 0 {
		cfg.Lease.MinTTLMs = v
	}
	if v := envInt("AGENT_DEVICE_LEASE_MAX_TTL_MS"); v > 0 {
		cfg.Lease.MaxTTLMs = v
	}
	if v := envInt("AGENT_DEVICE_APP_LOG_MAX_BYTES"); v > 0 {
		cfg.AppLog.MaxBytes = int64(v)
	}
	if v := envInt("AGENT_DEVICE_APP_LOG_MAX_FILES"); v > 0 {
		cfg.AppLog.MaxFiles = v
	}
	if v := os.Getenv("AGENT_DEVICE_APP_EVENT_URL_TEMPLATE"); v != "" {
		cfg.EventURLTemplate = v
	}
	if v := os.Getenv("AGENT_DEVICE_APP_EVENT_IOS_URL_TEMPLATE"); v != "" {
		cfg.EventURLTemplateIOS = v
	}
	if v := os.Getenv("AGENT_DEVICE_APP_EVENT_ANDROID_URL_TEMPLATE"); v != "" {
		cfg.EventURLTemplateAndroid = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// EventTemplate resolves the trigger-app-event URL template for a platform.
func (c *Config) EventTemplate(platform string) string {
	switch platform {
	case "ios":
		if c.EventURLTemplateIOS != "" {
			return c.EventURLTemplateIOS
		}
	case "android":
		if c.EventURLTemplateAndroid != "" {
			return c.EventURLTemplateAndroid
		}
	}
	return c.EventURLTemplate
}
