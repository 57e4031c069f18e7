package config

import (
	"os"
	"path/filepath"
)

// Defaults for fields left unset by the config file.
const (
	// DefaultDiscoveryTimeoutMs bounds the mDNS browse.
	DefaultDiscoveryTimeoutMs = 3000

	// DefaultReconnectInitialMs is the first reconnect backoff delay.
	DefaultReconnectInitialMs = 500

	// DefaultReconnectMaxMs caps the reconnect backoff delay.
	DefaultReconnectMaxMs = 30000

	// DefaultLogLevel is the default logging verbosity.
	DefaultLogLevel = "info"
)

// applyDefaults fills unset fields. Path defaults depend on the home
// directory and stay empty when it cannot be determined; callers treat an
// empty path as "feature off".
func (c *Config) applyDefaults() {
	if c.DiscoveryTimeoutMs <= 0 {
		c.DiscoveryTimeoutMs = DefaultDiscoveryTimeoutMs
	}
	if c.ReconnectInitialMs <= 0 {
		c.ReconnectInitialMs = DefaultReconnectInitialMs
	}
	if c.ReconnectMaxMs <= 0 {
		c.ReconnectMaxMs = DefaultReconnectMaxMs
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	if c.WorkspaceRegistry == "" {
		c.WorkspaceRegistry = filepath.Join(home, ".issuedeck", "workspaces.json")
	}
	if c.PrefsDB == "" {
		c.PrefsDB = filepath.Join(home, ".issuedeck", "prefs.db")
	}
}
