// Package config provides TOML configuration file loading and parsing for
// the client. The configuration file lives at ~/.issuedeck/config.toml by
// default, but can be overridden with the --config flag. CLI flags always
// take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the client configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// ServerURL is the WebSocket endpoint of the issue server.
	// If empty, the client falls back to mDNS discovery on the LAN.
	ServerURL string `toml:"server_url"`

	// Token is the optional bearer token presented to the server as a
	// query parameter on dial. Empty disables authentication.
	Token string `toml:"token"`

	// WorkspaceRegistry is the path to the workspace registry file.
	// Default: ~/.issuedeck/workspaces.json
	WorkspaceRegistry string `toml:"workspace_registry"`

	// ScanRoots are parent directories whose immediate children are
	// scanned for workspace database files.
	ScanRoots []string `toml:"scan_roots"`

	// PrefsDB is the path to the SQLite preference database.
	// Default: ~/.issuedeck/prefs.db
	PrefsDB string `toml:"prefs_db"`

	// DiscoveryTimeoutMs bounds the mDNS browse when server_url is empty.
	// Default: 3000
	DiscoveryTimeoutMs int `toml:"discovery_timeout_ms"`

	// ReconnectInitialMs is the first reconnect backoff delay.
	// Default: 500
	ReconnectInitialMs int `toml:"reconnect_initial_ms"`

	// ReconnectMaxMs caps the reconnect backoff delay.
	// Default: 30000
	ReconnectMaxMs int `toml:"reconnect_max_ms"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`
}

// DefaultConfigPath returns the default config file location:
// ~/.issuedeck/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".issuedeck", "config.toml"), nil
}

// WriteDefault creates a starter config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string, serverURL string) error {
	// Never overwrite an existing config.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# issuedeck client configuration
# Created by 'deckwatch'

# WebSocket endpoint of the issue server.
# Leave empty to discover a server on the LAN via mDNS.
server_url = %q
`, serverURL)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied to unset fields.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.issuedeck/config.toml). Returns a default Config without error if
//     the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if
		// missing. This allows the client to start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.applyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if the file doesn't exist. If the
		// user names a config file, it should be there.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Any parse error is fatal since the user expects the config to apply.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}
