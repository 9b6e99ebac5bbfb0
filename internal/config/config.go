// Package config reads the daemon's environment-driven configuration.
// Configuration-file parsing is an explicit non-goal (spec.md §1); the
// only inputs are the environment variables spec.md §6 names and a
// handful of flags the daemon entrypoint layers on top.
package config

import (
	"os"
	"path/filepath"
)

// Config holds the daemon's runtime paths and defaults.
type Config struct {
	RuntimeDir string // XDG_RUNTIME_DIR
	SocketPath string // derived: $RuntimeDir/$PINOS_CORE (default pinos-0)
	DataDir    string // SPA_DATA_DIR: quirks rule files, static assets
	ModuleDir  string // PINOS_MODULE_DIR
	CoreName   string // PINOS_CORE: the server's advertised instance name
}

const (
	defaultSocketName = "pinos-0"
	defaultDataDir    = "/usr/share/pinos"
	defaultModuleDir  = "/usr/lib/pinos"
	defaultCoreName   = "pinos-0"
)

// Default returns a Config populated with the same fallbacks the
// reference daemon uses when an environment variable is unset.
func Default() Config {
	runtimeDir := "/run/user/0"
	return Config{
		RuntimeDir: runtimeDir,
		SocketPath: filepath.Join(runtimeDir, defaultSocketName),
		DataDir:    defaultDataDir,
		ModuleDir:  defaultModuleDir,
		CoreName:   defaultCoreName,
	}
}

// Load reads the four environment variables spec.md §6 names and
// returns a Config; any unset variable falls back to Default's value
// for that field, never an error.
func Load() Config {
	cfg := Default()
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		cfg.RuntimeDir = v
		cfg.SocketPath = filepath.Join(v, defaultSocketName)
	}
	if v := os.Getenv("PINOS_CORE"); v != "" {
		cfg.CoreName = v
		cfg.SocketPath = filepath.Join(cfg.RuntimeDir, v)
	}
	if v := os.Getenv("SPA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PINOS_MODULE_DIR"); v != "" {
		cfg.ModuleDir = v
	}
	return cfg
}

// QuirksPath returns the path to the Bluetooth quirks rule file
// within DataDir.
func (c Config) QuirksPath() string {
	return filepath.Join(c.DataDir, "bluez5-quirks.json")
}
