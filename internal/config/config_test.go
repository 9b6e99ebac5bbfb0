package config

import "testing"

func TestLoadFallsBackToDefaultsWhenUnset(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("PINOS_CORE", "")
	t.Setenv("SPA_DATA_DIR", "")
	t.Setenv("PINOS_MODULE_DIR", "")

	cfg := Load()
	want := Default()
	if cfg != want {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
}

func TestLoadHonorsEnvironmentOverrides(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv("PINOS_CORE", "pinos-test")
	t.Setenv("SPA_DATA_DIR", "/etc/pinos/data")
	t.Setenv("PINOS_MODULE_DIR", "/etc/pinos/modules")

	cfg := Load()
	if cfg.RuntimeDir != "/run/user/1000" {
		t.Fatalf("unexpected RuntimeDir: %s", cfg.RuntimeDir)
	}
	if cfg.SocketPath != "/run/user/1000/pinos-test" {
		t.Fatalf("unexpected SocketPath: %s", cfg.SocketPath)
	}
	if cfg.DataDir != "/etc/pinos/data" {
		t.Fatalf("unexpected DataDir: %s", cfg.DataDir)
	}
	if cfg.ModuleDir != "/etc/pinos/modules" {
		t.Fatalf("unexpected ModuleDir: %s", cfg.ModuleDir)
	}
}

func TestQuirksPathJoinsDataDir(t *testing.T) {
	cfg := Config{DataDir: "/tmp/data"}
	if got, want := cfg.QuirksPath(), "/tmp/data/bluez5-quirks.json"; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
