package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.MaxConcurrentGlobal != 8 {
		t.Errorf("MaxConcurrentGlobal = %d, want 8", cfg.MaxConcurrentGlobal)
	}
	if cfg.MaxConcurrentPerServer != 4 {
		t.Errorf("MaxConcurrentPerServer = %d, want 4", cfg.MaxConcurrentPerServer)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("MAX_CONCURRENT_GLOBAL", "16")
	t.Setenv("DB_DRIVER", "postgres")

	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxConcurrentGlobal != 16 {
		t.Errorf("MaxConcurrentGlobal = %d, want 16", cfg.MaxConcurrentGlobal)
	}
	if cfg.DBDriver != "postgres" {
		t.Errorf("DBDriver = %q, want postgres", cfg.DBDriver)
	}
}

func TestLoad_MalformedIntFallsBackToDefault(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	cfg := Load()
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want default 3000 on malformed env value", cfg.Port)
	}
}
