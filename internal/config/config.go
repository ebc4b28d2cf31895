// Package config loads the controller's environment-driven configuration,
// mirroring the env vars spec §6 mandates plus the ambient flags the
// teacher's cmd/server/main.go exposes (db driver/dsn, data dir, log level).
package config

import (
	"os"
	"strconv"
)

// Config holds every knob the controller reads at startup. Fields map
// directly to the environment variables named in spec §6.
type Config struct {
	// Port is the HTTP listen port serving the REST API, the UI WebSocket
	// and the agent WebSocket, all on the same listener at distinct paths.
	Port int
	// BackupsDir seeds the backup_root setting on first boot if unset.
	BackupsDir string
	// MaxConcurrentGlobal bounds controller-wide concurrent upload slots.
	MaxConcurrentGlobal int64
	// MaxConcurrentPerServer bounds concurrent upload slots against a
	// single agent.
	MaxConcurrentPerServer int64
	// BackupServerIP is the deploy-pipeline fallback controller address
	// (spec §4.4 step 3).
	BackupServerIP string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// DBDriver is "sqlite" (default) or "postgres".
	DBDriver string
	// DBDSN is the database DSN for postgres. The sqlite driver ignores it
	// and opens <DataDir>/backup-server.db.
	DBDSN string
	// DataDir is where the live sqlite file and its daily snapshots live.
	DataDir string
	// AgentBinaryPath is the local path to the agent binary shipped during
	// deploy and served at GET /api/v1/agent/binary.
	AgentBinaryPath string
}

// Load reads Config from the environment, applying the defaults from spec §6.
func Load() Config {
	return Config{
		Port:                   envInt("PORT", 3000),
		BackupsDir:             envOrDefault("BACKUPS_DIR", "./data/backups-root"),
		MaxConcurrentGlobal:    envInt64("MAX_CONCURRENT_GLOBAL", 8),
		MaxConcurrentPerServer: envInt64("MAX_CONCURRENT_PER_SERVER", 4),
		BackupServerIP:         os.Getenv("BACKUP_SERVER_IP"),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		DBDriver:               envOrDefault("DB_DRIVER", "sqlite"),
		DBDSN:                  envOrDefault("DB_DSN", "data/backup-server.db"),
		DataDir:                envOrDefault("DATA_DIR", "data"),
		AgentBinaryPath:        envOrDefault("AGENT_BINARY_PATH", "bin/backup-agent"),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}
