// Package config holds the plain-struct tunables for the engine and its
// sync orchestrator. cmd/ldbd layers viper (file/flag/env) on top of
// DefaultConfig; everything below is usable standalone for library callers
// that embed the engine without the CLI.
package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DBPath   string
	NodeID   string
	LogLevel string

	BatchSize          int
	ConnectTimeout     time.Duration
	CommandTimeout     time.Duration
	RetryBackoff       []time.Duration
	ActiveSyncInterval time.Duration
	IdleSyncInterval   time.Duration
	ConstraintPolicy   string // "throw" or "skip"

	ConfigWatchEnabled bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:             defaultDBPath(),
		NodeID:             defaultNodeID(),
		LogLevel:           "info",
		BatchSize:          200,
		ConnectTimeout:     3 * time.Second,
		CommandTimeout:     5 * time.Second,
		RetryBackoff:       []time.Duration{250 * time.Millisecond, 1 * time.Second, 5 * time.Second},
		ActiveSyncInterval: 2 * time.Second,
		IdleSyncInterval:   30 * time.Second,
		ConstraintPolicy:   "throw",
		ConfigWatchEnabled: true,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ldb.db"
	}
	return filepath.Join(home, ".local", "state", "ldb", "ldb.db")
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
