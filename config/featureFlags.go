package config

import (
	"os"
	"strings"
)

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SkipMigrations disables AutoMigrate on startup, for environments
// where the schema is managed out of band.
//
// Set via env:
// - SKIP_MIGRATIONS=true
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS")
}

// OutboxDispatcherDisabled turns off the in-process outbox dispatcher.
// Enable this when ./cmd/ledger-dispatcher runs as its own deployment;
// running both doubles the polling load for no benefit.
//
// Set via env:
// - DISABLE_OUTBOX_DISPATCHER=true
func OutboxDispatcherDisabled() bool {
	return boolFromEnv("DISABLE_OUTBOX_DISPATCHER")
}
