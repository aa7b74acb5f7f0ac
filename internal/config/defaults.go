package config

import "strings"

// Documented defaults for missing keys.
const (
	DefaultSyncConcurrency = 4
	DefaultDashboardHost   = "127.0.0.1"
	DefaultDashboardPort   = 4242
	DefaultLogLevel        = "info"
)

// applyDefaults fills zero-valued keys with their defaults and normalizes
// remote roots to a leading slash.
func applyDefaults(cfg *Config) {
	if cfg.SyncConcurrency == 0 {
		cfg.SyncConcurrency = DefaultSyncConcurrency
	}

	if cfg.RemoteDeleteBehavior == "" {
		cfg.RemoteDeleteBehavior = DeleteBehaviorTrash
	}

	if cfg.DashboardHost == "" {
		cfg.DashboardHost = DefaultDashboardHost
	}

	if cfg.DashboardPort == 0 {
		cfg.DashboardPort = DefaultDashboardPort
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	for i := range cfg.SyncDirs {
		if !strings.HasPrefix(cfg.SyncDirs[i].RemoteRoot, "/") {
			cfg.SyncDirs[i].RemoteRoot = "/" + cfg.SyncDirs[i].RemoteRoot
		}
	}
}
