package config

import (
	"fmt"
	"os"
)

// Validate checks the semantic constraints a decoded config must satisfy.
func Validate(cfg *Config) error {
	for _, d := range cfg.SyncDirs {
		if d.SourcePath == "" {
			return fmt.Errorf("sync_dirs: source_path must not be empty")
		}

		info, err := os.Stat(d.SourcePath)
		if err != nil {
			return fmt.Errorf("sync_dirs: source_path %s: %w", d.SourcePath, err)
		}

		if !info.IsDir() {
			return fmt.Errorf("sync_dirs: source_path %s is not a directory", d.SourcePath)
		}

		if d.RemoteRoot == "" {
			return fmt.Errorf("sync_dirs: remote_root for %s must not be empty", d.SourcePath)
		}
	}

	if cfg.SyncConcurrency < 1 {
		return fmt.Errorf("sync_concurrency must be >= 1, got %d", cfg.SyncConcurrency)
	}

	switch cfg.RemoteDeleteBehavior {
	case DeleteBehaviorTrash, DeleteBehaviorPermanent:
	default:
		return fmt.Errorf("remote_delete_behavior must be %q or %q, got %q",
			DeleteBehaviorTrash, DeleteBehaviorPermanent, cfg.RemoteDeleteBehavior)
	}

	if cfg.DashboardPort < 1 || cfg.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port must be 1-65535, got %d", cfg.DashboardPort)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", cfg.LogLevel)
	}

	for _, p := range cfg.ExcludePatterns {
		if p.Path == "" {
			return fmt.Errorf("exclude_patterns: path must not be empty (use \"/\" for global)")
		}
	}

	return nil
}
