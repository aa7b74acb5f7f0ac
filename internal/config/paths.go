package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "proton-drive-sync"

// Config file name.
const configFileName = "config.json"

// State file names inside the data directory.
const (
	stateDBFileName = "state.db"
	logFileName     = "sync.log"
	snapshotDirName = "snapshots"
	tokenFileName   = "token.json"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/proton-drive-sync).
// On macOS, uses ~/Library/Application Support/proton-drive-sync per Apple
// guidelines. Other platforms fall back to ~/.config/proton-drive-sync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application
// data (state database, watcher snapshots, logs, tokens).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/proton-drive-sync).
// On macOS, uses ~/Library/Application Support/proton-drive-sync (macOS
// convention collapses config and data into one directory).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDataDir returns the XDG-compliant data directory for Linux.
func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
// Used as the fallback when --config is not specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// StateDBPath returns the path of the state database inside dataDir.
func StateDBPath(dataDir string) string {
	return filepath.Join(dataDir, stateDBFileName)
}

// SnapshotDir returns the watcher snapshot directory inside dataDir.
func SnapshotDir(dataDir string) string {
	return filepath.Join(dataDir, snapshotDirName)
}

// LogFilePath returns the line-oriented JSON log path inside dataDir.
func LogFilePath(dataDir string) string {
	return filepath.Join(dataDir, logFileName)
}

// TokenFilePath returns the saved OAuth token path inside dataDir.
func TokenFilePath(dataDir string) string {
	return filepath.Join(dataDir, tokenFileName)
}
