package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/proton-drive-sync/internal/config"
)

func TestBuildLogger_Levels(t *testing.T) {
	tests := []struct {
		name     string
		cfgLevel string
		verbose  bool
		debug    bool
		quiet    bool
		want     slog.Level
	}{
		{"default", "", false, false, false, slog.LevelWarn},
		{"config info", "info", false, false, false, slog.LevelInfo},
		{"config debug", "debug", false, false, false, slog.LevelDebug},
		{"verbose wins over config", "error", true, false, false, slog.LevelInfo},
		{"debug flag", "", false, true, false, slog.LevelDebug},
		{"quiet flag", "debug", false, false, true, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flagVerbose = tt.verbose
			flagDebug = tt.debug
			flagQuiet = tt.quiet

			t.Cleanup(func() {
				flagVerbose = false
				flagDebug = false
				flagQuiet = false
			})

			logger := buildLogger(tt.cfgLevel)
			assert.True(t, logger.Enabled(t.Context(), tt.want))
			assert.False(t, logger.Enabled(t.Context(), tt.want-1))
		})
	}
}

func TestToSyncDirs(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		SyncDirs: []config.SyncDir{
			{SourcePath: "/home/a", RemoteRoot: "/backup"},
		},
	}

	dirs := toSyncDirs(cfg)
	require.Len(t, dirs, 1)
	assert.Equal(t, "/home/a", dirs[0].SourcePath)
	assert.Equal(t, "/backup", dirs[0].RemoteRoot)
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()

	for _, name := range []string{"run", "status", "pause", "resume", "reconcile", "stop", "reset", "config"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.NotEqual(t, cmd, sub, name)
	}
}
