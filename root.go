package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/config"
	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles resolved config, paths, and logger. Created once in
// PersistentPreRunE.
type CLIContext struct {
	Cfg        *config.Config
	ConfigPath string
	DataDir    string
	Logger     *slog.Logger
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// mustCLIContext extracts the CLIContext or panics with an actionable
// message. Panics are always programmer errors — PersistentPreRunE populates
// the context before any RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not found in context — PersistentPreRunE did not run")
	}

	return cc
}

// transferHTTPClient returns the HTTP client the daemon's remote client
// uses. No timeout: uploads are bounded by context cancellation, since
// large files on slow links routinely exceed any fixed value.
func transferHTTPClient() *http.Client {
	return &http.Client{Timeout: 0}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proton-drive-sync",
		Short:   "Background cloud-storage sync daemon",
		Long:    "A daemon that continuously mirrors local directories to cloud storage,\nwith a durable job queue, retry policies, and crash recovery.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadCLIContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "state directory (database, snapshots, logs)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	// Register subcommands.
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves config, paths, and logger, and stores the bundle
// in the command's context for RunE handlers.
func loadCLIContext(cmd *cobra.Command) error {
	cfgPath := flagConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	dataDir := flagDataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	// Bootstrap logger derived from CLI flags only (config not loaded yet).
	logger := buildLogger("")

	cfg, err := config.Load(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc := &CLIContext{
		Cfg:        cfg,
		ConfigPath: cfgPath,
		DataDir:    dataDir,
		Logger:     buildLogger(cfg.LogLevel),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger configured by the config-file log level
// and CLI flags. Config provides the baseline; --verbose, --debug, and
// --quiet override it because CLI flags always win (they are mutually
// exclusive, enforced by Cobra).
func buildLogger(cfgLevel string) *slog.Logger {
	level := slog.LevelWarn

	switch cfgLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newLogWriter returns the destination for the daemon's line-oriented JSON
// log inside dataDir, falling back to stderr when the file cannot be opened.
func newLogWriter(dataDir string, logger *slog.Logger) io.Writer {
	path := config.LogFilePath(dataDir)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		logger.Warn("creating data directory failed, logging to stderr", slog.Any("error", err))
		return os.Stderr
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logger.Warn("opening log file failed, logging to stderr", slog.Any("error", err))
		return os.Stderr
	}

	return f
}

// openStore opens the state database inside the CLI context's data
// directory.
func openStore(ctx context.Context, cc *CLIContext) (*sync.Store, error) {
	if err := os.MkdirAll(cc.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return sync.OpenStore(ctx, config.StateDBPath(cc.DataDir), cc.Logger)
}

// toSyncDirs maps config sync-dirs to the engine's type.
func toSyncDirs(cfg *config.Config) []sync.SyncDir {
	out := make([]sync.SyncDir, 0, len(cfg.SyncDirs))

	for _, d := range cfg.SyncDirs {
		out = append(out, sync.SyncDir{SourcePath: d.SourcePath, RemoteRoot: d.RemoteRoot})
	}

	return out
}

// toExcludePatterns maps config exclude patterns to the engine's type.
func toExcludePatterns(cfg *config.Config) []sync.ExcludePattern {
	out := make([]sync.ExcludePattern, 0, len(cfg.ExcludePatterns))

	for _, p := range cfg.ExcludePatterns {
		out = append(out, sync.ExcludePattern{Path: p.Path, Globs: p.Globs})
	}

	return out
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
