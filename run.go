package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/config"
	"github.com/tonimelisma/proton-drive-sync/internal/remote"
	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newRunCmd() *cobra.Command {
	var oneShot bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Start the sync daemon in the foreground. The daemon watches every
configured sync-dir, mirrors changes to the remote, and listens for
control signals from sibling CLI invocations (pause, resume, reconcile,
stop).

With --one-shot, the daemon scans, drains the job queue once, and exits
instead of watching continuously.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, oneShot)
		},
	}

	cmd.Flags().BoolVar(&oneShot, "one-shot", false, "drain pending work once and exit")

	return cmd
}

func runDaemon(cmd *cobra.Command, oneShot bool) error {
	cc := mustCLIContext(cmd.Context())

	if len(cc.Cfg.SyncDirs) == 0 {
		return fmt.Errorf("no sync_dirs configured in %s", cc.ConfigPath)
	}

	// The daemon's own log is line-oriented JSON in the state directory;
	// the bootstrap text logger keeps covering CLI-level errors.
	logger := slog.New(slog.NewJSONHandler(newLogWriter(cc.DataDir, cc.Logger), &slog.HandlerOptions{
		Level: logLevelFor(cc.Cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	tokenSrc, err := remote.TokenSourceFromPath(context.Background(), config.TokenFilePath(cc.DataDir), logger)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	client := remote.NewClient(remote.DefaultBaseURL, transferHTTPClient(), tokenSrc, logger, "proton-drive-sync/"+version)

	engine := sync.NewEngine(store, remoteClientAdapter{client}, sync.Options{
		SyncDirs:        toSyncDirs(cc.Cfg),
		ExcludePatterns: toExcludePatterns(cc.Cfg),
		Concurrency:     cc.Cfg.SyncConcurrency,
		PermanentDelete: cc.Cfg.RemoteDeleteBehavior == config.DeleteBehaviorPermanent,
		SnapshotDir:     config.SnapshotDir(cc.DataDir),
	}, logger)

	holder := config.NewHolder(cc.Cfg, cc.ConfigPath)
	registerConfigReload(engine, store, holder, logger)

	if oneShot {
		return runOneShot(ctx, engine, store, logger)
	}

	return engine.Run(ctx)
}

// runOneShot acquires the run-lock, drains the queue once, and exits.
// The startup scan happens through the engine's watcher setup inside Run,
// so one-shot mode drives the pieces directly instead.
func runOneShot(ctx context.Context, engine *sync.Engine, store *sync.Store, logger *slog.Logger) error {
	if err := store.AcquireRunLock(ctx, os.Getpid()); err != nil {
		return err
	}

	defer func() {
		if err := store.ReleaseRunLock(context.Background(), os.Getpid()); err != nil {
			logger.Error("releasing run lock failed", slog.Any("error", err))
		}
	}()

	if err := engine.ScanOnce(ctx); err != nil {
		return err
	}

	return engine.DrainQueue(ctx)
}

// registerConfigReload wires the config:check listener: re-read the file,
// diff against the current config, apply each changed key in-process, and
// emit a config:reload:<key> signal per change for any outer observers.
func registerConfigReload(engine *sync.Engine, store *sync.Store, holder *config.Holder, logger *slog.Logger) {
	engine.Signals().On(sync.SignalConfigCheck, func(ctx context.Context, _ string) {
		current := holder.Config()

		next, err := config.Reload(holder.Path(), current, logger)
		if err != nil {
			logger.Warn("config reload rejected, keeping previous config", slog.Any("error", err))
			return
		}

		changed := config.ChangedKeys(current, next)
		if len(changed) == 0 {
			logger.Info("config unchanged")
			return
		}

		holder.Update(next)

		for _, key := range changed {
			applyConfigKey(ctx, engine, next, key, logger)

			if _, err := store.EmitSignal(ctx, sync.SignalReloadPrefix+key); err != nil {
				logger.Warn("emitting reload signal failed", slog.String("key", key), slog.Any("error", err))
			}
		}
	})
}

// applyConfigKey pushes one changed key's new value into the engine.
func applyConfigKey(ctx context.Context, engine *sync.Engine, cfg *config.Config, key string, logger *slog.Logger) {
	switch key {
	case "sync_concurrency":
		engine.ApplyConcurrency(cfg.SyncConcurrency)

	case "sync_dirs":
		if err := engine.ApplySyncDirs(ctx, toSyncDirs(cfg)); err != nil {
			logger.Warn("applying sync_dirs change failed", slog.Any("error", err))
		}

	case "exclude_patterns":
		engine.ApplyExcludePatterns(toExcludePatterns(cfg))

	case "remote_delete_behavior":
		engine.ApplyDeleteBehavior(cfg.RemoteDeleteBehavior == config.DeleteBehaviorPermanent)

	default:
		// dashboard_host/dashboard_port and friends are consumed by outer
		// components subscribing to the reload signal.
	}
}

// remoteClientAdapter satisfies sync.RemoteClient by converting remote.Node
// results to sync.RemoteNode, keeping the sync package decoupled from the
// remote package's transport-level type.
type remoteClientAdapter struct {
	client *remote.Client
}

func (a remoteClientAdapter) UploadFile(ctx context.Context, localPath, remotePath string) (sync.RemoteNode, error) {
	node, err := a.client.UploadFile(ctx, localPath, remotePath)
	return sync.RemoteNode{NodeUID: node.NodeUID, ParentNodeUID: node.ParentNodeUID}, err
}

func (a remoteClientAdapter) CreateFolder(ctx context.Context, remotePath string) (sync.RemoteNode, error) {
	node, err := a.client.CreateFolder(ctx, remotePath)
	return sync.RemoteNode{NodeUID: node.NodeUID, ParentNodeUID: node.ParentNodeUID}, err
}

func (a remoteClientAdapter) Delete(ctx context.Context, remotePath string, permanent bool) (bool, error) {
	return a.client.Delete(ctx, remotePath, permanent)
}

// logLevelFor maps a config log_level string to slog.
func logLevelFor(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
