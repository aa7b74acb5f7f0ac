package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and reload configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigReloadCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  `Print the loaded configuration with defaults applied, as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(cc.Cfg)
		},
	}
}

func newConfigReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running daemon to re-read its config file",
		Long: `Send a config:check signal. The daemon re-reads the config file,
applies every changed key in place, and keeps the old config if the new
one fails validation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			store, err := openStore(ctx, cc)
			if err != nil {
				return fmt.Errorf("opening state store: %w", err)
			}
			defer store.Close()

			id, err := store.EmitSignal(ctx, sync.SignalConfigCheck)
			if err != nil {
				return fmt.Errorf("requesting config reload: %w", err)
			}

			if err := store.WaitSignalConsumed(ctx, id, sync.SignalWaitTimeout); err != nil {
				statusf(flagQuiet, "Note: no running daemon picked up the request\n")
				return nil
			}

			statusf(flagQuiet, "Config reload requested\n")

			return nil
		},
	}
}
