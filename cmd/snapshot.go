package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/observability"
)

// newSnapshotCmd creates the `snapshot` command: navigate to a URL and print
// the pruned accessibility snapshot to stdout.
func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot <url>",
		Short: "Navigate to a URL and print its accessibility snapshot",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line flags override
			// values from the config file and environment.
			if err := viper.BindPFlag("snapshot.mode", cmd.Flags().Lookup("mode")); err != nil {
				return err
			}
			return viper.BindPFlag("snapshot.context", cmd.Flags().Lookup("context"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg.SetSnapshotMode(viper.GetString("snapshot.mode"))
			cfg.SetSnapshotContext(viper.GetString("snapshot.context"))
			if err := cfg.Validate(); err != nil {
				return err
			}

			p, cleanup, err := openPage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := p.Goto(ctx, args[0]); err != nil {
				return fmt.Errorf("navigate: %w", err)
			}

			doc, err := p.Snapshot(ctx, "")
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc)

			if path := cfg.Storage().StatePath; path != "" {
				if err := p.SaveState(ctx, path); err != nil {
					logger.Warn("Failed to save session state.", zap.String("path", path), zap.Error(err))
				}
			}
			return nil
		},
	}

	snapshotCmd.Flags().String("mode", "act", "pruning mode: act, browse, navigate, or full")
	snapshotCmd.Flags().String("context", "", "task keywords steering act-mode pruning")
	return snapshotCmd
}

func init() {
	rootCmd.AddCommand(newSnapshotCmd())
}
