package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "infraplan",
		Short: "Dependency-aware infrastructure plan execution",
		Long: `infraplan runs multi-step infrastructure plans. Tasks are layered into
stages by their dependencies, retried with executor feedback, informed by
the memory of earlier runs, and every deployed resource is recorded in a
ledger that supports checkpoints and dependency-safe rollback.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "project config file (default .infraplan/config.yaml)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "state database path, or :memory:")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newCheckpointCmd(a),
		newRollbackCmd(a),
		newResourcesCmd(a),
		newMemoryCmd(a),
		newConfigCmd(a),
	)
	return root
}
