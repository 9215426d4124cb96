package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/chainlab/pkg/cli"
)

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down [lab]",
		Short: "Stop a lab left behind by up",
		Long: `Stop the daemons of a saved lab by PID file, remove its namespaces and
delete its state.

A lab normally tears itself down when up exits. down is for labs whose
up process was killed or whose teardown failed.

  chainlab down
  chainlab down mylab`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lenientConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			name := resolveLabName(args, cfg)
			st, err := store.Load(ctx, name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stopping lab %s...\n", name)
			if err := destroyLab(ctx, store, st, out); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s lab %s destroyed\n", cli.Green("✓"), name)
			return nil
		},
	}
}
