package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Create and inspect ledger checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create [description]",
		Short: "Snapshot every deployed resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			desc := strings.Join(args, " ")
			if desc == "" {
				desc = "manual checkpoint"
			}
			id, err := svc.ledger.CreateCheckpoint(cmd.Context(), desc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			cps, err := svc.ledger.ListCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tRESOURCES\tDESCRIPTION")
			for _, cp := range cps {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", cp.ID, cp.Timestamp.Local().Format(time.DateTime), cp.ResourceCount, cp.Description)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show the resources captured by a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			cp, err := svc.ledger.GetCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cp)
		},
	})
	return cmd
}
