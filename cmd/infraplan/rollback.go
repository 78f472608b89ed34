package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/infraplan/internal/ledger"
)

func newRollbackCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Reverse deployments recorded in the ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "plan <checkpoint-id>",
		Short: "Show what rolling back to a checkpoint would change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			plan, err := svc.ledger.GetRollbackPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "rollback to %s\n", plan.CheckpointID)
			printList(w, "remove (in order)", plan.ToRemove)
			printList(w, "re-deploy", plan.ToAdd)
			printList(w, "unchanged", plan.Unchanged)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply <checkpoint-id>",
		Short: "Mark everything deployed after a checkpoint as removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.ledger.RollbackToCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRollback(cmd.OutOrStdout(), res)
			return res.Err()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resources <resource-id>...",
		Short: "Remove specific resources, dependents first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.ledger.RollbackResources(cmd.Context(), args)
			if err != nil {
				return err
			}
			printRollback(cmd.OutOrStdout(), res)
			return res.Err()
		},
	})
	return cmd
}

func printRollback(w io.Writer, res *ledger.RollbackResult) {
	printList(w, "removed", res.Removed)
	for _, b := range res.Blocked {
		fmt.Fprintf(w, "blocked: %s (still needed by %s)\n", b.ResourceID, strings.Join(b.Dependents, ", "))
	}
	printList(w, "not found", res.NotFound)
	printList(w, "already removed", res.AlreadyRemoved)
	printList(w, "needs re-deploy", res.Missing)
}

func printList(w io.Writer, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "%s: %s\n", label, strings.Join(ids, ", "))
}
