package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/infraplan/internal/ledger"
)

func newResourcesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Query the state ledger",
	}

	var filter struct{ typ, executor, status string }
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries in deployment order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.ledger.List(cmd.Context(), ledger.Filter{
				Type:        filter.typ,
				ExecutorTag: filter.executor,
				Status:      ledger.Status(filter.status),
			})
			if err != nil {
				return err
			}
			return printResources(cmd.OutOrStdout(), res)
		},
	}
	list.Flags().StringVar(&filter.typ, "type", "", "only this resource type")
	list.Flags().StringVar(&filter.executor, "executor", "", "only resources deployed by this executor tag")
	list.Flags().StringVar(&filter.status, "status", "", "deployed or removed")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "timeline",
		Short: "List every ledger entry by deployment time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.ledger.Timeline(cmd.Context())
			if err != nil {
				return err
			}
			return printResources(cmd.OutOrStdout(), res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dependents <resource-id>",
		Short: "List deployed resources that depend on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if _, err := svc.ledger.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			res, err := svc.ledger.GetDependents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResources(cmd.OutOrStdout(), res)
		},
	})
	return cmd
}

func printResources(w io.Writer, resources []*ledger.ResourceState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tEXECUTOR\tSTATUS\tDEPENDS ON\tDEPLOYED")
	for _, r := range resources {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Type, r.Name, dash(r.ExecutorTag), r.Status,
			dash(strings.Join(r.DependsOn, ",")), r.DeployedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
