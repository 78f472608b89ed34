package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/infraplan/internal/scheduler"
)

func newMemoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain execution memory",
	}

	var query struct{ executor, description string }
	suggest := &cobra.Command{
		Use:   "suggest",
		Short: "Show what memory would suggest for a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if query.executor == "" || query.description == "" {
				return errors.New("--executor and --description are required")
			}
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			task := &scheduler.Task{ID: "query", Description: query.description, ExecutorTag: query.executor}
			sugg, err := svc.memory.SuggestImprovements(cmd.Context(), task)
			if err != nil {
				return err
			}
			stats, err := svc.memory.Statistics(cmd.Context(), task)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "similar executions: %d, success rate %.0f%%\n", sugg.TotalMatches, sugg.SuccessRate*100)
			if stats.Successes > 0 {
				fmt.Fprintf(w, "average duration %s, average confidence %.2f\n", stats.AverageDuration.Round(time.Millisecond), stats.AverageConfidence)
			}
			if sugg.HasParameters() {
				fmt.Fprintf(w, "suggested parameters (confidence %.2f):\n", sugg.Confidence)
				keys := make([]string, 0, len(sugg.Parameters))
				for k := range sugg.Parameters {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "  %s = %v\n", k, sugg.Parameters[k])
				}
			}
			for _, warn := range sugg.Warnings {
				fmt.Fprintf(w, "warning: %q seen %d times; fix: %s\n", warn.Error, warn.Occurrences, warn.Solution)
			}
			return nil
		},
	}
	suggest.Flags().StringVar(&query.executor, "executor", "", "executor tag")
	suggest.Flags().StringVar(&query.description, "description", "", "task description")
	cmd.AddCommand(suggest)

	var retention time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete records older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if !cmd.Flags().Changed("retention") {
				retention = a.cfg.Memory.Retention
			}
			n, err := svc.memory.Cleanup(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d record(s) older than %s\n", n, retention)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&retention, "retention", 0, "keep records newer than this (default from config)")
	cmd.AddCommand(cleanup)

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every memory record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear memory without --yes")
			}
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.memory.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d record(s)\n", n)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	cmd.AddCommand(clearCmd)

	return cmd
}
