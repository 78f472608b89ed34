package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aristath/infraplan/internal/events"
	"github.com/aristath/infraplan/internal/feedback"
	"github.com/aristath/infraplan/internal/memory"
	"github.com/aristath/infraplan/internal/orchestrator"
	"github.com/aristath/infraplan/internal/scheduler"
)

var errPlanFailed = errors.New("plan failed: a critical task did not succeed")

type runOptions struct {
	concurrency int
	maxRetries  int
	threshold   float64
	checkpoint  bool
	jsonOut     bool
	quiet       bool
	metricsFile string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("concurrency") {
				a.cfg.Concurrency = opts.concurrency
			}
			if flags.Changed("max-retries") {
				a.cfg.MaxRetries = opts.maxRetries
			}
			if flags.Changed("threshold") {
				a.cfg.ConfidenceThreshold = opts.threshold
			}
			if flags.Changed("checkpoint") {
				a.cfg.CheckpointBeforeRun = opts.checkpoint
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runPlan(cmd, a, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.concurrency, "concurrency", 0, "max concurrent tasks per stage")
	f.IntVar(&opts.maxRetries, "max-retries", 0, "attempts per task, including the first")
	f.Float64Var(&opts.threshold, "threshold", 0, "confidence needed to accept an outcome")
	f.BoolVar(&opts.checkpoint, "checkpoint", false, "take a ledger checkpoint before running")
	f.BoolVar(&opts.jsonOut, "json", false, "print the result as JSON")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print progress")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")
	return cmd
}

func runPlan(cmd *cobra.Command, a *app, path string, opts runOptions) error {
	ctx := cmd.Context()
	tasks, err := loadPlan(path)
	if err != nil {
		return err
	}
	// Fail on graph errors before touching the database.
	stages, err := scheduler.Resolve(tasks)
	if err != nil {
		return err
	}

	svc, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	registry, err := a.executors()
	if err != nil {
		return err
	}

	var mem memory.Memory = memory.Noop{}
	if a.cfg.Memory.Enabled {
		mem = svc.memory
	}
	loop := feedback.NewLoop(feedback.Config{
		Memory: mem,
		Breakers: feedback.NewBreakerRegistry(feedback.BreakerConfig{
			ConsecutiveFailures: a.cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         a.cfg.Breaker.OpenTimeout,
			HalfOpenRequests:    a.cfg.Breaker.HalfOpenRequests,
		}, a.logger.Named("breaker")),
		Retry: feedback.RetryConfig{
			InitialInterval:     a.cfg.Retry.InitialInterval,
			MaxInterval:         a.cfg.Retry.MaxInterval,
			Multiplier:          a.cfg.Retry.Multiplier,
			RandomizationFactor: a.cfg.Retry.RandomizationFactor,
		},
		Logger:  a.logger.Named("feedback"),
		Metrics: svc.metrics,
	})

	bus := events.NewEventBus()
	progressDone := make(chan struct{})
	if opts.quiet || opts.jsonOut {
		close(progressDone)
	} else {
		ch := bus.SubscribeAll(0)
		go func() {
			defer close(progressDone)
			printProgress(cmd.ErrOrStderr(), ch)
		}()
	}

	coord, err := orchestrator.New(orchestrator.Config{
		ConcurrencyLimit:    a.cfg.Concurrency,
		MaxRetries:          a.cfg.MaxRetries,
		ConfidenceThreshold: a.cfg.ConfidenceThreshold,
		CheckpointBeforeRun: a.cfg.CheckpointBeforeRun,
	}, orchestrator.Deps{
		Executors: registry,
		Loop:      loop,
		Ledger:    svc.ledger,
		Recorder:  svc.store,
		Bus:       bus,
		Metrics:   svc.metrics,
		Logger:    a.logger.Named("orchestrator"),
	})
	if err != nil {
		bus.Close()
		return err
	}

	res, runErr := coord.Run(ctx, stages)
	bus.Close()
	<-progressDone

	if res != nil {
		out := cmd.OutOrStdout()
		if opts.jsonOut {
			if err := writeJSON(out, newRunReport(res)); err != nil {
				return err
			}
		} else {
			printSummary(out, res)
		}
	}
	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, svc.registry); err != nil {
			a.logger.Sugar().Warnf("writing metrics to %s: %v", opts.metricsFile, err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if !res.Success {
		return errPlanFailed
	}
	return nil
}

func printProgress(w io.Writer, ch <-chan events.Event) {
	for e := range ch {
		switch ev := e.(type) {
		case events.TaskStartedEvent:
			fmt.Fprintf(w, "[stage %d] %s started (%s)\n", ev.Stage+1, ev.ID, ev.ExecutorTag)
		case events.TaskRetryingEvent:
			fmt.Fprintf(w, "  %s attempt %d rejected (%s): %s\n", ev.ID, ev.Attempt, ev.Feedback, ev.Message)
		case events.TaskCompletedEvent:
			fmt.Fprintf(w, "  %s succeeded after %d attempt(s), confidence %.2f\n", ev.ID, ev.Attempts, ev.Confidence)
		case events.TaskFailedEvent:
			label := "FAILED"
			if ev.Degraded {
				label = "failed (non-critical)"
			}
			fmt.Fprintf(w, "  %s %s [%s]: %s\n", ev.ID, label, ev.Kind, ev.Err)
		case events.TaskSkippedEvent:
			fmt.Fprintf(w, "  %s skipped, blocked by %s\n", ev.ID, ev.BlockedBy)
		case events.ResourceRecordedEvent:
			fmt.Fprintf(w, "  recorded %s (%s)\n", ev.ResourceID, ev.ResourceType)
		}
	}
}

func printSummary(w io.Writer, res *orchestrator.PlanResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tATTEMPTS\tCONFIDENCE\tRESOURCE\tDETAIL")
	for _, t := range res.Tasks {
		status := t.Status.String()
		if t.Degraded {
			status += " (degraded)"
		}
		detail := t.Error
		if t.Kind != "" {
			detail = fmt.Sprintf("[%s] %s", t.Kind, t.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%s\t%s\n", t.TaskID, status, t.Attempts, t.Confidence, dash(t.ResourceID), oneLine(detail))
	}
	tw.Flush()

	verdict := "succeeded"
	if !res.Success {
		verdict = "FAILED"
	}
	fmt.Fprintf(w, "\nrun %s %s in %s (%d stages)\n", res.RunID, verdict, res.Duration.Round(time.Millisecond), res.Stages)
	if res.CheckpointID != "" {
		fmt.Fprintf(w, "checkpoint: %s\n", res.CheckpointID)
	}
}

// runReport is the JSON form of a plan result.
type runReport struct {
	RunID        string       `json:"run_id"`
	Success      bool         `json:"success"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
	Stages       int          `json:"stages"`
	DurationMS   int64        `json:"duration_ms"`
	Tasks        []taskReport `json:"tasks"`
}

type taskReport struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Degraded   bool    `json:"degraded,omitempty"`
	Attempts   int     `json:"attempts"`
	Confidence float64 `json:"confidence"`
	Kind       string  `json:"error_kind,omitempty"`
	Error      string  `json:"error,omitempty"`
	ResourceID string  `json:"resource_id,omitempty"`
	BlockedBy  string  `json:"blocked_by,omitempty"`
	Output     string  `json:"output,omitempty"`
}

func newRunReport(res *orchestrator.PlanResult) runReport {
	r := runReport{
		RunID:        res.RunID,
		Success:      res.Success,
		CheckpointID: res.CheckpointID,
		Stages:       res.Stages,
		DurationMS:   res.Duration.Milliseconds(),
		Tasks:        make([]taskReport, 0, len(res.Tasks)),
	}
	for _, t := range res.Tasks {
		r.Tasks = append(r.Tasks, taskReport{
			ID:         t.TaskID,
			Status:     t.Status.String(),
			Degraded:   t.Degraded,
			Attempts:   t.Attempts,
			Confidence: t.Confidence,
			Kind:       string(t.Kind),
			Error:      t.Error,
			ResourceID: t.ResourceID,
			BlockedBy:  t.BlockedBy,
			Output:     t.Output,
		})
	}
	return r
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the recorded task states of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			records, err := svc.store.RunTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("run %s not found", args[0])
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tEXECUTOR\tSTATUS\tATTEMPTS\tDEPENDS ON\tERROR")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.TaskID, r.ExecutorTag, r.Status, r.Attempts, dash(strings.Join(r.DependsOn, ",")), oneLine(r.Error))
			}
			return tw.Flush()
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if r := []rune(s); len(r) > 120 {
		s = string(r[:117]) + "..."
	}
	return s
}
