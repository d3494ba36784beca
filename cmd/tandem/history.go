package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/tandem/internal/instance"
	"github.com/marcus-qen/tandem/internal/resultstore"
)

func newHistoryCommand(global *globalOptions) *cobra.Command {
	var (
		dsn   string
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the result store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("results-dsn") {
				cfg.Results.DSN = dsn
			}
			if !cfg.HasResults() {
				return errors.New("no result store configured: set results.dsn, TANDEM_RESULTS_DSN or --results-dsn")
			}
			store, err := resultstore.Open(cfg.Results.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			if runID != "" {
				results, err := store.Results(ctx, runID)
				if err != nil {
					return err
				}
				if global.jsonOutput {
					return PrintJSON(out, results)
				}
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					rows = append(rows, []string{
						ColorState(r.State),
						r.DisplayName,
						strconv.Itoa(r.Attempt),
						strconv.FormatInt(r.DurationMS, 10) + "ms",
						Truncate(firstLine(r.Cause), 80),
					})
				}
				RenderTable(out, []string{"STATE", "TEST", "ATTEMPT", "DURATION", "CAUSE"}, rows)
				return nil
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if global.jsonOutput {
				return PrintJSON(out, runs)
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				duration := "-"
				if r.EndedAt != nil {
					duration = formatDuration(r.EndedAt.Sub(r.StartedAt))
				}
				rows = append(rows, []string{
					r.ID,
					FormatTimeOrDash(r.StartedAt),
					colorOutcome(r.Outcome),
					strconv.Itoa(r.Total),
					strconv.Itoa(r.Passed),
					strconv.Itoa(r.Failed + r.TimedOut),
					duration,
				})
			}
			RenderTable(out, []string{"RUN", "STARTED", "OUTCOME", "TOTAL", "PASSED", "FAILED", "DURATION"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "results-dsn", "", "Result store DSN")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "Show the results of one run")
	return cmd
}

func colorOutcome(outcome string) string {
	switch outcome {
	case "passed":
		return ColorState(instance.StatePassed)
	case "":
		return "running"
	default:
		return fmt.Sprintf("%s%s%s", ansiRed, outcome, ansiReset)
	}
}
