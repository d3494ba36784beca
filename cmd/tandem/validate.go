package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/tandem/internal/runner"
)

func newValidateCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a plan file and report ordering cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			descs, err := loadPlan(args[0], logr.Discard())
			if err != nil {
				return err
			}
			p, err := runner.NewRunner(runnerConfig(cfg), logr.Discard()).Prepare(cmd.Context(), descs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, d := range p.Expansion.Diagnostics {
				fmt.Fprintf(out, "warning: %s %s: %s\n", d.Kind, d.Subject, d.Message)
			}
			for _, d := range p.Graph.Diagnostics {
				fmt.Fprintf(out, "warning: %s %s: %s\n", d.Kind, d.Subject, d.Message)
			}
			fmt.Fprintf(out, "plan OK: %d tests, %d instances, %d blocked\n", len(descs), p.Graph.Len(), len(p.Graph.Blocked))
			return nil
		},
	}
}
