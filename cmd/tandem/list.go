package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/tandem/internal/runner"
)

type listedInstance struct {
	Seq         int      `json:"seq"`
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Order       *int     `json:"order,omitempty"`
	Keys        []string `json:"keys,omitempty"`
	Blocked     string   `json:"blocked,omitempty"`
}

func newListCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <plan.yaml>",
		Short: "List the instances a plan expands to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			descs, err := loadPlan(args[0], logr.Discard())
			if err != nil {
				return err
			}
			p, err := runner.NewRunner(runnerConfig(cfg), logr.Discard()).Prepare(cmd.Context(), descs)
			if err != nil {
				return err
			}

			listed := make([]listedInstance, 0, p.Graph.Len())
			for _, in := range p.Graph.Instances() {
				li := listedInstance{
					Seq:         in.Seq,
					ID:          in.ID,
					DisplayName: in.DisplayName,
					Order:       in.Descriptor.Order,
					Keys:        p.Resolver.Keys(in),
				}
				if cause, ok := p.Graph.Blocked[in.ID]; ok {
					li.Blocked = cause.Error()
				}
				listed = append(listed, li)
			}

			out := cmd.OutOrStdout()
			if global.jsonOutput {
				return PrintJSON(out, listed)
			}
			rows := make([][]string, 0, len(listed))
			for _, li := range listed {
				order := "-"
				if li.Order != nil {
					order = strconv.Itoa(*li.Order)
				}
				keys := "-"
				if len(li.Keys) > 0 {
					keys = strings.Join(li.Keys, ",")
				}
				rows = append(rows, []string{strconv.Itoa(li.Seq), Truncate(li.ID, 12), li.DisplayName, order, keys})
			}
			RenderTable(out, []string{"SEQ", "ID", "NAME", "ORDER", "KEYS"}, rows)
			if n := len(p.Expansion.Excluded); n > 0 {
				fmt.Fprintf(out, "\n%d test(s) excluded by selection\n", n)
			}
			return nil
		},
	}
}
