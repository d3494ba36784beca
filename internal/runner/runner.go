/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package runner orchestrates one test run from descriptors to reports:
// expansion → constraint resolution → ordering graph → scheduling.
//
// This is the central loop:
//  1. Expand descriptors into instances (selection, data sources, repeats)
//  2. Resolve constraint keys and build the ordering graph
//  3. Open the run: trace span, event bus, result store
//  4. Schedule every instance, fanning results out to all sinks
//  5. Close the run: totals, outcome metric, stored summary
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/marcus-qen/tandem/internal/constraint"
	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/events"
	"github.com/marcus-qen/tandem/internal/expander"
	"github.com/marcus-qen/tandem/internal/graph"
	"github.com/marcus-qen/tandem/internal/identity"
	"github.com/marcus-qen/tandem/internal/instance"
	"github.com/marcus-qen/tandem/internal/metrics"
	"github.com/marcus-qen/tandem/internal/resultstore"
	"github.com/marcus-qen/tandem/internal/scheduler"
	"github.com/marcus-qen/tandem/internal/telemetry"
)

// Run outcomes, used as the tandem_runs_total label and the stored outcome.
const (
	OutcomePassed    = "passed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeStalled   = "stalled"
)

// Config holds runtime parameters shared by every run.
type Config struct {
	Scheduler   scheduler.Config
	MaxDataRows int
	Selection   expander.Selection
}

// Runner executes test runs from start to finish.
type Runner struct {
	cfg   Config
	bus   *events.Bus
	store *resultstore.Store
	extra scheduler.Reporter
	log   logr.Logger
	now   func() time.Time
	newID func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithEvents publishes run and test events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithStore records every run in store.
func WithStore(store *resultstore.Store) Option {
	return func(r *Runner) { r.store = store }
}

// WithReporter adds a reporter that sees every result and diagnostic.
func WithReporter(rep scheduler.Reporter) Option {
	return func(r *Runner) { r.extra = rep }
}

// NewRunner creates a runner.
func NewRunner(cfg Config, log logr.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:   cfg,
		log:   log.WithName("runner"),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepared is an expanded run that has not been scheduled yet.
type Prepared struct {
	Expansion expander.Result
	Graph     *graph.Graph
	Resolver  *constraint.Resolver
}

// Prepare expands descriptors and builds the ordering graph.
func (r *Runner) Prepare(ctx context.Context, descs []*descriptor.Descriptor) (*Prepared, error) {
	exp := expander.New(identity.NewProvider(), expander.Config{
		MaxRows:   r.cfg.MaxDataRows,
		Selection: r.cfg.Selection,
	}, r.log)
	res, err := exp.Expand(ctx, descs)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	resolver := constraint.NewResolver(res.Instances)
	g, err := graph.Build(res.Instances, resolver)
	if err != nil {
		return nil, fmt.Errorf("build ordering graph: %w", err)
	}
	return &Prepared{Expansion: res, Graph: g, Resolver: resolver}, nil
}

// Summary is the outcome of one run.
type Summary struct {
	RunID     string                 `json:"run_id"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
	Total     int                    `json:"total"`
	Counts    map[instance.State]int `json:"counts"`
	Outcome   string                 `json:"outcome"`
	// Results are in completion order.
	Results     []instance.Result     `json:"results"`
	Diagnostics []instance.Diagnostic `json:"diagnostics,omitempty"`
	Excluded    []string              `json:"excluded,omitempty"`
	NoOps       []string              `json:"no_ops,omitempty"`
}

// Passed reports whether every instance passed or was skipped.
func (s Summary) Passed() bool {
	return s.Outcome == OutcomePassed
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Execute runs descriptors to completion. Test failures are reported in the
// summary; the error is non-nil only when the run itself could not finish
// (expansion failure, stall, cancellation).
func (r *Runner) Execute(ctx context.Context, descs []*descriptor.Descriptor) (Summary, error) {
	prepared, err := r.Prepare(ctx, descs)
	if err != nil {
		return Summary{}, err
	}
	return r.ExecutePrepared(ctx, prepared)
}

// ExecutePrepared schedules an already prepared run.
func (r *Runner) ExecutePrepared(ctx context.Context, p *Prepared) (Summary, error) {
	sum := Summary{
		RunID:     r.newID(),
		StartedAt: r.now(),
		Total:     p.Graph.Len(),
		Excluded:  p.Expansion.Excluded,
		NoOps:     p.Expansion.NoOps,
	}
	log := r.log.WithValues("run", sum.RunID)

	collector := scheduler.NewCollector()
	sinks := scheduler.MultiReporter{collector}
	if r.bus != nil {
		r.bus.SetRun(sum.RunID)
		r.bus.Publish(events.Event{
			Type:      events.RunStarted,
			Summary:   fmt.Sprintf("run started: %d instances", sum.Total),
			Timestamp: sum.StartedAt,
		})
		sinks = append(sinks, r.bus)
	}
	stored := false
	if r.store != nil {
		if err := r.store.BeginRun(ctx, sum.RunID, sum.StartedAt); err != nil {
			log.Error(err, "Failed to record run start; results will not be stored")
		} else {
			stored = true
			sinks = append(sinks, r.store.Recorder(sum.RunID))
		}
	}
	if r.extra != nil {
		sinks = append(sinks, r.extra)
	}

	for _, d := range p.Expansion.Diagnostics {
		if err := sinks.Diagnostic(ctx, d); err != nil {
			log.Error(err, "Failed to report expansion diagnostic", "subject", d.Subject)
		}
	}

	sched := scheduler.New(r.cfg.Scheduler, nil, reportErrors{sinks, log}, r.log)
	ctx, runSpan := telemetry.StartRunSpan(ctx, sum.RunID, p.Graph.Len(), sched.Config().Parallelism)
	stats, runErr := sched.Run(ctx, p.Graph, p.Resolver)

	sum.EndedAt = r.now()
	sum.Counts = stats.Counts
	sum.Results = collector.Results()
	sum.Diagnostics = collector.Diagnostics()
	sum.Outcome = outcome(stats)

	metrics.RecordRunComplete(sum.Outcome, sum.Duration())
	telemetry.EndRunSpan(runSpan,
		stats.Counts[instance.StatePassed],
		stats.Counts[instance.StateFailed]+stats.Counts[instance.StateTimeout],
		stats.Counts[instance.StateNotRun],
		runErr,
	)

	// The run context may already be cancelled; finish bookkeeping anyway.
	finishCtx := context.WithoutCancel(ctx)
	if stored {
		ended := sum.EndedAt
		if err := r.store.FinishRun(finishCtx, resultstore.Run{
			ID:       sum.RunID,
			EndedAt:  &ended,
			Outcome:  sum.Outcome,
			Total:    sum.Total,
			Passed:   stats.Counts[instance.StatePassed],
			Failed:   stats.Counts[instance.StateFailed],
			TimedOut: stats.Counts[instance.StateTimeout],
			Skipped:  stats.Counts[instance.StateSkipped],
			NotRun:   stats.Counts[instance.StateNotRun],
		}); err != nil {
			log.Error(err, "Failed to record run totals")
		}
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:      events.RunFinished,
			Summary:   fmt.Sprintf("run %s: %d instances in %s", sum.Outcome, sum.Total, sum.Duration().Round(time.Millisecond)),
			Detail:    sum.Counts,
			Timestamp: sum.EndedAt,
		})
	}

	log.Info("Run complete", "outcome", sum.Outcome, "total", sum.Total, "duration", sum.Duration())
	return sum, runErr
}

func outcome(stats scheduler.Stats) string {
	switch {
	case stats.Stalled:
		return OutcomeStalled
	case stats.Cancelled:
		return OutcomeCancelled
	}
	for state, n := range stats.Counts {
		if n > 0 && !state.Successful() {
			return OutcomeFailed
		}
	}
	return OutcomePassed
}

// reportErrors logs sink failures instead of returning them.
type reportErrors struct {
	next scheduler.Reporter
	log  logr.Logger
}

func (r reportErrors) Report(ctx context.Context, res instance.Result) error {
	if err := r.next.Report(ctx, res); err != nil {
		r.log.Error(err, "Reporter failed", "instance", res.UniqueID)
	}
	return nil
}

func (r reportErrors) Diagnostic(ctx context.Context, d instance.Diagnostic) error {
	if err := r.next.Diagnostic(ctx, d); err != nil {
		r.log.Error(err, "Reporter failed", "diagnostic", d.Kind)
	}
	return nil
}
