/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package scheduler executes an ordering graph of test instances on a
// bounded worker pool.
//
// Workers take the oldest ready instance whose constraint keys do not clash
// with anything running. When none qualifies they wait for a running instance
// to finish. Only the scheduler moves instances between states, and every
// instance is reported exactly once, in completion order.
package scheduler

import (
	"context"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/tandem/internal/constraint"
	"github.com/marcus-qen/tandem/internal/fixture"
	"github.com/marcus-qen/tandem/internal/graph"
	"github.com/marcus-qen/tandem/internal/instance"
)

// Config configures the scheduler.
type Config struct {
	// Parallelism is the worker pool size.
	Parallelism int
	// DefaultTimeout applies to instances that declare none. Zero means no
	// timeout.
	DefaultTimeout time.Duration
	// CascadeFailures turns a non-passing instance's Order dependents into
	// NotRun instead of running them.
	CascadeFailures bool
	// AbandonGrace bounds how long a body that ignored its timeout keeps its
	// constraint keys held after the attempt is given up.
	AbandonGrace time.Duration
}

const defaultAbandonGrace = 10 * time.Second

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Parallelism:  runtime.GOMAXPROCS(0),
		AbandonGrace: defaultAbandonGrace,
	}
}

// Stats summarises one Run.
type Stats struct {
	Total     int
	Counts    map[instance.State]int
	Stalled   bool
	Cancelled bool
}

// Scheduler runs ordering graphs.
type Scheduler struct {
	cfg      Config
	fixtures *fixture.Manager
	reporter Reporter
	log      logr.Logger
	now      func() time.Time
}

// New creates a new Scheduler. A nil fixture manager gets a private one that
// is closed at the end of each Run; a nil reporter discards results.
func New(cfg Config, fixtures *fixture.Manager, reporter Reporter, log logr.Logger) *Scheduler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if cfg.DefaultTimeout < 0 {
		cfg.DefaultTimeout = 0
	}
	if cfg.AbandonGrace <= 0 {
		cfg.AbandonGrace = defaultAbandonGrace
	}
	if reporter == nil {
		reporter = Discard
	}
	return &Scheduler{
		cfg:      cfg,
		fixtures: fixtures,
		reporter: reporter,
		log:      log.WithName("scheduler"),
		now:      time.Now,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Run executes every instance of g and blocks until each one has a terminal
// state and has been reported. It returns a scheduling error when no progress
// was possible, or ctx's error when the run was cancelled. Test failures are
// never returned as errors.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, resolver *constraint.Resolver) (Stats, error) {
	fixtures := s.fixtures
	if fixtures == nil {
		fixtures = fixture.NewManager(s.log, fixture.Options{
			OnDiagnostic: func(d instance.Diagnostic) {
				if err := s.reporter.Diagnostic(context.WithoutCancel(ctx), d); err != nil {
					s.log.Error(err, "Failed to report diagnostic", "kind", d.Kind)
				}
			},
		})
		defer func() {
			if err := fixtures.Close(context.WithoutCancel(ctx)); err != nil {
				s.log.Error(err, "Failed to dispose fixtures")
			}
		}()
	}

	r := newRun(s, g, resolver, fixtures)
	workers := min(s.cfg.Parallelism, g.Len())

	s.log.Info("Run starting",
		"instances", g.Len(),
		"workers", workers,
		"cascade", s.cfg.CascadeFailures,
	)

	reported := r.startReporting(ctx)
	r.init(ctx)
	stopWatch := r.watchCancel(ctx)

	var eg errgroup.Group
	for range workers {
		eg.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	_ = eg.Wait()

	stopWatch()
	r.mu.Lock()
	if ctx.Err() != nil {
		r.cancelled = true
	}
	r.mu.Unlock()
	r.flush(ctx)
	r.closeReports()
	<-reported

	stats := r.stats()
	s.log.Info("Run finished", "counts", stats.Counts, "stalled", stats.Stalled, "cancelled", stats.Cancelled)

	if r.stallErr != nil {
		return stats, r.stallErr
	}
	if stats.Cancelled {
		return stats, ctx.Err()
	}
	return stats, nil
}
