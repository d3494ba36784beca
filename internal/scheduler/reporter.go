package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/marcus-qen/tandem/internal/instance"
)

// Reporter receives terminal results and run diagnostics. Report is called
// exactly once per instance, in completion order, from a single goroutine.
// Diagnostic may be called concurrently with Report.
type Reporter interface {
	Report(ctx context.Context, r instance.Result) error
	Diagnostic(ctx context.Context, d instance.Diagnostic) error
}

type discard struct{}

func (discard) Report(context.Context, instance.Result) error         { return nil }
func (discard) Diagnostic(context.Context, instance.Diagnostic) error { return nil }

// Discard drops everything.
var Discard Reporter = discard{}

// MultiReporter fans every call out to each reporter in order and joins
// their errors.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, r instance.Result) error {
	var errs []error
	for _, rep := range m {
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiReporter) Diagnostic(ctx context.Context, d instance.Diagnostic) error {
	var errs []error
	for _, rep := range m {
		if err := rep.Diagnostic(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Collector keeps every result and diagnostic in memory.
type Collector struct {
	mu          sync.Mutex
	results     []instance.Result
	diagnostics []instance.Diagnostic
}

// NewCollector creates an empty collector.
func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Report(_ context.Context, r instance.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func (c *Collector) Diagnostic(_ context.Context, d instance.Diagnostic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnostics = append(c.diagnostics, d)
	return nil
}

// Results returns results in the order they were reported.
func (c *Collector) Results() []instance.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.results)
}

// Diagnostics returns diagnostics in the order they were reported.
func (c *Collector) Diagnostics() []instance.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.diagnostics)
}

// ByName indexes results by display name. Later duplicates win.
func (c *Collector) ByName() map[string]instance.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]instance.Result, len(c.results))
	for _, r := range c.results {
		out[r.DisplayName] = r
	}
	return out
}
