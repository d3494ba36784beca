package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/tandem/internal/constraint"
	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/expander"
	"github.com/marcus-qen/tandem/internal/graph"
	"github.com/marcus-qen/tandem/internal/identity"
)

// plan expands descriptors and builds the graph a run would use.
func plan(descs ...*descriptor.Descriptor) (*graph.Graph, *constraint.Resolver, error) {
	exp := expander.New(identity.NewProvider(), expander.Config{}, logr.Discard())
	res, err := exp.Expand(context.Background(), descs)
	if err != nil {
		return nil, nil, err
	}
	resolver := constraint.NewResolver(res.Instances)
	g, err := graph.Build(res.Instances, resolver)
	if err != nil {
		return nil, nil, err
	}
	return g, resolver, nil
}

// runPlan runs descriptors with the given parallelism and collects results.
func runPlan(ctx context.Context, cfg Config, descs ...*descriptor.Descriptor) (*Collector, Stats, error) {
	g, resolver, err := plan(descs...)
	if err != nil {
		return nil, Stats{}, err
	}
	c := NewCollector()
	s := New(cfg, nil, c, logr.Discard())
	stats, err := s.Run(ctx, g, resolver)
	return c, stats, err
}

type interval struct {
	start, end time.Time
}

// timeline records when each body ran, in start order.
type timeline struct {
	mu        sync.Mutex
	starts    []string
	intervals map[string][]interval
}

func newTimeline() *timeline {
	return &timeline{intervals: map[string][]interval{}}
}

// body sleeps for d, recording its interval under the call's display name.
func (tl *timeline) body(d time.Duration) descriptor.Body {
	return func(ctx context.Context, call descriptor.Call) error {
		start := time.Now()
		tl.mu.Lock()
		tl.starts = append(tl.starts, call.DisplayName)
		tl.mu.Unlock()

		select {
		case <-time.After(d):
		case <-ctx.Done():
		}

		tl.mu.Lock()
		tl.intervals[call.DisplayName] = append(tl.intervals[call.DisplayName], interval{start, time.Now()})
		tl.mu.Unlock()
		return ctx.Err()
	}
}

func (tl *timeline) order() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]string, len(tl.starts))
	copy(out, tl.starts)
	return out
}

func (tl *timeline) span(name string) interval {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	iv := tl.intervals[name]
	if len(iv) == 0 {
		return interval{}
	}
	return iv[len(iv)-1]
}

func (tl *timeline) all() []interval {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	var out []interval
	for _, ivs := range tl.intervals {
		out = append(out, ivs...)
	}
	return out
}

func overlaps(a, b interval) bool {
	return a.start.Before(b.end) && b.start.Before(a.end)
}

func ok(context.Context, descriptor.Call) error { return nil }
