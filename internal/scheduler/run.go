package scheduler

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/tandem/internal/constraint"
	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
	"github.com/marcus-qen/tandem/internal/fixture"
	"github.com/marcus-qen/tandem/internal/graph"
	"github.com/marcus-qen/tandem/internal/instance"
	"github.com/marcus-qen/tandem/internal/metrics"
)

// report is one item on the ordered reporting channel: either a result or a
// diagnostic.
type report struct {
	in     *instance.Instance
	result instance.Result
	diag   *instance.Diagnostic
}

// release is fixture bookkeeping owed by a finalized instance. It runs
// outside the run lock.
type release struct {
	handles []*fixture.Handle
	keys    []string
}

// run is the mutable state of one Run call. Everything below mu is guarded
// by it; cond is signalled whenever the ready queue or running set changes.
type run struct {
	s        *Scheduler
	g        *graph.Graph
	resolver *constraint.Resolver
	fixtures *fixture.Manager
	log      logr.Logger

	reports chan report

	mu   sync.Mutex
	cond *sync.Cond

	// waiting counts each instance's non-terminal predecessors.
	waiting  []int
	poisoned []bool
	// ready is FIFO by ready-entry time.
	ready   []int
	running map[int]time.Time
	// abandoned counts bodies per instance that were given up on but have
	// not returned. They keep the instance's constraint keys held.
	abandoned map[int]int
	settleQ   []int

	held    map[int][]*fixture.Handle
	values  map[int]map[string]any
	keys    map[int][]string
	pending []release

	remaining int
	counts    map[instance.State]int
	cancelled bool
	stallErr  error
	closed    bool
}

func newRun(s *Scheduler, g *graph.Graph, resolver *constraint.Resolver, fixtures *fixture.Manager) *run {
	n := g.Len()
	r := &run{
		s:         s,
		g:         g,
		resolver:  resolver,
		fixtures:  fixtures,
		log:       s.log,
		reports:   make(chan report, n+len(g.Diagnostics)+1),
		waiting:   make([]int, n),
		poisoned:  make([]bool, n),
		running:   map[int]time.Time{},
		abandoned: map[int]int{},
		held:      map[int][]*fixture.Handle{},
		values:    map[int]map[string]any{},
		keys:      map[int][]string{},
		remaining: n,
		counts:    map[instance.State]int{},
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// init registers fixture liveness, reports graph diagnostics, finalizes
// instances that can never run and seeds the ready queue.
func (r *run) init(ctx context.Context) {
	for key, consumers := range r.g.Fixtures {
		if len(consumers) == 0 {
			continue
		}
		spec, ok := fixtureFor(r.g.Instance(consumers[0]).Descriptor, key)
		if !ok {
			continue
		}
		r.fixtures.Expect(key, spec.Scope, len(consumers))
		for _, seq := range consumers {
			r.keys[seq] = append(r.keys[seq], key)
		}
	}

	r.mu.Lock()
	for i := range r.g.Diagnostics {
		d := r.g.Diagnostics[i]
		r.reports <- report{diag: &d}
	}
	for seq := range r.waiting {
		r.waiting[seq] = len(r.g.Predecessors(seq))
	}
	for seq, in := range r.g.Instances() {
		if _, blocked := r.g.Blocked[in.ID]; blocked || in.DiscoveryErr != nil {
			r.settleQ = append(r.settleQ, seq)
		}
	}
	r.drainLocked()
	for seq := range r.waiting {
		if r.waiting[seq] == 0 {
			r.settleQ = append(r.settleQ, seq)
		}
	}
	r.drainLocked()
	r.mu.Unlock()

	r.flush(ctx)
}

func fixtureFor(d *descriptor.Descriptor, key string) (descriptor.FixtureSpec, bool) {
	for _, f := range d.Fixtures {
		if descriptor.ScopeKey(d, f) == key {
			return f, true
		}
	}
	return descriptor.FixtureSpec{}, false
}

// drainLocked settles every queued instance, including instances unblocked
// by the settling itself.
func (r *run) drainLocked() {
	for len(r.settleQ) > 0 {
		seq := r.settleQ[0]
		r.settleQ = r.settleQ[1:]
		r.settleLocked(seq)
	}
	r.cond.Broadcast()
}

// settleLocked decides the fate of a pending instance whose predecessors are
// all terminal.
func (r *run) settleLocked(seq int) {
	in := r.g.Instance(seq)
	if in.State() != instance.StatePending {
		return
	}
	if cause, blocked := r.g.Blocked[in.ID]; blocked {
		r.finishLocked(seq, instance.StateNotRun, cause)
		return
	}
	switch {
	case in.DiscoveryErr != nil:
		cause := in.DiscoveryErr
		if failure.KindOf(cause) == "" {
			cause = failure.Discovery(in.ID, cause)
		}
		r.finishLocked(seq, instance.StateNotRun, cause)
	case r.stallErr != nil:
		r.finishLocked(seq, instance.StateNotRun, r.stallErr)
	case r.cancelled:
		r.finishLocked(seq, instance.StateNotRun, failure.Cancellation(in.ID))
	case r.poisoned[seq]:
		r.finishLocked(seq, instance.StateNotRun, failure.New(failure.KindScheduling, in.ID, failure.ErrAncestorFailed))
	case in.Descriptor.Skipped:
		var cause error
		if reason := in.Descriptor.SkipReason; reason != "" {
			cause = fmt.Errorf("skipped: %s", reason)
		}
		r.finishLocked(seq, instance.StateSkipped, cause)
	default:
		if err := in.Transition(instance.StateReady); err != nil {
			r.log.Error(err, "Cannot make instance ready", "instance", in.ID)
			return
		}
		r.pushReadyLocked(seq)
	}
}

func (r *run) pushReadyLocked(seq int) {
	r.ready = append(r.ready, seq)
	metrics.ReadyQueueDepth.Set(float64(len(r.ready)))
}

// finishLocked records a terminal state, queues the result for reporting and
// relaxes outgoing edges. Newly unblocked successors go on settleQ.
func (r *run) finishLocked(seq int, state instance.State, cause error) {
	in := r.g.Instance(seq)
	res, err := in.Finish(state, cause, r.s.now())
	if err != nil {
		r.log.Error(err, "Cannot finalize instance", "instance", in.ID, "state", state)
		return
	}
	delete(r.running, seq)
	r.remaining--
	r.counts[state]++
	metrics.RecordTestComplete(string(state), res.Duration())
	r.log.V(1).Info("Instance finished", "instance", in.DisplayName, "state", state, "attempt", res.Attempt)

	if !r.closed {
		r.reports <- report{in: in, result: res}
	}
	if handles, keys := r.held[seq], r.keys[seq]; len(handles) > 0 || len(keys) > 0 {
		r.pending = append(r.pending, release{handles: handles, keys: keys})
	}
	delete(r.held, seq)
	delete(r.values, seq)

	for _, succ := range r.g.Successors(seq) {
		if r.s.cfg.CascadeFailures && !state.Successful() && r.g.EdgeKind(seq, succ) == graph.EdgeOrder {
			r.poisoned[succ] = true
		}
		r.waiting[succ]--
		if r.waiting[succ] == 0 {
			r.settleQ = append(r.settleQ, succ)
		}
	}
}

// finalizeLocked finishes seq and settles everything it unblocked.
func (r *run) finalizeLocked(seq int, state instance.State, cause error) {
	r.finishLocked(seq, state, cause)
	r.drainLocked()
}

// flush performs fixture releases owed by finalized instances. Disposal runs
// even when the run was cancelled.
func (r *run) flush(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	r.mu.Lock()
	owed := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, rel := range owed {
		for _, h := range rel.handles {
			r.fixtures.Release(ctx, h)
		}
		for _, key := range rel.keys {
			r.fixtures.Retire(ctx, key)
		}
	}
}

// next blocks until an instance can start and claims it for the caller. It
// returns false once every instance is terminal.
func (r *run) next(ctx context.Context) (*instance.Instance, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
scan:
	for {
		if r.remaining == 0 {
			return nil, 0, false
		}
		if ctx.Err() != nil && (!r.cancelled || len(r.ready) > 0) {
			r.cancelLocked()
			continue
		}
		for i, seq := range r.ready {
			if !r.compatibleLocked(seq) {
				continue
			}
			r.ready = slices.Delete(r.ready, i, i+1)
			metrics.ReadyQueueDepth.Set(float64(len(r.ready)))
			in := r.g.Instance(seq)
			now := r.s.now()
			attempt, err := in.BeginAttempt(now)
			if err != nil {
				r.log.Error(err, "Cannot start instance", "instance", in.ID)
				r.finalizeLocked(seq, instance.StateNotRun, failure.New(failure.KindScheduling, in.ID, err))
				continue scan
			}
			r.running[seq] = now
			return in, attempt, true
		}
		if len(r.ready) == 0 && len(r.running) == 0 && r.remaining > 0 {
			r.stallLocked()
			continue
		}
		r.cond.Wait()
	}
}

// compatibleLocked reports whether seq may start next to everything running.
func (r *run) compatibleLocked(seq int) bool {
	in := r.g.Instance(seq)
	for other := range r.running {
		if !r.resolver.MayRunConcurrently(in, r.g.Instance(other)) {
			return false
		}
	}
	for other := range r.abandoned {
		if !r.resolver.MayRunConcurrently(in, r.g.Instance(other)) {
			return false
		}
	}
	return true
}

// stallLocked handles the impossible: instances remain but nothing is ready
// or running. Every remaining instance becomes NotRun.
func (r *run) stallLocked() {
	var stuck []string
	for _, in := range r.g.Instances() {
		if !in.State().Terminal() {
			stuck = append(stuck, in.DisplayName)
		}
	}
	serr := failure.New(failure.KindScheduling, "",
		fmt.Errorf("%w: %d remaining %v", failure.ErrSchedulerStalled, len(stuck), stuck))
	r.stallErr = serr
	r.log.Error(serr, "Scheduler stalled")

	d := instance.NewDiagnostic(serr, r.s.now())
	r.reports <- report{diag: &d}

	for seq, in := range r.g.Instances() {
		if !in.State().Terminal() {
			r.finishLocked(seq, instance.StateNotRun, r.stallErr)
		}
	}
	r.ready = nil
	r.drainLocked()
}

// requeueLocked puts a failed attempt back at the end of the ready queue.
func (r *run) requeueLocked(seq int) bool {
	in := r.g.Instance(seq)
	if err := in.Transition(instance.StateReady); err != nil {
		r.log.Error(err, "Cannot requeue instance", "instance", in.ID)
		return false
	}
	delete(r.running, seq)
	r.pushReadyLocked(seq)
	metrics.RecordRetry()
	r.cond.Broadcast()
	return true
}

// cancelLocked marks the run cancelled and finalizes every instance that has
// not started as NotRun. Running attempts observe ctx themselves.
func (r *run) cancelLocked() {
	if !r.cancelled {
		r.cancelled = true
		r.log.Info("Run cancelled", "remaining", r.remaining)
	}
	queued := r.ready
	r.ready = nil
	metrics.ReadyQueueDepth.Set(0)
	for _, seq := range queued {
		r.finishLocked(seq, instance.StateNotRun, failure.Cancellation(r.g.Instance(seq).ID))
	}
	for seq, in := range r.g.Instances() {
		if in.State() == instance.StatePending {
			r.finishLocked(seq, instance.StateNotRun, failure.Cancellation(in.ID))
		}
	}
	r.drainLocked()
}

// abandon holds the keys of an instance whose body did not return by the end
// of its attempt. The hold ends when the body returns or after grace, in
// which case a diagnostic is reported.
func (r *run) abandon(in *instance.Instance, done <-chan error, grace time.Duration) {
	r.mu.Lock()
	r.abandoned[in.Seq]++
	r.mu.Unlock()

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		var expired bool
		select {
		case <-done:
		case <-timer.C:
			expired = true
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.abandoned[in.Seq]--; r.abandoned[in.Seq] <= 0 {
			delete(r.abandoned, in.Seq)
		}
		r.cond.Broadcast()
		if !expired {
			return
		}
		err := failure.New(failure.KindScheduling, in.ID, fmt.Errorf("%w after %s", failure.ErrBodyAbandoned, grace))
		r.log.Info("Releasing keys of an abandoned test body", "instance", in.DisplayName, "grace", grace)
		if !r.closed {
			d := instance.NewDiagnostic(err, r.s.now())
			r.reports <- report{diag: &d}
		}
	}()
}

// watchCancel turns run cancellation into NotRun results for everything
// that has not started. Running attempts observe ctx themselves.
func (r *run) watchCancel(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		r.mu.Lock()
		if r.closed || r.remaining == 0 {
			r.mu.Unlock()
			return
		}
		r.cancelLocked()
		r.mu.Unlock()
		r.flush(ctx)
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (r *run) startReporting(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	rctx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		for rep := range r.reports {
			if rep.diag != nil {
				if err := r.s.reporter.Diagnostic(rctx, *rep.diag); err != nil {
					r.log.Error(err, "Failed to report diagnostic", "kind", rep.diag.Kind)
				}
				continue
			}
			if err := r.s.reporter.Report(rctx, rep.result); err != nil {
				r.log.Error(err, "Failed to report result", "instance", rep.result.UniqueID)
			}
			rep.in.Discard()
		}
	}()
	return done
}

func (r *run) closeReports() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.reports)
}

func (r *run) stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Total:     r.g.Len(),
		Counts:    maps.Clone(r.counts),
		Stalled:   r.stallErr != nil,
		Cancelled: r.cancelled,
	}
}
