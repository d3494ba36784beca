package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
	"github.com/marcus-qen/tandem/internal/fixture"
	"github.com/marcus-qen/tandem/internal/instance"
	"github.com/marcus-qen/tandem/internal/metrics"
	"github.com/marcus-qen/tandem/internal/telemetry"
)

// work is one worker: claim, execute, repeat until the run is done.
func (r *run) work(ctx context.Context) {
	for {
		in, attempt, ok := r.next(ctx)
		if !ok {
			return
		}
		r.execute(ctx, in, attempt)
	}
}

func (r *run) execute(ctx context.Context, in *instance.Instance, attempt int) {
	values, err := r.acquire(ctx, in)
	if err != nil {
		state := instance.StateFailed
		if ctx.Err() != nil {
			state, err = instance.StateNotRun, failure.Cancellation(in.ID)
		}
		metrics.RecordAttempt(string(failure.KindOf(err)))
		r.log.Info("Fixture acquisition failed", "instance", in.DisplayName, "error", err.Error())

		r.mu.Lock()
		r.finalizeLocked(in.Seq, state, err)
		if ctx.Err() != nil {
			r.cancelLocked()
		}
		r.mu.Unlock()
		r.flush(ctx)
		return
	}

	err = r.invoke(ctx, in, attempt, values)
	r.complete(ctx, in, attempt, err)
}

// acquire borrows every fixture the instance declares. Fixtures are borrowed
// once and kept across retries.
func (r *run) acquire(ctx context.Context, in *instance.Instance) (map[string]any, error) {
	r.mu.Lock()
	values, ok := r.values[in.Seq]
	r.mu.Unlock()
	if ok {
		return values, nil
	}

	d := in.Descriptor
	values = make(map[string]any, len(d.Fixtures))
	var handles []*fixture.Handle
	var err error
	for _, f := range d.Fixtures {
		var h *fixture.Handle
		h, err = r.fixtures.Acquire(ctx, descriptor.ScopeKey(d, f), f)
		if err != nil {
			break
		}
		handles = append(handles, h)
		values[f.Name] = h.Value
	}

	r.mu.Lock()
	r.held[in.Seq] = handles
	if err == nil {
		r.values[in.Seq] = values
	}
	r.mu.Unlock()
	return values, err
}

// invoke runs one attempt of the body. The body gets a context that is
// cancelled at the timeout or on run cancellation; a body that ignores it is
// abandoned at that point so the worker moves on.
func (r *run) invoke(ctx context.Context, in *instance.Instance, attempt int, values map[string]any) error {
	d := in.Descriptor
	timeout := r.s.cfg.DefaultTimeout
	if d.Timeout != nil {
		timeout = *d.Timeout
	}

	spanCtx, span := telemetry.StartTestSpan(ctx, in.ID, in.DisplayName, attempt)
	metrics.ActiveTests.Inc()
	defer metrics.ActiveTests.Dec()

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(spanCtx, timeout)
	} else {
		actx, cancel = context.WithCancel(spanCtx)
	}
	defer cancel()

	call := descriptor.Call{
		InstanceID:  in.ID,
		DisplayName: in.DisplayName,
		ClassArgs:   in.ClassArgs,
		MethodArgs:  in.MethodArgs,
		Repeat:      in.Repeat,
		Attempt:     attempt,
		Fixtures:    values,
	}
	r.log.V(1).Info("Attempt starting", "instance", in.DisplayName, "attempt", attempt, "timeout", timeout)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- failure.Panic(v)
			}
		}()
		done <- d.Body(actx, call)
	}()

	var bodyErr error
	finished := false
	select {
	case bodyErr = <-done:
		finished = true
	case <-actx.Done():
		r.abandon(in, done, r.s.cfg.AbandonGrace)
	}

	err := classify(ctx, actx, in.ID, timeout, finished, bodyErr)
	outcome := "passed"
	if err != nil {
		outcome = string(failure.KindOf(err))
	}
	metrics.RecordAttempt(outcome)
	telemetry.EndTestSpan(span, outcome, err)
	return err
}

func classify(ctx, actx context.Context, id string, timeout time.Duration, finished bool, bodyErr error) error {
	switch {
	case finished && bodyErr == nil:
		return nil
	case ctx.Err() != nil:
		return failure.Cancellation(id)
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return failure.Timeout(id, fmt.Errorf("%w after %s", failure.ErrTimeout, timeout))
	case bodyErr == nil:
		return failure.Invocation(id, actx.Err())
	default:
		return failure.Invocation(id, bodyErr)
	}
}

// complete either re-queues a retryable failure or finalizes the instance.
func (r *run) complete(ctx context.Context, in *instance.Instance, attempt int, err error) {
	r.mu.Lock()
	if ctx.Err() != nil || failure.KindOf(err) == failure.KindCancellation {
		r.cancelLocked()
	}
	if err != nil && failure.IsRetryable(err) && attempt <= in.Descriptor.RetryCount && !r.cancelled {
		if r.requeueLocked(in.Seq) {
			r.log.V(1).Info("Retrying", "instance", in.DisplayName, "attempt", attempt, "error", err.Error())
			r.mu.Unlock()
			return
		}
	}
	r.finalizeLocked(in.Seq, stateFor(err), err)
	r.mu.Unlock()
	r.flush(ctx)
}

func stateFor(err error) instance.State {
	if err == nil {
		return instance.StatePassed
	}
	switch failure.KindOf(err) {
	case failure.KindTimeout:
		return instance.StateTimeout
	case failure.KindCancellation:
		return instance.StateNotRun
	default:
		return instance.StateFailed
	}
}
