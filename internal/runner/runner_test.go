/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package runner

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/events"
	"github.com/marcus-qen/tandem/internal/expander"
	"github.com/marcus-qen/tandem/internal/instance"
	"github.com/marcus-qen/tandem/internal/metrics"
	"github.com/marcus-qen/tandem/internal/plan"
	"github.com/marcus-qen/tandem/internal/resultstore"
	"github.com/marcus-qen/tandem/internal/scheduler"
)

func pass(context.Context, descriptor.Call) error { return nil }

func fail(context.Context, descriptor.Call) error { return errors.New("assertion failed") }

func runsTotal(t *testing.T, outcome string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.RunsTotal.WithLabelValues(outcome).Write(&m))
	return m.GetCounter().GetValue()
}

func testConfig() Config {
	return Config{Scheduler: scheduler.Config{Parallelism: 4}, MaxDataRows: 100}
}

func TestExecuteAllPassing(t *testing.T) {
	before := runsTotal(t, OutcomePassed)
	r := NewRunner(testConfig(), logr.Discard())

	sum, err := r.Execute(context.Background(), []*descriptor.Descriptor{
		descriptor.New("Suite", "A").Body(pass).MustBuild(),
		descriptor.New("Suite", "B").MethodData(descriptor.Args("n", 1, 2, 3)).Body(pass).MustBuild(),
		descriptor.New("Suite", "C").Skip("not today").MustBuild(),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 5, sum.Total)
	assert.Len(t, sum.Results, 5)
	assert.Equal(t, 4, sum.Counts[instance.StatePassed])
	assert.Equal(t, 1, sum.Counts[instance.StateSkipped])
	assert.True(t, sum.Passed())
	assert.Equal(t, OutcomePassed, sum.Outcome)
	assert.False(t, sum.EndedAt.Before(sum.StartedAt))
	assert.Equal(t, before+1, runsTotal(t, OutcomePassed))
}

func TestExecuteReportsFailuresInSummary(t *testing.T) {
	r := NewRunner(testConfig(), logr.Discard())

	sum, err := r.Execute(context.Background(), []*descriptor.Descriptor{
		descriptor.New("Suite", "Good").Body(pass).MustBuild(),
		descriptor.New("Suite", "Bad").Body(fail).MustBuild(),
	})
	require.NoError(t, err, "test failures are not run errors")

	assert.False(t, sum.Passed())
	assert.Equal(t, OutcomeFailed, sum.Outcome)
	assert.Equal(t, 1, sum.Counts[instance.StateFailed])
}

func TestExecuteAppliesSelection(t *testing.T) {
	cfg := testConfig()
	cfg.Selection = expander.Selection{Categories: []string{"fast"}}
	r := NewRunner(cfg, logr.Discard())

	sum, err := r.Execute(context.Background(), []*descriptor.Descriptor{
		descriptor.New("Suite", "Fast").Categories("fast").Body(pass).MustBuild(),
		descriptor.New("Suite", "Slow").Categories("slow").Body(pass).MustBuild(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, []string{"Suite.Slow"}, sum.Excluded)
}

func TestExecutePublishesEventsAndStoresRun(t *testing.T) {
	bus := events.NewBus(64)
	ch := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	store, err := resultstore.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	extra := scheduler.NewCollector()
	r := NewRunner(testConfig(), logr.Discard(), WithEvents(bus), WithStore(store), WithReporter(extra))
	sum, err := r.Execute(context.Background(), []*descriptor.Descriptor{
		descriptor.New("Suite", "A").Body(pass).MustBuild(),
		descriptor.New("Suite", "B").Body(fail).MustBuild(),
	})
	require.NoError(t, err)

	var types []events.EventType
	for len(ch) > 0 {
		evt := <-ch
		assert.Equal(t, sum.RunID, evt.RunID)
		types = append(types, evt.Type)
	}
	require.Len(t, types, 4)
	assert.Equal(t, events.RunStarted, types[0])
	assert.Equal(t, events.TestFinished, types[1])
	assert.Equal(t, events.TestFinished, types[2])
	assert.Equal(t, events.RunFinished, types[3])

	assert.Len(t, extra.Results(), 2)

	ctx := context.Background()
	run, err := store.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 1, run.Passed)
	assert.Equal(t, 1, run.Failed)
	require.NotNil(t, run.EndedAt)

	stored, err := store.Results(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestExecuteCancelled(t *testing.T) {
	r := NewRunner(Config{Scheduler: scheduler.Config{Parallelism: 1}}, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	block := func(ctx context.Context, _ descriptor.Call) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	sum, err := r.Execute(ctx, []*descriptor.Descriptor{
		descriptor.New("Suite", "A").Body(block).MustBuild(),
		descriptor.New("Suite", "B").Body(pass).MustBuild(),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCancelled, sum.Outcome)
	assert.Equal(t, 2, sum.Counts[instance.StateNotRun])
}

func TestExecuteCancelledByFinishingTest(t *testing.T) {
	r := NewRunner(Config{Scheduler: scheduler.Config{Parallelism: 1}}, logr.Discard())
	for range 20 {
		ctx, cancel := context.WithCancel(context.Background())
		var cancelled atomic.Bool
		var lateStarts atomic.Int32

		sum, err := r.Execute(ctx, []*descriptor.Descriptor{
			descriptor.New("Suite", "A").Body(func(context.Context, descriptor.Call) error {
				cancel()
				cancelled.Store(true)
				return nil
			}).MustBuild(),
			descriptor.New("Suite", "B").Body(func(context.Context, descriptor.Call) error {
				if cancelled.Load() {
					lateStarts.Add(1)
				}
				return nil
			}).MustBuild(),
		})
		cancel()

		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, OutcomeCancelled, sum.Outcome)
		require.Zero(t, lateStarts.Load())
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name  string
		stats scheduler.Stats
		want  string
	}{
		{"all passed", scheduler.Stats{Counts: map[instance.State]int{instance.StatePassed: 2, instance.StateSkipped: 1}}, OutcomePassed},
		{"empty", scheduler.Stats{Counts: map[instance.State]int{}}, OutcomePassed},
		{"timeout", scheduler.Stats{Counts: map[instance.State]int{instance.StatePassed: 1, instance.StateTimeout: 1}}, OutcomeFailed},
		{"not run", scheduler.Stats{Counts: map[instance.State]int{instance.StateNotRun: 1}}, OutcomeFailed},
		{"stalled wins", scheduler.Stats{Stalled: true, Cancelled: true}, OutcomeStalled},
		{"cancelled", scheduler.Stats{Cancelled: true}, OutcomeCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.stats))
		})
	}
}

func TestExecutePlanCommands(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	f, err := plan.Parse([]byte(`
fixtures:
  - name: token
    scope: per-class
    setup: [sh, -c, "echo secret"]
tests:
  - name: First
    class: Flow
    order: 1
    fixtures: [token]
    command: [sh, -c, 'test "$TANDEM_FIXTURE_TOKEN" = secret']
  - name: Second
    class: Flow
    order: 2
    method_data: [[a], [b]]
    command: [sh, -c, 'test -n "$TANDEM_ARG_0"']
  - name: Broken
    class: Flow
    command: [sh, -c, "exit 4"]
`))
	require.NoError(t, err)
	descs, err := plan.Descriptors(f, plan.Options{BaseDir: t.TempDir(), Log: logr.Discard()})
	require.NoError(t, err)

	sum, err := NewRunner(testConfig(), logr.Discard()).Execute(context.Background(), descs)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 3, sum.Counts[instance.StatePassed])
	assert.Equal(t, 1, sum.Counts[instance.StateFailed])

	for _, res := range sum.Results {
		if res.TestName == "Broken" {
			var exitErr *plan.ExitError
			require.ErrorAs(t, res.Cause, &exitErr)
			assert.Equal(t, 4, exitErr.ExitCode)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	every, err := ParseSchedule("15m")
	require.NoError(t, err)
	assert.True(t, now.Add(15*time.Minute).Equal(every.Next(now)))

	hourly, err := ParseSchedule("0 * * * *")
	require.NoError(t, err)
	assert.True(t, now.Add(time.Hour).Equal(hourly.Next(now)))

	for _, bad := range []string{"", "-5m", "every day"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestWatchRunsImmediatelyUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	err := Watch(ctx, "1h", logr.Discard(), func(context.Context) error {
		calls.Add(1)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatchRepeatsOnSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var calls atomic.Int32

	err := Watch(ctx, "1s", logr.Discard(), func(context.Context) error {
		if calls.Add(1) == 2 {
			cancel()
		}
		return errors.New("run failed")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWatchRejectsBadSchedule(t *testing.T) {
	err := Watch(context.Background(), "whenever", logr.Discard(), func(context.Context) error { return nil })
	assert.Error(t, err)
}
