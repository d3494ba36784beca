package fixture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
	"github.com/marcus-qen/tandem/internal/instance"
)

type counter struct {
	created  atomic.Int32
	disposed atomic.Int32
}

func (c *counter) spec(name string, scope descriptor.SharingScope, delay time.Duration) descriptor.FixtureSpec {
	return descriptor.FixtureSpec{
		Name:  name,
		Scope: scope,
		New: func(context.Context) (any, error) {
			time.Sleep(delay)
			return c.created.Add(1), nil
		},
		Dispose: func(context.Context, any) error {
			c.disposed.Add(1)
			return nil
		},
	}
}

func TestPerClassCreatedOnceUnderConcurrentFirstAccess(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	var c counter
	spec := c.spec("db", descriptor.ScopePerClass, 20*time.Millisecond)
	const key = "class:asm/Suite:db"
	const consumers = 16
	m.Expect(key, spec.Scope, consumers)

	handles := make([]*Handle, consumers)
	var wg sync.WaitGroup
	for i := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(context.Background(), key, spec)
			if err == nil {
				handles[i] = h
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), c.created.Load())
	for _, h := range handles {
		require.NotNil(t, h)
		assert.Equal(t, int32(1), h.Value)
	}

	for i, h := range handles {
		m.Release(context.Background(), h)
		if i < consumers-1 {
			m.Retire(context.Background(), key)
			assert.Zero(t, c.disposed.Load(), "disposed before last consumer finished")
		}
	}
	assert.Zero(t, c.disposed.Load())
	m.Retire(context.Background(), key)
	assert.Equal(t, int32(1), c.disposed.Load())

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, int32(1), c.disposed.Load(), "Close must not dispose twice")
}

func TestDisposalWaitsForOutstandingReference(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	var c counter
	spec := c.spec("db", descriptor.ScopePerAssembly, 0)
	m.Expect("assembly:a:db", spec.Scope, 1)

	h, err := m.Acquire(context.Background(), "assembly:a:db", spec)
	require.NoError(t, err)
	m.Retire(context.Background(), "assembly:a:db")
	assert.Zero(t, c.disposed.Load())
	assert.Equal(t, 1, m.Live())

	m.Release(context.Background(), h)
	m.Release(context.Background(), h)
	assert.Equal(t, int32(1), c.disposed.Load())
	assert.Zero(t, m.Live())
}

func TestCreationErrorFansOutToEveryConsumer(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	boom := errors.New("connection refused")
	var calls atomic.Int32
	spec := descriptor.FixtureSpec{
		Name:  "db",
		Scope: descriptor.ScopePerClass,
		New: func(context.Context) (any, error) {
			calls.Add(1)
			time.Sleep(10 * time.Millisecond)
			return nil, boom
		},
	}

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background(), "class:/S:db", spec)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, failure.KindFixtureCreation, failure.KindOf(err))
		assert.False(t, failure.IsRetryable(err))
	}

	_, err := m.Acquire(context.Background(), "class:/S:db", spec)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load(), "factory is attempted once per key")
}

func TestFactoryPanicIsCreationError(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	spec := descriptor.FixtureSpec{
		Name:  "bad",
		Scope: descriptor.ScopeGlobal,
		New:   func(context.Context) (any, error) { panic("nope") },
	}
	_, err := m.Acquire(context.Background(), "global:bad", spec)
	require.Error(t, err)
	assert.Equal(t, failure.KindFixtureCreation, failure.KindOf(err))
	assert.Contains(t, err.Error(), "panicked")
}

func TestScopeNoneCreatesPerAcquisition(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	var c counter
	spec := c.spec("tmp", descriptor.ScopeNone, 0)

	h1, err := m.Acquire(context.Background(), "", spec)
	require.NoError(t, err)
	h2, err := m.Acquire(context.Background(), "", spec)
	require.NoError(t, err)
	assert.NotEqual(t, h1.Value, h2.Value)

	m.Release(context.Background(), h1)
	assert.Equal(t, int32(1), c.disposed.Load())
	m.Release(context.Background(), h2)
	assert.Equal(t, int32(2), c.disposed.Load())
}

func TestGlobalLivesUntilClose(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	var c counter
	spec := c.spec("cluster", descriptor.ScopeGlobal, 0)
	m.Expect("global:cluster", spec.Scope, 1)

	h, err := m.Acquire(context.Background(), "global:cluster", spec)
	require.NoError(t, err)
	m.Release(context.Background(), h)
	m.Retire(context.Background(), "global:cluster")
	assert.Zero(t, c.disposed.Load())

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, int32(1), c.disposed.Load())
}

func TestUntrackedKeyLivesUntilClose(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	var c counter
	spec := c.spec("cache", descriptor.ScopePerClass, 0)

	h, err := m.Acquire(context.Background(), "class:/S:cache", spec)
	require.NoError(t, err)
	m.Release(context.Background(), h)
	assert.Zero(t, c.disposed.Load())

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, int32(1), c.disposed.Load())
}

func TestDisposalErrorBecomesDiagnostic(t *testing.T) {
	var got []instance.Diagnostic
	var mu sync.Mutex
	m := NewManager(logr.Discard(), Options{OnDiagnostic: func(d instance.Diagnostic) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d)
	}})
	spec := descriptor.FixtureSpec{
		Name:    "db",
		Scope:   descriptor.ScopePerClass,
		New:     func(context.Context) (any, error) { return "conn", nil },
		Dispose: func(context.Context, any) error { return errors.New("close failed") },
	}
	m.Expect("class:/S:db", spec.Scope, 1)
	h, err := m.Acquire(context.Background(), "class:/S:db", spec)
	require.NoError(t, err)
	m.Release(context.Background(), h)
	m.Retire(context.Background(), "class:/S:db")

	diags := m.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, failure.KindDisposal, diags[0].Kind)
	assert.Equal(t, "class:/S:db", diags[0].Subject)
	assert.Contains(t, diags[0].Message, "close failed")
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestCloseReturnsDisposalErrors(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	spec := descriptor.FixtureSpec{
		Name:    "g",
		Scope:   descriptor.ScopeGlobal,
		New:     func(context.Context) (any, error) { return 1, nil },
		Dispose: func(context.Context, any) error { return errors.New("teardown") },
	}
	_, err := m.Acquire(context.Background(), "global:g", spec)
	require.NoError(t, err)
	err = m.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teardown")
}

func TestWaiterHonoursContext(t *testing.T) {
	m := NewManager(logr.Discard(), Options{})
	release := make(chan struct{})
	spec := descriptor.FixtureSpec{
		Name:  "slow",
		Scope: descriptor.ScopePerClass,
		New: func(context.Context) (any, error) {
			<-release
			return "ok", nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "class:/S:slow", spec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	h, err := m.Acquire(context.Background(), "class:/S:slow", spec)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Value)
}
