// Package fixture manages the lifetime of shared test fixtures.
//
// A fixture is created lazily by its first acquirer and reference-counted per
// scope key. It is disposed once two things hold: no instance holds a
// reference, and the scheduler has retired every instance expected to ask for
// the key. Global fixtures and keys nobody registered expectations for live
// until Close.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
	"github.com/marcus-qen/tandem/internal/instance"
	"github.com/marcus-qen/tandem/internal/metrics"
	"github.com/marcus-qen/tandem/internal/telemetry"
)

// ErrDisposed is returned when a key is acquired after its fixture was torn
// down. It means the liveness counts handed to Expect were too low.
var ErrDisposed = errors.New("fixture already disposed")

// Handle is one borrowed reference to a fixture value.
type Handle struct {
	Key   string
	Name  string
	Value any

	entry   *entry
	private *descriptor.FixtureSpec
	once    sync.Once
}

type entry struct {
	key     string
	scope   descriptor.SharingScope
	dispose func(context.Context, any) error

	start sync.Once
	ready chan struct{}
	value any
	err   error

	refs     int
	pending  int
	tracked  bool
	created  bool
	disposed bool
}

// Options configures a Manager.
type Options struct {
	// OnDiagnostic receives disposal failures as they happen.
	OnDiagnostic func(instance.Diagnostic)
	// Now is the clock used for diagnostics.
	Now func() time.Time
}

// Manager owns every shared fixture of a run.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	diags   []instance.Diagnostic

	onDiag func(instance.Diagnostic)
	now    func() time.Time
	log    logr.Logger
}

// NewManager creates an empty manager.
func NewManager(log logr.Logger, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		entries: map[string]*entry{},
		onDiag:  opts.OnDiagnostic,
		now:     opts.Now,
		log:     log.WithName("fixture"),
	}
}

func (m *Manager) entryLocked(key string, scope descriptor.SharingScope) *entry {
	e, ok := m.entries[key]
	if !ok {
		e = &entry{key: key, scope: scope, ready: make(chan struct{})}
		m.entries[key] = e
	}
	return e
}

// Expect registers n instances that will acquire key before they finish.
func (m *Manager) Expect(key string, scope descriptor.SharingScope, n int) {
	if key == "" || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(key, scope)
	e.pending += n
	e.tracked = true
}

// Retire records that one expected consumer of key reached a terminal state.
// The fixture is disposed when this was the last thing keeping it alive.
func (m *Manager) Retire(ctx context.Context, key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if e.pending > 0 {
		e.pending--
	}
	disposeNow := m.claimDisposalLocked(e)
	m.mu.Unlock()

	if disposeNow {
		m.disposeEntry(ctx, e)
	}
}

// Acquire returns a reference to the fixture described by spec for key. The
// first caller for a key runs the factory; concurrent callers wait for it or
// for ctx. A creation error is returned to every caller as a fixture creation
// failure and the factory is never retried.
func (m *Manager) Acquire(ctx context.Context, key string, spec descriptor.FixtureSpec) (*Handle, error) {
	if key == "" || !spec.Scope.Shared() {
		return m.acquirePrivate(ctx, spec)
	}

	m.mu.Lock()
	e := m.entryLocked(key, spec.Scope)
	if e.disposed {
		m.mu.Unlock()
		return nil, failure.New(failure.KindFixtureCreation, key, ErrDisposed)
	}
	if e.dispose == nil {
		e.dispose = spec.Dispose
	}
	e.refs++
	m.mu.Unlock()

	e.start.Do(func() {
		go m.create(context.WithoutCancel(ctx), e, spec)
	})

	select {
	case <-e.ready:
	case <-ctx.Done():
		m.drop(ctx, e)
		return nil, ctx.Err()
	}

	if e.err != nil {
		m.drop(ctx, e)
		return nil, failure.New(failure.KindFixtureCreation, key, e.err)
	}
	return &Handle{Key: key, Name: spec.Name, Value: e.value, entry: e}, nil
}

func (m *Manager) create(ctx context.Context, e *entry, spec descriptor.FixtureSpec) {
	ctx, span := telemetry.StartFixtureSpan(ctx, e.key, e.scope.String())
	defer span.End()

	m.log.V(1).Info("creating fixture", "key", e.key, "scope", e.scope.String())
	value, err := callFactory(ctx, spec.New)

	m.mu.Lock()
	e.value, e.err = value, err
	if err == nil {
		e.created = true
	}
	close(e.ready)
	disposeNow := m.claimDisposalLocked(e)
	m.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		metrics.RecordFixtureError("create")
		m.log.Error(err, "fixture creation failed", "key", e.key)
	} else {
		metrics.RecordFixtureCreated(e.scope.String())
	}
	if disposeNow {
		m.disposeEntry(ctx, e)
	}
}

func callFactory(ctx context.Context, factory func(context.Context) (any, error)) (value any, err error) {
	if factory == nil {
		return nil, errors.New("fixture has no factory")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fixture factory panicked: %v", r)
		}
	}()
	return factory(ctx)
}

func (m *Manager) acquirePrivate(ctx context.Context, spec descriptor.FixtureSpec) (*Handle, error) {
	value, err := callFactory(ctx, spec.New)
	if err != nil {
		metrics.RecordFixtureError("create")
		return nil, failure.New(failure.KindFixtureCreation, spec.Name, err)
	}
	metrics.RecordFixtureCreated(descriptor.ScopeNone.String())
	return &Handle{Key: spec.Name, Name: spec.Name, Value: value, private: &spec}, nil
}

// Release returns a reference. Releasing the same handle twice is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.private != nil {
			m.runDispose(ctx, h.Name, descriptor.ScopeNone, h.private.Dispose, h.Value)
			return
		}
		m.drop(ctx, h.entry)
	})
}

func (m *Manager) drop(ctx context.Context, e *entry) {
	m.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	disposeNow := m.claimDisposalLocked(e)
	m.mu.Unlock()

	if disposeNow {
		m.disposeEntry(ctx, e)
	}
}

// claimDisposalLocked marks e disposed when nothing can use it any more and
// reports whether the caller must run the disposer.
func (m *Manager) claimDisposalLocked(e *entry) bool {
	if e.disposed || !e.created || !e.tracked {
		return false
	}
	if e.scope == descriptor.ScopeGlobal || e.refs > 0 || e.pending > 0 {
		return false
	}
	e.disposed = true
	return true
}

func (m *Manager) disposeEntry(ctx context.Context, e *entry) {
	m.runDispose(ctx, e.key, e.scope, e.dispose, e.value)
}

func (m *Manager) runDispose(ctx context.Context, key string, scope descriptor.SharingScope, dispose func(context.Context, any) error, value any) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if dispose != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("fixture disposer panicked: %v", r)
				}
			}()
			err = dispose(ctx, value)
		}()
	}
	metrics.RecordFixtureDisposed(scope.String())
	if err == nil {
		m.log.V(1).Info("fixture disposed", "key", key)
		return
	}

	metrics.RecordFixtureError("dispose")
	m.log.Error(err, "fixture disposal failed", "key", key)
	d := instance.NewDiagnostic(failure.New(failure.KindDisposal, key, err), m.now())
	m.mu.Lock()
	m.diags = append(m.diags, d)
	m.mu.Unlock()
	if m.onDiag != nil {
		m.onDiag(d)
	}
}

// Diagnostics returns every disposal failure recorded so far.
func (m *Manager) Diagnostics() []instance.Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]instance.Diagnostic, len(m.diags))
	copy(out, m.diags)
	return out
}

// Live returns the number of created fixtures not yet disposed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.created && !e.disposed {
			n++
		}
	}
	return n
}

// Close disposes every fixture still alive, including global ones, and
// returns the joined disposal errors. Outstanding handles are abandoned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	var victims []*entry
	for _, e := range m.entries {
		if e.created && !e.disposed {
			e.disposed = true
			victims = append(victims, e)
		}
	}
	before := len(m.diags)
	m.mu.Unlock()
	slices.SortFunc(victims, func(a, b *entry) int { return strings.Compare(a.key, b.key) })

	for _, e := range victims {
		m.disposeEntry(ctx, e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, d := range m.diags[before:] {
		errs = append(errs, d.Err)
	}
	return errors.Join(errs...)
}
