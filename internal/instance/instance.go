// Package instance models one concrete, runnable expansion of a descriptor
// and the result record it produces.
//
// Instances are created by the expander and mutated only by the scheduler,
// through Transition, BeginAttempt and Finish. Every method is safe for
// concurrent use so reporters and the HTTP surface can read live state.
package instance

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/tandem/internal/descriptor"
)

// Instance is one runnable test: fixed arguments plus a repeat index.
type Instance struct {
	Descriptor  *descriptor.Descriptor
	ID          string
	DisplayName string
	ClassArgs   []any
	MethodArgs  []any
	Repeat      int
	// Seq is the position in expansion order; it breaks scheduling ties.
	Seq int
	// DiscoveryErr is set when the instance stands in for a descriptor whose
	// expansion failed. The scheduler finalizes such instances as NotRun.
	DiscoveryErr error

	mu        sync.Mutex
	state     State
	attempt   int
	startedAt time.Time
	result    *Result
}

// New builds a pending instance.
func New(d *descriptor.Descriptor, id string, seq, repeat int, classArgs, methodArgs []any) *Instance {
	return &Instance{
		Descriptor:  d,
		ID:          id,
		DisplayName: DisplayName(d, classArgs, methodArgs),
		ClassArgs:   classArgs,
		MethodArgs:  methodArgs,
		Repeat:      repeat,
		Seq:         seq,
		state:       StatePending,
	}
}

// DisplayName renders Name(arg, ...) the way reports show a test case.
func DisplayName(d *descriptor.Descriptor, classArgs, methodArgs []any) string {
	var b strings.Builder
	if len(classArgs) > 0 {
		b.WriteString(d.Class)
		b.WriteString("(")
		b.WriteString(joinArgs(classArgs))
		b.WriteString(").")
	}
	b.WriteString(d.Name())
	if len(methodArgs) > 0 {
		b.WriteString("(")
		b.WriteString(joinArgs(methodArgs))
		b.WriteString(")")
	}
	return b.String()
}

func joinArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			parts[i] = fmt.Sprintf("%q", s)
			continue
		}
		parts[i] = fmt.Sprintf("%v", a)
	}
	return strings.Join(parts, ", ")
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Attempt returns the number of attempts started so far.
func (in *Instance) Attempt() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.attempt
}

// Result returns the terminal result, or nil while the instance is live.
func (in *Instance) Result() *Result {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.result
}

// Transition moves the instance between non-terminal states.
func (in *Instance) Transition(to State) error {
	if to.Terminal() {
		return fmt.Errorf("%w: use Finish to reach %s", ErrIllegalTransition, to)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := checkTransition(in.state, to); err != nil {
		return fmt.Errorf("instance %s: %w", in.ID, err)
	}
	in.state = to
	return nil
}

// BeginAttempt moves Ready → Running and returns the new attempt number.
// The first attempt's start time becomes the result's start time.
func (in *Instance) BeginAttempt(now time.Time) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := checkTransition(in.state, StateRunning); err != nil {
		return 0, fmt.Errorf("instance %s: %w", in.ID, err)
	}
	in.state = StateRunning
	in.attempt++
	if in.startedAt.IsZero() {
		in.startedAt = now
	}
	return in.attempt, nil
}

// Finish records the terminal state and builds the result record. Finishing
// twice is an error, which keeps results exactly-once.
func (in *Instance) Finish(to State, cause error, now time.Time) (Result, error) {
	if !to.Terminal() {
		return Result{}, fmt.Errorf("%w: %s is not terminal", ErrIllegalTransition, to)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := checkTransition(in.state, to); err != nil {
		return Result{}, fmt.Errorf("instance %s: %w", in.ID, err)
	}
	in.state = to
	start := in.startedAt
	if start.IsZero() {
		start = now
	}
	d := in.Descriptor
	r := Result{
		UniqueID:    in.ID,
		DisplayName: in.DisplayName,
		TestName:    d.FullName(),
		Class:       d.Class,
		State:       to,
		StartTime:   start,
		EndTime:     now,
		Attempt:     in.attempt,
		Cause:       cause,
		Categories:  slices.Clone(d.Categories),
		Properties:  maps.Clone(d.Properties),
	}
	in.result = &r
	return r, nil
}

// Discard drops argument values once the result has been acknowledged.
func (in *Instance) Discard() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ClassArgs = nil
	in.MethodArgs = nil
}

func (in *Instance) String() string {
	return fmt.Sprintf("%s[%s#%d]", in.DisplayName, in.ID, in.Repeat)
}
