// Package descriptor holds the static description of a declared test.
//
// A Descriptor is produced once by discovery (a Builder or a struct literal)
// and never mutated afterwards. Everything downstream of discovery, from
// expansion to scheduling, reads it and copies what it needs.
package descriptor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// AllTestsKey is the constraint key that serialises a test against every
// other test holding any constraint key.
const AllTestsKey = "*"

// Call carries the per-attempt arguments handed to a test body.
type Call struct {
	InstanceID  string
	DisplayName string
	ClassArgs   []any
	MethodArgs  []any
	Repeat      int
	// Attempt is 1 for the first try and increments on every retry.
	Attempt  int
	Fixtures map[string]any
}

// Fixture returns the shared value registered under name.
func (c Call) Fixture(name string) (any, bool) {
	v, ok := c.Fixtures[name]
	return v, ok
}

// Body is the invocable test. It must honour ctx cancellation.
type Body func(ctx context.Context, call Call) error

// DataSource is a named, finite, ordered sequence of argument tuples.
type DataSource struct {
	Name string
	Rows iter.Seq2[[]any, error]
}

// Values returns a data source over fixed rows.
func Values(name string, rows ...[]any) DataSource {
	return DataSource{
		Name: name,
		Rows: func(yield func([]any, error) bool) {
			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
			}
		},
	}
}

// Args returns a data source yielding one single-value tuple per value.
func Args(name string, values ...any) DataSource {
	rows := make([][]any, 0, len(values))
	for _, v := range values {
		rows = append(rows, []any{v})
	}
	return Values(name, rows...)
}

// Func returns a data source backed by a loader that materialises its rows.
func Func(name string, load func() ([][]any, error)) DataSource {
	return DataSource{
		Name: name,
		Rows: func(yield func([]any, error) bool) {
			rows, err := load()
			if err != nil {
				yield(nil, err)
				return
			}
			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
			}
		},
	}
}

// FixtureSpec declares a shared object a test borrows while it runs.
type FixtureSpec struct {
	Name  string
	Scope SharingScope
	// Key optionally narrows the sharing key inside the scope, so two
	// fixtures of the same name can coexist in one class.
	Key     string
	New     func(ctx context.Context) (any, error)
	Dispose func(ctx context.Context, value any) error
}

// Descriptor is one declared test before data-source expansion.
type Descriptor struct {
	Assembly string
	Class    string
	Method   string
	// DisplayName overrides the method name in reports.
	DisplayName string

	ClassParameterTypes  []string
	MethodParameterTypes []string

	Order               *int
	NotInParallel       []string
	ClassConstraintKeys []string
	Timeout             *time.Duration
	RepeatCount         int
	RetryCount          int
	Skipped             bool
	SkipReason          string
	ExplicitFor         string

	ClassData  []DataSource
	MethodData []DataSource

	Categories []string
	Properties map[string]string
	Fixtures   []FixtureSpec

	Body Body
}

// FullName is the qualified identity of the test: Class.Method.
func (d *Descriptor) FullName() string {
	if d.Class == "" {
		return d.Method
	}
	return d.Class + "." + d.Method
}

// Name is the display name without arguments.
func (d *Descriptor) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Method
}

// Signature renders the method identity with parameter types.
func (d *Descriptor) Signature() string {
	return fmt.Sprintf("%s(%s)", d.Method, strings.Join(d.MethodParameterTypes, ","))
}

// HasOrder reports whether an explicit Order was declared.
func (d *Descriptor) HasOrder() bool { return d.Order != nil }

// Validate checks the invariants discovery is expected to uphold.
func (d *Descriptor) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Method) == "" {
		errs = append(errs, errors.New("method name is required"))
	}
	if d.RepeatCount < 0 {
		errs = append(errs, fmt.Errorf("repeat count must be >= 0, got %d", d.RepeatCount))
	}
	if d.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("retry count must be >= 0, got %d", d.RetryCount))
	}
	if d.Timeout != nil && *d.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", *d.Timeout))
	}
	if !d.Skipped && d.Body == nil {
		errs = append(errs, errors.New("body is required for tests that are not skipped"))
	}
	seen := make(map[string]struct{}, len(d.Fixtures))
	for _, f := range d.Fixtures {
		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, errors.New("fixture name is required"))
			continue
		}
		if _, dup := seen[f.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate fixture %q", f.Name))
		}
		seen[f.Name] = struct{}{}
		if f.New == nil {
			errs = append(errs, fmt.Errorf("fixture %q has no factory", f.Name))
		}
	}
	for _, k := range d.NotInParallel {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, errors.New("constraint keys must not be blank"))
			break
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("descriptor %s: %w", d.FullName(), err)
	}
	return nil
}
