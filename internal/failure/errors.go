// Package failure defines the error taxonomy used across a test run.
//
// Every non-passing result carries a *Error whose Kind says how the scheduler
// treats it: Invocation and Timeout failures are retryable, everything else
// is final for the instance. Discovery and FixtureCreation errors fan out to
// every dependent or consumer; the rest stay local to one instance.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindDiscovery       Kind = "discovery"
	KindInvocation      Kind = "invocation"
	KindTimeout         Kind = "timeout"
	KindFixtureCreation Kind = "fixture_creation"
	KindCancellation    Kind = "cancellation"
	KindScheduling      Kind = "scheduling"
	KindDisposal        Kind = "disposal"
)

var (
	// ErrOrderingCycle marks instances on or downstream of an ordering cycle.
	ErrOrderingCycle = errors.New("ordering graph contains a cycle")
	// ErrUnboundedDataSource is returned when a data source exceeds the row limit.
	ErrUnboundedDataSource = errors.New("data source exceeded the row limit")
	// ErrAncestorFailed is the NotRun cause when failure cascading is enabled.
	ErrAncestorFailed = errors.New("ordering predecessor did not pass")
	// ErrSchedulerStalled means no instance could make progress. It is a
	// scheduler bug, never a test failure.
	ErrSchedulerStalled = errors.New("scheduler stalled with pending instances")
	// ErrCancelled is the cause for instances aborted by run cancellation.
	ErrCancelled = errors.New("run cancelled")
	// ErrTimeout is the cause for attempts that exceeded their timeout.
	ErrTimeout = errors.New("test timed out")
	// ErrBodyAbandoned means a test body outlived its attempt by more than
	// the abandon grace. Its constraint keys are no longer held.
	ErrBodyAbandoned = errors.New("test body ignored cancellation and is still running")
)

// Error is a classified failure attached to a test result.
type Error struct {
	Kind Kind
	// Subject is the instance ID or fixture key the failure belongs to.
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may follow this failure.
func (e *Error) Retryable() bool {
	return e.Kind == KindInvocation || e.Kind == KindTimeout
}

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, subject string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Discovery wraps a graph- or data-source-level error.
func Discovery(subject string, err error) *Error {
	return New(KindDiscovery, subject, err)
}

// Invocation wraps an error returned (or panicked) by a test body.
func Invocation(subject string, err error) *Error {
	return New(KindInvocation, subject, err)
}

// Timeout builds a timeout failure for an attempt.
func Timeout(subject string, err error) *Error {
	if err == nil {
		err = ErrTimeout
	}
	return New(KindTimeout, subject, err)
}

// Cancellation builds a cancellation failure.
func Cancellation(subject string) *Error {
	return New(KindCancellation, subject, ErrCancelled)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retry-eligible failure.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// Panic converts a recovered panic value into an error.
func Panic(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("test panicked: %w", err)
	}
	return fmt.Errorf("test panicked: %v", v)
}
