package instance

import (
	"encoding/json"
	"time"

	"github.com/marcus-qen/tandem/internal/failure"
)

// Result is the terminal record handed to reporters, exactly once per instance.
type Result struct {
	UniqueID    string
	DisplayName string
	TestName    string
	Class       string
	State       State
	StartTime   time.Time
	EndTime     time.Time
	// Attempt is the attempt that produced this result; 0 when the instance
	// never ran.
	Attempt    int
	Cause      error
	Categories []string
	Properties map[string]string
}

// Duration is the wall time between the first attempt and finalization.
func (r Result) Duration() time.Duration {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// CauseKind returns the failure kind of the cause, if classified.
func (r Result) CauseKind() failure.Kind {
	return failure.KindOf(r.Cause)
}

// CauseMessage returns the cause text or "".
func (r Result) CauseMessage() string {
	if r.Cause == nil {
		return ""
	}
	return r.Cause.Error()
}

type resultJSON struct {
	UniqueID    string            `json:"unique_id"`
	DisplayName string            `json:"display_name"`
	TestName    string            `json:"test_name"`
	Class       string            `json:"class,omitempty"`
	State       State             `json:"state"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	DurationMS  int64             `json:"duration_ms"`
	Attempt     int               `json:"attempt"`
	CauseKind   failure.Kind      `json:"cause_kind,omitempty"`
	Cause       string            `json:"cause,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// MarshalJSON renders the cause as text so results can cross process
// boundaries.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		UniqueID:    r.UniqueID,
		DisplayName: r.DisplayName,
		TestName:    r.TestName,
		Class:       r.Class,
		State:       r.State,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		DurationMS:  r.Duration().Milliseconds(),
		Attempt:     r.Attempt,
		CauseKind:   r.CauseKind(),
		Cause:       r.CauseMessage(),
		Categories:  r.Categories,
		Properties:  r.Properties,
	})
}

// Diagnostic is a synthetic record for problems that belong to no single
// instance: ordering cycles, fixture disposal errors, scheduler stalls.
type Diagnostic struct {
	Kind    failure.Kind `json:"kind"`
	Subject string       `json:"subject"`
	Message string       `json:"message"`
	Time    time.Time    `json:"time"`
	Err     error        `json:"-"`
}

// NewDiagnostic builds a diagnostic from a classified error.
func NewDiagnostic(err *failure.Error, now time.Time) Diagnostic {
	return Diagnostic{
		Kind:    err.Kind,
		Subject: err.Subject,
		Message: err.Err.Error(),
		Time:    now,
		Err:     err,
	}
}
