package instance

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
)

func testDescriptor() *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Class:      "Calc",
		Method:     "Adds",
		Categories: []string{"math"},
		Properties: map[string]string{"owner": "core"},
	}
}

func TestLifecycleWithRetry(t *testing.T) {
	in := New(testDescriptor(), "id-1", 0, 0, nil, []any{1, 2})
	now := time.Unix(100, 0)

	if err := in.Transition(StateReady); err != nil {
		t.Fatal(err)
	}
	if n, err := in.BeginAttempt(now); err != nil || n != 1 {
		t.Fatalf("BeginAttempt = %d, %v", n, err)
	}
	// retry self-loop
	if err := in.Transition(StateReady); err != nil {
		t.Fatal(err)
	}
	if n, err := in.BeginAttempt(now.Add(time.Second)); err != nil || n != 2 {
		t.Fatalf("second BeginAttempt = %d, %v", n, err)
	}
	r, err := in.Finish(StatePassed, nil, now.Add(3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if r.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", r.Attempt)
	}
	if !r.StartTime.Equal(now) {
		t.Errorf("start time = %v, want first attempt start", r.StartTime)
	}
	if r.Duration() != 3*time.Second {
		t.Errorf("duration = %v", r.Duration())
	}
	if r.DisplayName != "Adds(1, 2)" {
		t.Errorf("display name = %q", r.DisplayName)
	}
	if _, err := in.Finish(StateFailed, nil, now); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("second Finish error = %v, want ErrIllegalTransition", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateReady, true},
		{StatePending, StateSkipped, true},
		{StatePending, StateNotRun, true},
		{StatePending, StateRunning, false},
		{StateReady, StatePassed, false},
		{StateReady, StateNotRun, true},
		{StateRunning, StateReady, true},
		{StateRunning, StateSkipped, false},
		{StatePassed, StateReady, false},
		{StateNotRun, StateRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestSkippedNeverRuns(t *testing.T) {
	in := New(testDescriptor(), "id-2", 0, 0, nil, nil)
	r, err := in.Finish(StateSkipped, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if r.Attempt != 0 {
		t.Errorf("skipped attempt = %d, want 0", r.Attempt)
	}
}

func TestDisplayNameWithClassArgs(t *testing.T) {
	got := DisplayName(testDescriptor(), []any{"db"}, []any{3})
	if got != `Calc("db").Adds(3)` {
		t.Fatalf("got %q", got)
	}
}

func TestResultJSONCarriesCause(t *testing.T) {
	r := Result{
		UniqueID: "u",
		State:    StateTimeout,
		Cause:    failure.Timeout("u", nil),
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"cause_kind":"timeout"`) || !strings.Contains(s, `"state":"timeout"`) {
		t.Fatalf("unexpected JSON: %s", s)
	}
}
