/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package events provides a pub/sub bus for run events.
// The HTTP server streams it to websocket clients; the bus itself is a
// result reporter, so the scheduler feeds it directly.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marcus-qen/tandem/internal/instance"
)

// EventType classifies run events.
type EventType string

const (
	RunStarted   EventType = "run.started"
	RunFinished  EventType = "run.finished"
	TestFinished EventType = "test.finished"
	Diagnostic   EventType = "diagnostic"
)

// Event represents a run event.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
	runID       string
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// SetRun tags subsequent events with runID.
func (b *Bus) SetRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runID = runID
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if evt.RunID == "" {
		evt.RunID = b.runID
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// slow subscriber
		}
	}
}

// Report publishes a finished test.
func (b *Bus) Report(_ context.Context, r instance.Result) error {
	b.Publish(Event{
		Type:      TestFinished,
		Summary:   r.DisplayName + " " + string(r.State),
		Detail:    r,
		Timestamp: r.EndTime,
	})
	return nil
}

// Diagnostic publishes a run diagnostic.
func (b *Bus) Diagnostic(_ context.Context, d instance.Diagnostic) error {
	b.Publish(Event{
		Type:      Diagnostic,
		Summary:   d.Message,
		Detail:    d,
		Timestamp: d.Time,
	})
	return nil
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
