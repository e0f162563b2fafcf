// Package eventstest records published events for assertions.
package eventstest

import (
	"context"
	"sync"

	"github.com/aaronwang/live-auction/shared/models"
)

// Recorder is an events.Sink that keeps every event it receives.
// Set Err to make Publish fail after recording.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
	Err    error
}

// Publish records event
func (r *Recorder) Publish(_ context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order
func (r *Recorder) Kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind())
	}
	return out
}

// Reset forgets recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
