// Package events delivers auction state changes to listeners. Publishing is
// fire-and-forget from the caller's point of view: a failed publish never
// undoes a committed state change.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/aaronwang/live-auction/shared/models"
)

// Sink receives auction events
type Sink interface {
	Publish(ctx context.Context, event models.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event models.Event) error

// Publish calls f
func (f SinkFunc) Publish(ctx context.Context, event models.Event) error {
	return f(ctx, event)
}

// Multi publishes every event to each sink in order. One failing sink does
// not stop delivery to the others.
type Multi []Sink

// Publish fans out to all sinks and joins their errors
func (m Multi) Publish(ctx context.Context, event models.Event) error {
	var errs []error
	for i, s := range m {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event
type Discard struct{}

// Publish does nothing
func (Discard) Publish(context.Context, models.Event) error { return nil }
