package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/live-auction/shared/models"
	"github.com/aaronwang/live-auction/shared/stream"
)

// corePublisher is the subset of *nats.Conn used for live fan-out
type corePublisher interface {
	Publish(subject string, data []byte) error
}

// streamPublisher is the subset of jetstream.JetStream used for archival
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events on core NATS for real-time listeners and on
// JetStream for the archival worker.
type NATSPublisher struct {
	conn corePublisher
	js   streamPublisher
}

// NewNATSPublisher creates the JetStream context and makes sure the archive
// stream exists
func NewNATSPublisher(ctx context.Context, conn *nats.Conn) (*NATSPublisher, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := stream.EnsureArchive(ctx, js); err != nil {
		return nil, err
	}

	return &NATSPublisher{conn: conn, js: js}, nil
}

// Publish sends the event to both subjects. The event ID is used as the
// JetStream message ID so retried publishes are deduplicated.
func (p *NATSPublisher) Publish(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var errs []error
	if err := p.conn.Publish(models.LiveSubject(event.AuctionID), data); err != nil {
		errs = append(errs, fmt.Errorf("failed to publish to NATS: %w", err))
	}

	// JetStream Publish waits for acknowledgment from server
	if _, err := p.js.Publish(ctx, models.ArchiveSubject(event.AuctionID), data, jetstream.WithMsgID(event.ID)); err != nil {
		errs = append(errs, fmt.Errorf("failed to publish to JetStream: %w", err))
	}

	return errors.Join(errs...)
}
