package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/live-auction/shared/logging"
	"github.com/aaronwang/live-auction/shared/models"
	"github.com/aaronwang/live-auction/shared/stream"
)

const archiveTimeout = 10 * time.Second

// Archive is the durable sink for auction events
type Archive interface {
	InsertBid(ctx context.Context, auctionID string, bid models.Bid) error
	UpdateCurrentPrice(ctx context.Context, auctionID string, price int64, leader models.Bidder) error
	UpsertAuction(ctx context.Context, a *models.Auction) error
}

// message is the subset of jetstream.Msg the handler needs
type message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
}

// NATSConsumer consumes auction events from JetStream and archives them
type NATSConsumer struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	archive Archive
	logger  *slog.Logger
}

// NewNATSConsumer creates a new NATS consumer
func NewNATSConsumer(natsURL string, archive Archive, logger *slog.Logger) (*NATSConsumer, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return newConsumer(conn, js, archive, logger), nil
}

func newConsumer(conn *nats.Conn, js jetstream.JetStream, archive Archive, logger *slog.Logger) *NATSConsumer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &NATSConsumer{
		conn:    conn,
		js:      js,
		archive: archive,
		logger:  logger.With("component", "archiver"),
	}
}

// Start binds the durable consumer and archives messages until ctx is done
func (c *NATSConsumer) Start(ctx context.Context) error {
	s, err := stream.EnsureArchive(ctx, c.js)
	if err != nil {
		return err
	}

	cons, err := s.CreateOrUpdateConsumer(ctx, stream.ArchiveConsumerConfig())
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	c.logger.Info("Consuming auction events",
		"stream", models.ArchiveStream,
		"consumer", stream.ArchiveConsumer)

	// Keep consumer running until context is cancelled
	<-ctx.Done()
	return nil
}

// handleMessage archives one event. Undecodable messages are acked and
// dropped since redelivery cannot fix them; archive failures are nak'ed.
func (c *NATSConsumer) handleMessage(ctx context.Context, msg message) {
	event, err := models.DecodeEvent(msg.Data())
	if err != nil {
		c.logger.Error("Dropping undecodable event", "subject", msg.Subject(), "error", err)
		c.ack(msg)
		return
	}

	log := c.logger.With("event_id", event.ID, "event", event.Kind(), "auction_id", event.AuctionID)

	// Create a timeout context for database operations
	dbCtx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	if err := c.archiveEvent(dbCtx, event); err != nil {
		log.Error("Failed to archive event, requesting redelivery", "error", err)
		if err := msg.Nak(); err != nil {
			log.Warn("Failed to nak message", "error", err)
		}
		return
	}

	log.Debug("Archived event")
	c.ack(msg)
}

func (c *NATSConsumer) ack(msg message) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

// archiveEvent writes the event to PostgreSQL
func (c *NATSConsumer) archiveEvent(ctx context.Context, event models.Event) error {
	switch p := event.Payload.(type) {
	case models.BidAccepted:
		if err := c.archive.InsertBid(ctx, event.AuctionID, p.Bid); err != nil {
			return err
		}
		return c.archive.UpdateCurrentPrice(ctx, event.AuctionID, p.Bid.Amount, p.Bid.Bidder)

	case models.AuctionStarted:
		return c.upsertSnapshot(ctx, event, p.Auction)
	case models.AuctionEnded:
		return c.upsertSnapshot(ctx, event, p.Auction)
	case models.AuctionCancelled:
		return c.upsertSnapshot(ctx, event, p.Auction)

	case models.ParticipantJoined, models.ParticipantLeft:
		// presence is not archived
		return nil
	}

	return fmt.Errorf("unhandled event type %s", event.Kind())
}

func (c *NATSConsumer) upsertSnapshot(ctx context.Context, event models.Event, a *models.Auction) error {
	if a == nil {
		c.logger.Warn("Lifecycle event has no auction snapshot, skipping", "event_id", event.ID)
		return nil
	}
	return c.archive.UpsertAuction(ctx, a)
}

// Close closes the NATS connection
func (c *NATSConsumer) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
