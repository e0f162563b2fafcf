package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/live-auction/shared/logging"
	"github.com/aaronwang/live-auction/shared/models"
)

// Subscriber wraps Redis Pub/Sub functionality
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger
}

// Message is one auction event received from Pub/Sub
type Message struct {
	AuctionID string
	Payload   string // Raw JSON envelope, forwarded to clients unchanged
	Event     models.Event
}

// NewSubscriber creates a new Redis Pub/Sub subscriber
func NewSubscriber(addr, password string, db int, logger *slog.Logger) (*Subscriber, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewSubscriberFromRedis(rdb, logger), nil
}

// NewSubscriberFromRedis wraps an existing connection
func NewSubscriberFromRedis(rdb *redis.Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Subscriber{
		client: rdb,
		logger: logger.With("component", "subscriber"),
	}
}

// SubscribeToPattern subscribes to every channel matching pattern, for
// example models.RedisChannelPattern for all auctions. It returns once Redis
// has confirmed the subscription.
func (s *Subscriber) SubscribeToPattern(ctx context.Context, pattern string) error {
	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	s.pubsub = pubsub
	return nil
}

// Listen decodes incoming events and sends them to out until ctx is done or
// the subscription is closed. Malformed messages are logged and skipped.
// This is a blocking operation - run in a goroutine
func (s *Subscriber) Listen(ctx context.Context, out chan<- *Message) error {
	if s.pubsub == nil {
		return errors.New("not subscribed to any channel")
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			m, err := parseMessage(msg.Channel, msg.Payload)
			if err != nil {
				s.logger.Warn("Dropping malformed message", "channel", msg.Channel, "error", err)
				continue
			}

			select {
			case out <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func parseMessage(channel, payload string) (*Message, error) {
	auctionID := models.AuctionIDFromChannel(channel)
	if auctionID == "" {
		return nil, fmt.Errorf("channel %q is not an auction channel", channel)
	}

	event, err := models.DecodeEvent([]byte(payload))
	if err != nil {
		return nil, err
	}
	if event.AuctionID != auctionID {
		return nil, fmt.Errorf("event for auction %s published on %s", event.AuctionID, channel)
	}

	return &Message{
		AuctionID: auctionID,
		Payload:   payload,
		Event:     event,
	}, nil
}

// Close closes the subscriber
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.client.Close()
}
