package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aaronwang/live-auction/api-gateway/internal/events"
	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/logging"
	"github.com/aaronwang/live-auction/shared/models"
)

const publishTimeout = 5 * time.Second

// Option configures the services in this package
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNow replaces the wall clock
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(component string, opts []Option) options {
	o := options{
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", component)
	return o
}

// BiddingService runs the bid acceptance protocol. It holds no per-auction
// state: every decision is made by the store's conditional update, so any
// number of PlaceBid calls may run in parallel across processes.
type BiddingService struct {
	store  store.Store
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewBiddingService creates a new bidding service
func NewBiddingService(st store.Store, sink events.Sink, opts ...Option) *BiddingService {
	o := applyOptions("bidding", opts)
	return &BiddingService{
		store:  st,
		sink:   sink,
		logger: o.logger,
		now:    o.now,
	}
}

// PlaceBid handles the complete bid placement workflow:
// 1. Validate the request
// 2. Ask the store to apply the bid if the auction is live, unexpired and
//    the amount beats the current price
// 3. On commit, publish BidAccepted for broadcast and archival
//
// A rejected bid is a normal outcome, not an error. Errors are reserved for
// validation failures, unknown auctions and infrastructure problems.
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID string, bidder models.Bidder, amount int64) (*models.BidOutcome, error) {
	if auctionID == "" {
		return nil, &models.ValidationError{Field: "auction_id", Message: "is required"}
	}
	if bidder.ID == "" {
		return nil, &models.ValidationError{Field: "bidder_id", Message: "is required"}
	}
	if amount <= 0 {
		return &models.BidOutcome{Reason: models.RejectInvalidAmount}, nil
	}

	update := store.BidUpdate{
		AuctionID: auctionID,
		BidID:     uuid.New().String(),
		Bidder:    bidder,
		Amount:    amount,
		At:        s.now().UTC(),
	}

	res, err := s.store.ConditionalBidUpdate(ctx, update)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("auction %s: %w", auctionID, err)
		}
		return nil, fmt.Errorf("failed to place bid: %w", err)
	}

	log := s.logger.With("auction_id", auctionID, "bidder_id", bidder.ID, "amount", amount)

	if !res.Committed {
		log.Debug("Bid rejected", "reason", res.Reason, "current_price", res.CurrentPrice)
		outcome := &models.BidOutcome{
			Reason:       res.Reason,
			CurrentPrice: res.CurrentPrice,
			Auction:      res.Auction,
		}
		if res.Auction != nil && res.Auction.HighestBidder != nil {
			leader := *res.Auction.HighestBidder
			outcome.HighestBidder = &leader
		}
		return outcome, nil
	}

	bid := models.Bid{
		ID:        update.BidID,
		Bidder:    bidder,
		Amount:    amount,
		Timestamp: update.At,
	}
	leader := bidder
	log.Info("Bid accepted", "bid_id", bid.ID, "previous_price", res.PreviousPrice)

	publishEvent(ctx, s.sink, log, models.NewEvent(auctionID, models.BidAccepted{
		Auction:       res.Auction,
		Bid:           bid,
		PreviousPrice: res.PreviousPrice,
	}, update.At))

	return &models.BidOutcome{
		Accepted:      true,
		CurrentPrice:  res.CurrentPrice,
		HighestBidder: &leader,
		Bid:           &bid,
		Auction:       res.Auction,
	}, nil
}

// publishEvent logs and swallows sink failures. Delivery gets its own
// deadline detached from the request, which may end when the client goes away.
func publishEvent(ctx context.Context, sink events.Sink, log *slog.Logger, event models.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := sink.Publish(ctx, event); err != nil {
		log.Warn("Failed to publish event", "event", event.Kind(), "event_id", event.ID, "error", err)
	}
}
