// Package store defines the durable auction store used by the bid protocol
// and the scheduler. The store is the single point where concurrent writers
// to one auction are serialized.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/live-auction/shared/models"
)

var (
	// ErrNotFound is returned when no auction exists for an ID
	ErrNotFound = errors.New("auction not found")
	// ErrConflict is returned when a save races with another writer
	ErrConflict = errors.New("auction modified concurrently")
)

// MaxUpdateAttempts bounds the reload-and-reapply loop in Update
const MaxUpdateAttempts = 3

// BidUpdate is a conditional write request: apply the bid only if the stored
// auction is live, At is before its end time and Amount exceeds its current price.
type BidUpdate struct {
	AuctionID string
	BidID     string
	Bidder    models.Bidder
	Amount    int64
	At        time.Time
}

// BidResult is the store's verdict on a BidUpdate
type BidResult struct {
	Committed     bool
	Reason        models.RejectReason
	PreviousPrice int64
	CurrentPrice  int64
	// Auction is the state produced by this commit, read in the same atomic
	// step. Its price and leader are the bid's own even if later bids have
	// landed since. Stores may leave it nil on rejection.
	Auction *models.Auction
}

// Store persists auctions
type Store interface {
	// Load returns the auction or ErrNotFound
	Load(ctx context.Context, id string) (*models.Auction, error)
	// LoadAllByStatus returns every auction in status. Auctions that fail to
	// load are skipped and reported through the joined error.
	LoadAllByStatus(ctx context.Context, status models.AuctionStatus) ([]*models.Auction, error)
	// Create inserts a new auction, ErrConflict if the ID is taken
	Create(ctx context.Context, a *models.Auction) error
	// Save persists the full auction state when the stored version matches
	// a.Version, then increments a.Version. Bid history and participants are
	// not written by Save.
	Save(ctx context.Context, a *models.Auction) error
	// ConditionalBidUpdate evaluates and applies a bid atomically
	ConditionalBidUpdate(ctx context.Context, u BidUpdate) (*BidResult, error)
	// AddParticipant records a session in the auction's presence set
	AddParticipant(ctx context.Context, auctionID, session string, bidder models.Bidder) error
	// RemoveParticipant drops a session from the presence set
	RemoveParticipant(ctx context.Context, auctionID, session string) error
}

// Mutation applies a lifecycle method to a freshly loaded auction
type Mutation func(a *models.Auction) (models.Transition, error)

// Update loads the auction, applies fn and saves the result. A save conflict
// means another writer got there first, so the auction is reloaded and fn is
// applied again against the new state, up to MaxUpdateAttempts times. When fn
// reports no change nothing is written.
func Update(ctx context.Context, s Store, id string, fn Mutation) (*models.Auction, models.Transition, error) {
	var lastErr error
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		a, err := s.Load(ctx, id)
		if err != nil {
			return nil, models.Transition{}, err
		}

		tr, err := fn(a)
		if err != nil {
			return a, tr, err
		}
		if !tr.Changed() {
			return a, tr, nil
		}

		err = s.Save(ctx, a)
		if err == nil {
			return a, tr, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, models.Transition{}, err
		}
		lastErr = err
	}

	return nil, models.Transition{}, fmt.Errorf("update auction %s after %d attempts: %w", id, MaxUpdateAttempts, lastErr)
}
