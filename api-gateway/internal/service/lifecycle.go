package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aaronwang/live-auction/api-gateway/internal/events"
	"github.com/aaronwang/live-auction/api-gateway/internal/scheduler"
	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/models"
)

// Timers is the part of the scheduler the lifecycle service drives
type Timers interface {
	Schedule(a *models.Auction)
	ScheduleEnd(auctionID string, endTime time.Time)
	CancelTimer(auctionID string, phase scheduler.Phase)
}

var _ Timers = (*scheduler.Scheduler)(nil)

// CreateAuctionRequest is the body of POST /auctions. ID is generated when empty.
type CreateAuctionRequest struct {
	ID                 string    `json:"id,omitempty"`
	Title              string    `json:"title"`
	StartingPrice      int64     `json:"starting_price"`
	ScheduledStartTime time.Time `json:"scheduled_start_time"`
	DurationMinutes    int       `json:"duration_minutes"`
}

// AuctionService handles creation, manual transitions and presence
type AuctionService struct {
	store  store.Store
	sink   events.Sink
	timers Timers
	logger *slog.Logger
	now    func() time.Time
}

// NewAuctionService creates a new lifecycle service
func NewAuctionService(st store.Store, sink events.Sink, timers Timers, opts ...Option) *AuctionService {
	o := applyOptions("lifecycle", opts)
	return &AuctionService{
		store:  st,
		sink:   sink,
		timers: timers,
		logger: o.logger,
		now:    o.now,
	}
}

// CreateAuction validates and stores a new upcoming auction and arms its
// start timer
func (s *AuctionService) CreateAuction(ctx context.Context, req CreateAuctionRequest) (*models.Auction, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := s.now().UTC()
	a, err := models.NewAuction(id, req.Title, req.StartingPrice, req.ScheduledStartTime.UTC(), req.DurationMinutes, now)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAuction, id)
		}
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}

	s.timers.Schedule(a)
	s.logger.Info("Auction created",
		"auction_id", a.ID,
		"scheduled_start", a.ScheduledStartTime,
		"duration_minutes", a.DurationMinutes)

	return a, nil
}

// GetAuction returns the stored auction
func (s *AuctionService) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	a, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load auction %s: %w", id, err)
	}
	return a, nil
}

// StartAuction starts an upcoming auction ahead of its schedule
func (s *AuctionService) StartAuction(ctx context.Context, id, adminID string) (*models.Auction, error) {
	a, tr, err := store.Update(ctx, s.store, id, func(a *models.Auction) (models.Transition, error) {
		return a.Start(s.now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start auction %s: %w", id, err)
	}

	s.timers.CancelTimer(id, scheduler.PhaseStart)
	s.timers.ScheduleEnd(id, *a.EndTime)

	log := s.logger.With("auction_id", id, "admin_id", adminID)
	log.Info("Auction started manually", "end_time", *a.EndTime)
	publishEvent(ctx, s.sink, log, models.NewEvent(id, models.AuctionStarted{
		Auction:   a,
		StartedAt: tr.At,
		EndTime:   *a.EndTime,
		Manual:    true,
		StartedBy: adminID,
	}, tr.At))

	return a, nil
}

// EndAuction closes a live auction before its deadline. The returned
// snapshot is the state that was persisted.
func (s *AuctionService) EndAuction(ctx context.Context, id, adminID string) (*models.Auction, error) {
	a, tr, err := store.Update(ctx, s.store, id, func(a *models.Auction) (models.Transition, error) {
		return a.End(adminID, true, s.now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to end auction %s: %w", id, err)
	}

	s.timers.CancelTimer(id, scheduler.PhaseEnd)

	log := s.logger.With("auction_id", id, "admin_id", adminID)
	log.Info("Auction ended manually", "final_price", a.FinalPrice)
	publishEvent(ctx, s.sink, log, models.NewEvent(id, models.AuctionEnded{
		Auction:    a,
		Manual:     true,
		EndedBy:    adminID,
		Winner:     a.Winner,
		FinalPrice: a.FinalPrice,
	}, tr.At))

	return a, nil
}

// CancelAuction withdraws an upcoming or live auction. Cancelling an already
// cancelled auction returns it unchanged and publishes nothing.
func (s *AuctionService) CancelAuction(ctx context.Context, id, adminID string) (*models.Auction, error) {
	a, tr, err := store.Update(ctx, s.store, id, func(a *models.Auction) (models.Transition, error) {
		return a.Cancel(adminID, s.now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel auction %s: %w", id, err)
	}

	s.timers.CancelTimer(id, scheduler.PhaseStart)
	s.timers.CancelTimer(id, scheduler.PhaseEnd)

	if !tr.Changed() {
		return a, nil
	}

	log := s.logger.With("auction_id", id, "admin_id", adminID)
	log.Info("Auction cancelled", "from", tr.From)
	publishEvent(ctx, s.sink, log, models.NewEvent(id, models.AuctionCancelled{
		Auction:     a,
		CancelledBy: adminID,
	}, tr.At))

	return a, nil
}

// Join records a session in the auction's participant set
func (s *AuctionService) Join(ctx context.Context, id, session string, bidder models.Bidder) (*models.Auction, error) {
	if session == "" {
		return nil, &models.ValidationError{Field: "session_id", Message: "is required"}
	}
	if bidder.ID == "" {
		return nil, &models.ValidationError{Field: "bidder_id", Message: "is required"}
	}

	a, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load auction %s: %w", id, err)
	}
	if err := s.store.AddParticipant(ctx, id, session, bidder); err != nil {
		return nil, err
	}
	if !a.AddParticipant(session, bidder) {
		return a, nil
	}

	log := s.logger.With("auction_id", id, "session_id", session)
	log.Debug("Participant joined", "bidder_id", bidder.ID, "participants", a.ParticipantCount())
	publishEvent(ctx, s.sink, log, models.NewEvent(id, models.ParticipantJoined{
		Auction:          a,
		SessionID:        session,
		Bidder:           bidder,
		ParticipantCount: a.ParticipantCount(),
	}, s.now()))

	return a, nil
}

// Leave drops a session from the auction's participant set
func (s *AuctionService) Leave(ctx context.Context, id, session string) (*models.Auction, error) {
	if session == "" {
		return nil, &models.ValidationError{Field: "session_id", Message: "is required"}
	}

	a, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load auction %s: %w", id, err)
	}
	if err := s.store.RemoveParticipant(ctx, id, session); err != nil {
		return nil, err
	}
	if !a.RemoveParticipant(session) {
		return a, nil
	}

	log := s.logger.With("auction_id", id, "session_id", session)
	log.Debug("Participant left", "participants", a.ParticipantCount())
	publishEvent(ctx, s.sink, log, models.NewEvent(id, models.ParticipantLeft{
		Auction:          a,
		SessionID:        session,
		ParticipantCount: a.ParticipantCount(),
	}, s.now()))

	return a, nil
}
