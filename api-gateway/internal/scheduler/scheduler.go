// Package scheduler drives automatic auction start and end transitions.
//
// Timers live only in memory. After a restart Initialize rebuilds them from
// the store, and every timer fire reloads the auction before acting, so a
// stale or cancelled timer can never move an auction that has already moved on.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aaronwang/live-auction/api-gateway/internal/events"
	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/logging"
	"github.com/aaronwang/live-auction/shared/models"
)

// Phase is the transition a timer is armed for
type Phase string

// Phase constants
const (
	PhaseStart Phase = "start-pending"
	PhaseEnd   Phase = "end-pending"
)

const (
	defaultFireTimeout = 10 * time.Second
	defaultRetryDelay  = 5 * time.Second
)

type timerKey struct {
	auctionID string
	phase     Phase
}

type pendingTimer struct {
	gen   uint64
	timer Timer
	at    time.Time
}

// Scheduler owns the pending timers of every auction in this process
type Scheduler struct {
	store       store.Store
	sink        events.Sink
	clock       Clock
	logger      *slog.Logger
	fireTimeout time.Duration
	retryDelay  time.Duration

	mu     sync.Mutex
	timers map[timerKey]*pendingTimer
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithFireTimeout bounds the store and sink calls made by one timer fire
func WithFireTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.fireTimeout = d }
}

// WithRetryDelay sets how long to wait before re-firing after an
// infrastructure error. Zero disables retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.retryDelay = d }
}

// New creates a scheduler. Call Initialize once the store is reachable.
func New(st store.Store, sink events.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		sink:        sink,
		clock:       SystemClock{},
		logger:      logging.Discard(),
		fireTimeout: defaultFireTimeout,
		retryDelay:  defaultRetryDelay,
		timers:      make(map[timerKey]*pendingTimer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Initialize arms a start timer for every upcoming auction and an end timer
// for every live one. An auction that cannot be loaded is logged and skipped;
// the returned error reports those failures after everything else is armed.
func (s *Scheduler) Initialize(ctx context.Context) error {
	var errs []error

	upcoming, err := s.store.LoadAllByStatus(ctx, models.AuctionStatusUpcoming)
	if err != nil {
		s.logger.Error("Failed to load some upcoming auctions", "error", err)
		errs = append(errs, err)
	}
	for _, a := range upcoming {
		s.Schedule(a)
	}

	live, err := s.store.LoadAllByStatus(ctx, models.AuctionStatusLive)
	if err != nil {
		s.logger.Error("Failed to load some live auctions", "error", err)
		errs = append(errs, err)
	}
	for _, a := range live {
		if a.EndTime == nil {
			s.logger.Error("Live auction has no end time, skipping", "auction_id", a.ID)
			continue
		}
		s.ScheduleEnd(a.ID, *a.EndTime)
	}

	s.logger.Info("Scheduler initialized",
		"upcoming", len(upcoming),
		"live", len(live))

	return errors.Join(errs...)
}

// Schedule arms the start timer at the auction's scheduled start. A start
// time already in the past fires immediately.
func (s *Scheduler) Schedule(a *models.Auction) {
	s.arm(a.ID, PhaseStart, a.ScheduledStartTime)
}

// ScheduleEnd arms the end timer for endTime
func (s *Scheduler) ScheduleEnd(auctionID string, endTime time.Time) {
	s.arm(auctionID, PhaseEnd, endTime)
}

// CancelTimer stops the timer for one phase. It is a no-op when none is armed.
func (s *Scheduler) CancelTimer(auctionID string, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey{auctionID, phase}
	if t, ok := s.timers[key]; ok {
		t.timer.Stop()
		delete(s.timers, key)
		s.logger.Debug("Timer cancelled", "auction_id", auctionID, "phase", phase)
	}
}

// Pending reports whether a timer is armed for the auction and phase
func (s *Scheduler) Pending(auctionID string, phase Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[timerKey{auctionID, phase}]
	return ok
}

// PendingCount returns the number of armed timers
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown stops every timer and waits for fires already in progress.
// Arming after Shutdown is a no-op.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) arm(auctionID string, phase Phase, at time.Time) {
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	key := timerKey{auctionID, phase}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.timers[key] = &pendingTimer{
		gen:   gen,
		at:    at,
		timer: s.clock.AfterFunc(delay, func() { s.fire(key, gen) }),
	}

	s.logger.Debug("Timer armed",
		"auction_id", auctionID,
		"phase", phase,
		"delay", delay)
}

func (s *Scheduler) fire(key timerKey, gen uint64) {
	s.mu.Lock()
	t, ok := s.timers[key]
	if !ok || t.gen != gen || s.closed {
		// cancelled or replaced after the runtime had already queued this fire
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	switch key.phase {
	case PhaseStart:
		s.handleStart(ctx, key.auctionID)
	case PhaseEnd:
		s.handleEnd(ctx, key.auctionID)
	}
}

func (s *Scheduler) handleStart(ctx context.Context, auctionID string) {
	log := s.logger.With("auction_id", auctionID, "phase", PhaseStart)

	a, tr, err := store.Update(ctx, s.store, auctionID, func(a *models.Auction) (models.Transition, error) {
		if a.Status != models.AuctionStatusUpcoming {
			return unchanged(a, s.clock.Now()), nil
		}
		return a.Start(s.clock.Now())
	})
	if err != nil {
		s.handleFireError(log, auctionID, PhaseStart, err)
		return
	}
	if !tr.Changed() {
		log.Info("Auction no longer upcoming, skipping auto-start", "status", a.Status)
		return
	}

	log.Info("Auction started", "end_time", *a.EndTime)
	s.publish(ctx, log, models.NewEvent(a.ID, models.AuctionStarted{
		Auction:   a,
		StartedAt: tr.At,
		EndTime:   *a.EndTime,
	}, tr.At))

	s.ScheduleEnd(a.ID, *a.EndTime)
}

func (s *Scheduler) handleEnd(ctx context.Context, auctionID string) {
	log := s.logger.With("auction_id", auctionID, "phase", PhaseEnd)

	var early *time.Time
	a, tr, err := store.Update(ctx, s.store, auctionID, func(a *models.Auction) (models.Transition, error) {
		now := s.clock.Now()
		early = nil
		if a.Status != models.AuctionStatusLive {
			return unchanged(a, now), nil
		}
		if a.EndTime != nil && now.Before(*a.EndTime) {
			early = a.EndTime
			return unchanged(a, now), nil
		}
		return a.End("", false, now)
	})
	if err != nil {
		s.handleFireError(log, auctionID, PhaseEnd, err)
		return
	}
	if early != nil {
		log.Warn("End timer fired early, re-arming", "end_time", *early)
		s.ScheduleEnd(auctionID, *early)
		return
	}
	if !tr.Changed() {
		log.Info("Auction no longer live, skipping auto-end", "status", a.Status)
		return
	}

	log.Info("Auction ended", "final_price", a.FinalPrice, "bids", len(a.Bids))
	s.publish(ctx, log, models.NewEvent(a.ID, models.AuctionEnded{
		Auction:    a,
		Winner:     a.Winner,
		FinalPrice: a.FinalPrice,
	}, tr.At))
}

// handleFireError logs a failed transition. The auction stays in its last
// durable state; infrastructure failures are retried by re-arming the timer.
func (s *Scheduler) handleFireError(log *slog.Logger, auctionID string, phase Phase, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("Auction disappeared before its timer fired", "error", err)
	case errors.Is(err, models.ErrInvalidStatus):
		log.Error("Auction has corrupt state, not retrying", "error", err)
	default:
		log.Error("Timer transition failed", "error", err)
		if s.retryDelay > 0 {
			s.arm(auctionID, phase, s.clock.Now().Add(s.retryDelay))
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, log *slog.Logger, event models.Event) {
	if err := s.sink.Publish(ctx, event); err != nil {
		log.Warn("Failed to publish event", "event", event.Kind(), "error", err)
	}
}

func unchanged(a *models.Auction, now time.Time) models.Transition {
	return models.Transition{AuctionID: a.ID, From: a.Status, To: a.Status, At: now}
}
