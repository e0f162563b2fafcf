package models

import (
	"errors"
	"fmt"
	"time"
)

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

// AuctionStatus constants
const (
	AuctionStatusUpcoming  AuctionStatus = "upcoming"
	AuctionStatusLive      AuctionStatus = "live"
	AuctionStatusClosed    AuctionStatus = "closed"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Duration limits in minutes
const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 60
)

var (
	// ErrInvalidTransition is returned when a lifecycle method is called from a status it does not accept
	ErrInvalidTransition = errors.New("invalid auction status transition")
	// ErrAlreadyClosed is returned when cancelling an auction that already closed
	ErrAlreadyClosed = errors.New("auction already closed")
	// ErrInvalidStatus marks a stored status outside the canonical set
	ErrInvalidStatus = errors.New("invalid auction status")
)

// ParseAuctionStatus converts a stored value into a status. Legacy or unknown
// values are a data-integrity error and are never rewritten here.
func ParseAuctionStatus(s string) (AuctionStatus, error) {
	switch st := AuctionStatus(s); st {
	case AuctionStatusUpcoming, AuctionStatusLive, AuctionStatusClosed, AuctionStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Valid reports whether s is one of the canonical statuses
func (s AuctionStatus) Valid() bool {
	_, err := ParseAuctionStatus(string(s))
	return err == nil
}

// Bidder identifies a user together with the name shown to other participants
type Bidder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Auction is the aggregate root for one timed sale.
//
// Methods never perform I/O and never read the wall clock; callers pass the
// current time and are responsible for persisting and publishing the result.
type Auction struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Status             AuctionStatus     `json:"status"`
	StartingPrice      int64             `json:"starting_price"`
	CurrentPrice       int64             `json:"current_price"`
	ScheduledStartTime time.Time         `json:"scheduled_start_time"`
	DurationMinutes    int               `json:"duration_minutes"`
	ActualStartTime    *time.Time        `json:"actual_start_time,omitempty"`
	EndTime            *time.Time        `json:"end_time,omitempty"`
	ActualEndTime      *time.Time        `json:"actual_end_time,omitempty"`
	HighestBidder      *Bidder           `json:"highest_bidder,omitempty"`
	Bids               []Bid             `json:"bids"`
	Participants       map[string]Bidder `json:"participants,omitempty"`
	ManuallyEnded      bool              `json:"manually_ended"`
	EndedBy            string            `json:"ended_by,omitempty"`
	CancelledBy        string            `json:"cancelled_by,omitempty"`
	Winner             *Bidder           `json:"winner,omitempty"`
	FinalPrice         *int64            `json:"final_price,omitempty"`
	Version            int64             `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Transition describes a status change produced by a lifecycle method
type Transition struct {
	AuctionID string        `json:"auction_id"`
	From      AuctionStatus `json:"from"`
	To        AuctionStatus `json:"to"`
	At        time.Time     `json:"at"`
}

// Changed reports whether the transition moved the auction to a new status
func (t Transition) Changed() bool {
	return t.From != t.To
}

// NewAuction validates creation parameters and returns an upcoming auction
func NewAuction(id, title string, startingPrice int64, scheduledStart time.Time, durationMinutes int, now time.Time) (*Auction, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "is required"}
	}
	if startingPrice <= 0 {
		return nil, &ValidationError{Field: "starting_price", Message: "must be positive"}
	}
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return nil, &ValidationError{
			Field:   "duration_minutes",
			Message: fmt.Sprintf("must be between %d and %d", MinDurationMinutes, MaxDurationMinutes),
		}
	}
	if scheduledStart.IsZero() {
		return nil, &ValidationError{Field: "scheduled_start_time", Message: "is required"}
	}
	if !scheduledStart.After(now) {
		return nil, &ValidationError{Field: "scheduled_start_time", Message: "must be in the future"}
	}

	return &Auction{
		ID:                 id,
		Title:              title,
		Status:             AuctionStatusUpcoming,
		StartingPrice:      startingPrice,
		CurrentPrice:       startingPrice,
		ScheduledStartTime: scheduledStart,
		DurationMinutes:    durationMinutes,
		Bids:               []Bid{},
		Participants:       map[string]Bidder{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Duration returns the configured running time of the auction
func (a *Auction) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

// Start moves an upcoming auction to live
func (a *Auction) Start(now time.Time) (Transition, error) {
	if a.Status != AuctionStatusUpcoming {
		return Transition{}, fmt.Errorf("%w: cannot start auction in status %s", ErrInvalidTransition, a.Status)
	}

	from := a.Status
	start := now
	end := now.Add(a.Duration())
	a.Status = AuctionStatusLive
	a.ActualStartTime = &start
	a.EndTime = &end
	a.UpdatedAt = now

	return Transition{AuctionID: a.ID, From: from, To: a.Status, At: now}, nil
}

// End closes a live auction. The winner and final price are copied from the
// current leader when one exists.
func (a *Auction) End(endedBy string, manual bool, now time.Time) (Transition, error) {
	if a.Status != AuctionStatusLive {
		return Transition{}, fmt.Errorf("%w: cannot end auction in status %s", ErrInvalidTransition, a.Status)
	}

	from := a.Status
	ended := now
	a.Status = AuctionStatusClosed
	a.ActualEndTime = &ended
	a.ManuallyEnded = manual
	a.EndedBy = endedBy
	if a.HighestBidder != nil {
		winner := *a.HighestBidder
		price := a.CurrentPrice
		a.Winner = &winner
		a.FinalPrice = &price
	}
	a.UpdatedAt = now

	return Transition{AuctionID: a.ID, From: from, To: a.Status, At: now}, nil
}

// Cancel withdraws an auction that has not closed. Cancelling twice is a no-op.
func (a *Auction) Cancel(cancelledBy string, now time.Time) (Transition, error) {
	switch a.Status {
	case AuctionStatusClosed:
		return Transition{}, ErrAlreadyClosed
	case AuctionStatusCancelled:
		return Transition{AuctionID: a.ID, From: a.Status, To: a.Status, At: now}, nil
	}

	from := a.Status
	a.Status = AuctionStatusCancelled
	a.CancelledBy = cancelledBy
	a.UpdatedAt = now

	return Transition{AuctionID: a.ID, From: from, To: a.Status, At: now}, nil
}

// CanAcceptBids reports whether the auction is live and before its deadline
func (a *Auction) CanAcceptBids(now time.Time) bool {
	return a.Status == AuctionStatusLive && a.EndTime != nil && now.Before(*a.EndTime)
}

// TryPlaceBid applies a bid in memory. It returns the committed bid, or the
// reason the bid was rejected.
func (a *Auction) TryPlaceBid(id string, bidder Bidder, amount int64, now time.Time) (Bid, RejectReason) {
	if amount <= 0 {
		return Bid{}, RejectInvalidAmount
	}
	if a.Status != AuctionStatusLive {
		return Bid{}, RejectAuctionNotLive
	}
	if a.EndTime == nil || !now.Before(*a.EndTime) {
		return Bid{}, RejectAuctionExpired
	}
	if amount <= a.CurrentPrice {
		return Bid{}, RejectBidTooLow
	}

	bid := Bid{ID: id, Bidder: bidder, Amount: amount, Timestamp: now}
	leader := bidder
	a.Bids = append(a.Bids, bid)
	a.CurrentPrice = amount
	a.HighestBidder = &leader
	a.UpdatedAt = now

	return bid, RejectNone
}

// AddParticipant records a session; a rejoining session replaces its entry
func (a *Auction) AddParticipant(session string, bidder Bidder) bool {
	if a.Participants == nil {
		a.Participants = map[string]Bidder{}
	}
	if prev, ok := a.Participants[session]; ok && prev == bidder {
		return false
	}
	a.Participants[session] = bidder
	return true
}

// RemoveParticipant drops a session if present
func (a *Auction) RemoveParticipant(session string) bool {
	if _, ok := a.Participants[session]; !ok {
		return false
	}
	delete(a.Participants, session)
	return true
}

// ParticipantCount returns the number of connected sessions
func (a *Auction) ParticipantCount() int {
	return len(a.Participants)
}

// RemainingSeconds is the countdown shown to clients: time to start while
// upcoming, time to end while live, zero otherwise.
func (a *Auction) RemainingSeconds(now time.Time) int64 {
	var target time.Time
	switch a.Status {
	case AuctionStatusUpcoming:
		target = a.ScheduledStartTime
	case AuctionStatusLive:
		if a.EndTime == nil {
			return 0
		}
		target = *a.EndTime
	default:
		return 0
	}

	remaining := int64(target.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clone returns a deep copy so callers can mutate without aliasing stored state
func (a *Auction) Clone() *Auction {
	c := *a
	c.ActualStartTime = cloneTime(a.ActualStartTime)
	c.EndTime = cloneTime(a.EndTime)
	c.ActualEndTime = cloneTime(a.ActualEndTime)
	if a.HighestBidder != nil {
		b := *a.HighestBidder
		c.HighestBidder = &b
	}
	if a.Winner != nil {
		w := *a.Winner
		c.Winner = &w
	}
	if a.FinalPrice != nil {
		p := *a.FinalPrice
		c.FinalPrice = &p
	}
	c.Bids = append([]Bid{}, a.Bids...)
	c.Participants = make(map[string]Bidder, len(a.Participants))
	for k, v := range a.Participants {
		c.Participants[k] = v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
