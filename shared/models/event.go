package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind names the state change carried by an Event
type EventKind string

// EventKind constants
const (
	EventAuctionStarted    EventKind = "auction_started"
	EventAuctionEnded      EventKind = "auction_ended"
	EventAuctionCancelled  EventKind = "auction_cancelled"
	EventBidAccepted       EventKind = "bid_accepted"
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
)

// Payload is implemented by the fixed set of event payloads below.
// Subscribers switch on the concrete type.
type Payload interface {
	Kind() EventKind
}

// AuctionStarted is published when an auction goes live
type AuctionStarted struct {
	Auction   *Auction  `json:"auction"`
	StartedAt time.Time `json:"started_at"`
	EndTime   time.Time `json:"end_time"`
	Manual    bool      `json:"manual"`
	StartedBy string    `json:"started_by,omitempty"`
}

// AuctionEnded is published when a live auction closes
type AuctionEnded struct {
	Auction    *Auction `json:"auction"`
	Manual     bool     `json:"manual"`
	EndedBy    string   `json:"ended_by,omitempty"`
	Winner     *Bidder  `json:"winner,omitempty"`
	FinalPrice *int64   `json:"final_price,omitempty"`
}

// AuctionCancelled is published when an auction is withdrawn
type AuctionCancelled struct {
	Auction     *Auction `json:"auction"`
	CancelledBy string   `json:"cancelled_by,omitempty"`
}

// BidAccepted is published after a bid is durably committed. Auction is the
// snapshot taken at that commit, so its price and leader match Bid.
// This is sent to:
// 1. Redis Pub/Sub (for real-time WebSocket broadcast)
// 2. NATS JetStream (for archival to PostgreSQL)
type BidAccepted struct {
	Auction       *Auction `json:"auction"`
	Bid           Bid      `json:"bid"`
	PreviousPrice int64    `json:"previous_price"`
}

// ParticipantJoined is published when a session joins an auction room
type ParticipantJoined struct {
	Auction          *Auction `json:"auction"`
	SessionID        string   `json:"session_id"`
	Bidder           Bidder   `json:"bidder"`
	ParticipantCount int      `json:"participant_count"`
}

// ParticipantLeft is published when a session leaves an auction room
type ParticipantLeft struct {
	Auction          *Auction `json:"auction"`
	SessionID        string   `json:"session_id"`
	ParticipantCount int      `json:"participant_count"`
}

func (AuctionStarted) Kind() EventKind    { return EventAuctionStarted }
func (AuctionEnded) Kind() EventKind      { return EventAuctionEnded }
func (AuctionCancelled) Kind() EventKind  { return EventAuctionCancelled }
func (BidAccepted) Kind() EventKind       { return EventBidAccepted }
func (ParticipantJoined) Kind() EventKind { return EventParticipantJoined }
func (ParticipantLeft) Kind() EventKind   { return EventParticipantLeft }

// Event is a state change notification for one auction
type Event struct {
	ID         string
	AuctionID  string
	OccurredAt time.Time
	Payload    Payload
}

// NewEvent wraps a payload with a fresh event ID
func NewEvent(auctionID string, payload Payload, at time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		AuctionID:  auctionID,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}

// Kind returns the payload kind
func (e Event) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type eventEnvelope struct {
	EventID    string          `json:"event_id"`
	Type       EventKind       `json:"type"`
	AuctionID  string          `json:"auction_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {event_id, type, auction_id, occurred_at, data}
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", e.ID)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(eventEnvelope{
		EventID:    e.ID,
		Type:       e.Kind(),
		AuctionID:  e.AuctionID,
		OccurredAt: e.OccurredAt,
		Data:       data,
	})
}

// UnmarshalJSON decodes the envelope and the payload named by its type
func (e *Event) UnmarshalJSON(b []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var payload Payload
	var err error
	switch env.Type {
	case EventAuctionStarted:
		payload, err = decodePayload[AuctionStarted](env.Data)
	case EventAuctionEnded:
		payload, err = decodePayload[AuctionEnded](env.Data)
	case EventAuctionCancelled:
		payload, err = decodePayload[AuctionCancelled](env.Data)
	case EventBidAccepted:
		payload, err = decodePayload[BidAccepted](env.Data)
	case EventParticipantJoined:
		payload, err = decodePayload[ParticipantJoined](env.Data)
	case EventParticipantLeft:
		payload, err = decodePayload[ParticipantLeft](env.Data)
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}

	*e = Event{
		ID:         env.EventID,
		AuctionID:  env.AuctionID,
		OccurredAt: env.OccurredAt,
		Payload:    payload,
	}
	return nil
}

// DecodeEvent parses a wire event
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
