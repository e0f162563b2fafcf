package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_JSONEnvelope(t *testing.T) {
	a := newTestAuction(t)
	_, err := a.Start(testNow)
	require.NoError(t, err)
	bid, reason := a.TryPlaceBid("bid-1", Bidder{ID: "u1", Name: "Ann"}, 1500, testNow.Add(time.Second))
	require.Equal(t, RejectNone, reason)

	ev := NewEvent(a.ID, BidAccepted{Auction: a, Bid: bid, PreviousPrice: 1000}, testNow)
	require.NotEmpty(t, ev.ID)
	assert.Equal(t, EventBidAccepted, ev.Kind())

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "bid_accepted", raw["type"])
	assert.Equal(t, "auction-1", raw["auction_id"])

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, decoded.ID)

	p, ok := decoded.Payload.(BidAccepted)
	require.True(t, ok, "payload type %T", decoded.Payload)
	assert.Equal(t, int64(1500), p.Bid.Amount)
	assert.Equal(t, int64(1000), p.PreviousPrice)
	assert.Equal(t, int64(1500), p.Auction.CurrentPrice)
	assert.Equal(t, AuctionStatusLive, p.Auction.Status)
}

func TestEvent_AllKindsDecode(t *testing.T) {
	a := newTestAuction(t)
	payloads := []Payload{
		AuctionStarted{Auction: a, StartedAt: testNow, EndTime: testNow.Add(time.Minute)},
		AuctionEnded{Auction: a},
		AuctionCancelled{Auction: a, CancelledBy: "admin"},
		BidAccepted{Auction: a},
		ParticipantJoined{Auction: a, SessionID: "s1", ParticipantCount: 1},
		ParticipantLeft{Auction: a, SessionID: "s1"},
	}

	for _, p := range payloads {
		data, err := json.Marshal(NewEvent(a.ID, p, testNow))
		require.NoError(t, err)

		decoded, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, p.Kind(), decoded.Kind())
	}
}

func TestEvent_UnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event_id":"e","type":"auction_paused","auction_id":"a","data":{}}`))
	require.Error(t, err)

	_, err = json.Marshal(Event{ID: "e"})
	require.Error(t, err)
}
