package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAuction(t *testing.T) *Auction {
	t.Helper()
	a, err := NewAuction("auction-1", "Vintage camera", 1000, testNow.Add(time.Minute), 10, testNow)
	require.NoError(t, err)
	return a
}

func liveTestAuction(t *testing.T) *Auction {
	t.Helper()
	a := newTestAuction(t)
	_, err := a.Start(testNow)
	require.NoError(t, err)
	return a
}

func TestNewAuction_Validation(t *testing.T) {
	cases := []struct {
		name     string
		price    int64
		start    time.Time
		duration int
		field    string
	}{
		{"zero price", 0, testNow.Add(time.Hour), 10, "starting_price"},
		{"negative price", -5, testNow.Add(time.Hour), 10, "starting_price"},
		{"duration too short", 100, testNow.Add(time.Hour), 0, "duration_minutes"},
		{"duration too long", 100, testNow.Add(time.Hour), 61, "duration_minutes"},
		{"start in past", 100, testNow.Add(-time.Second), 10, "scheduled_start_time"},
		{"start now", 100, testNow, 10, "scheduled_start_time"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAuction("a", "t", tc.price, tc.start, tc.duration, testNow)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	a := newTestAuction(t)
	assert.Equal(t, AuctionStatusUpcoming, a.Status)
	assert.Equal(t, int64(1000), a.CurrentPrice)
	assert.Nil(t, a.ActualStartTime)
	assert.Nil(t, a.EndTime)
}

func TestAuction_StartTwice(t *testing.T) {
	a := newTestAuction(t)

	tr, err := a.Start(testNow)
	require.NoError(t, err)
	assert.Equal(t, AuctionStatusUpcoming, tr.From)
	assert.Equal(t, AuctionStatusLive, tr.To)
	require.NotNil(t, a.EndTime)
	assert.Equal(t, testNow.Add(10*time.Minute), *a.EndTime)
	assert.Equal(t, testNow, *a.ActualStartTime)

	_, err = a.Start(testNow.Add(time.Second))
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, AuctionStatusLive, a.Status)
	assert.Equal(t, testNow, *a.ActualStartTime)
}

func TestAuction_EndCopiesWinner(t *testing.T) {
	a := liveTestAuction(t)
	_, reason := a.TryPlaceBid("b1", Bidder{ID: "u1", Name: "Ann"}, 1200, testNow.Add(time.Second))
	require.Equal(t, RejectNone, reason)

	tr, err := a.End("admin", true, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, AuctionStatusClosed, tr.To)
	assert.True(t, a.ManuallyEnded)
	assert.Equal(t, "admin", a.EndedBy)
	require.NotNil(t, a.Winner)
	assert.Equal(t, "u1", a.Winner.ID)
	require.NotNil(t, a.FinalPrice)
	assert.Equal(t, int64(1200), *a.FinalPrice)
	require.NotNil(t, a.ActualEndTime)

	_, err = a.End("", false, testNow.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAuction_EndWithoutBids(t *testing.T) {
	a := liveTestAuction(t)
	_, err := a.End("", false, testNow.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, a.Winner)
	assert.Nil(t, a.FinalPrice)
	assert.False(t, a.ManuallyEnded)
}

func TestAuction_EndFromUpcoming(t *testing.T) {
	a := newTestAuction(t)
	_, err := a.End("", false, testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAuction_CancelAfterLive(t *testing.T) {
	a := liveTestAuction(t)
	_, reason := a.TryPlaceBid("b1", Bidder{ID: "u1"}, 1500, testNow.Add(time.Second))
	require.Equal(t, RejectNone, reason)

	tr, err := a.Cancel("admin", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, tr.Changed())
	assert.Equal(t, AuctionStatusCancelled, a.Status)
	assert.Nil(t, a.Winner)
	assert.Nil(t, a.FinalPrice)

	_, err = a.End("", false, testNow.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrInvalidTransition)

	tr, err = a.Cancel("admin", testNow.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, tr.Changed())
}

func TestAuction_CancelClosed(t *testing.T) {
	a := liveTestAuction(t)
	_, err := a.End("", false, testNow.Add(time.Minute))
	require.NoError(t, err)

	_, err = a.Cancel("admin", testNow.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrAlreadyClosed)
	assert.Equal(t, AuctionStatusClosed, a.Status)
}

func TestAuction_TryPlaceBid(t *testing.T) {
	bidder := Bidder{ID: "u1", Name: "Ann"}

	t.Run("not live", func(t *testing.T) {
		a := newTestAuction(t)
		_, reason := a.TryPlaceBid("b", bidder, 2000, testNow)
		assert.Equal(t, RejectAuctionNotLive, reason)
	})

	t.Run("invalid amount", func(t *testing.T) {
		a := liveTestAuction(t)
		_, reason := a.TryPlaceBid("b", bidder, 0, testNow)
		assert.Equal(t, RejectInvalidAmount, reason)
	})

	t.Run("equal amount rejected, one above accepted", func(t *testing.T) {
		a := liveTestAuction(t)
		_, reason := a.TryPlaceBid("b1", bidder, 1000, testNow.Add(time.Second))
		assert.Equal(t, RejectBidTooLow, reason)

		bid, reason := a.TryPlaceBid("b2", bidder, 1001, testNow.Add(time.Second))
		require.Equal(t, RejectNone, reason)
		assert.Equal(t, int64(1001), bid.Amount)
		assert.Equal(t, int64(1001), a.CurrentPrice)
		assert.Equal(t, bidder, *a.HighestBidder)
	})

	t.Run("same leader cannot reaffirm", func(t *testing.T) {
		a := liveTestAuction(t)
		_, reason := a.TryPlaceBid("b1", bidder, 1100, testNow.Add(time.Second))
		require.Equal(t, RejectNone, reason)
		_, reason = a.TryPlaceBid("b2", bidder, 1100, testNow.Add(2*time.Second))
		assert.Equal(t, RejectBidTooLow, reason)
	})

	t.Run("expiry boundary", func(t *testing.T) {
		a := liveTestAuction(t)
		end := *a.EndTime

		_, reason := a.TryPlaceBid("b1", bidder, 1100, end.Add(-time.Millisecond))
		require.Equal(t, RejectNone, reason)

		_, reason = a.TryPlaceBid("b2", Bidder{ID: "u2"}, 1200, end.Add(time.Millisecond))
		assert.Equal(t, RejectAuctionExpired, reason)

		_, reason = a.TryPlaceBid("b3", Bidder{ID: "u2"}, 1200, end)
		assert.Equal(t, RejectAuctionExpired, reason)
		assert.False(t, a.CanAcceptBids(end))
		assert.True(t, a.CanAcceptBids(end.Add(-time.Nanosecond)))
	})

	t.Run("history is insertion ordered", func(t *testing.T) {
		a := liveTestAuction(t)
		for i, amount := range []int64{1100, 1250, 1300} {
			_, reason := a.TryPlaceBid("b", bidder, amount, testNow.Add(time.Duration(i)*time.Second))
			require.Equal(t, RejectNone, reason)
		}
		require.Len(t, a.Bids, 3)
		assert.Equal(t, int64(1100), a.Bids[0].Amount)
		assert.Equal(t, int64(1300), a.Bids[2].Amount)
	})
}

func TestAuction_Participants(t *testing.T) {
	a := newTestAuction(t)

	assert.True(t, a.AddParticipant("s1", Bidder{ID: "u1"}))
	assert.False(t, a.AddParticipant("s1", Bidder{ID: "u1"}))
	assert.True(t, a.AddParticipant("s1", Bidder{ID: "u2"}))
	assert.True(t, a.AddParticipant("s2", Bidder{ID: "u3"}))
	assert.Equal(t, 2, a.ParticipantCount())

	assert.True(t, a.RemoveParticipant("s1"))
	assert.False(t, a.RemoveParticipant("s1"))
	assert.Equal(t, 1, a.ParticipantCount())
	assert.Equal(t, AuctionStatusUpcoming, a.Status)
}

func TestAuction_RemainingSeconds(t *testing.T) {
	a := newTestAuction(t)
	assert.Equal(t, int64(60), a.RemainingSeconds(testNow))
	assert.Equal(t, int64(0), a.RemainingSeconds(testNow.Add(time.Hour)))

	_, err := a.Start(testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(600), a.RemainingSeconds(testNow))
	assert.Equal(t, int64(0), a.RemainingSeconds(testNow.Add(24*365*time.Hour)))

	_, err = a.End("", false, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.RemainingSeconds(testNow))
}

func TestParseAuctionStatus(t *testing.T) {
	for _, s := range []string{"upcoming", "live", "closed", "cancelled"} {
		st, err := ParseAuctionStatus(s)
		require.NoError(t, err)
		assert.True(t, st.Valid())
	}

	for _, s := range []string{"active", "ended", "scheduled", ""} {
		_, err := ParseAuctionStatus(s)
		assert.ErrorIs(t, err, ErrInvalidStatus, s)
	}
}

func TestAuction_CloneDoesNotAlias(t *testing.T) {
	a := liveTestAuction(t)
	_, reason := a.TryPlaceBid("b1", Bidder{ID: "u1"}, 1100, testNow.Add(time.Second))
	require.Equal(t, RejectNone, reason)
	a.AddParticipant("s1", Bidder{ID: "u1"})

	c := a.Clone()
	_, reason = c.TryPlaceBid("b2", Bidder{ID: "u2"}, 1200, testNow.Add(2*time.Second))
	require.Equal(t, RejectNone, reason)
	c.AddParticipant("s2", Bidder{ID: "u2"})
	*c.EndTime = c.EndTime.Add(time.Hour)

	assert.Len(t, a.Bids, 1)
	assert.Equal(t, "u1", a.HighestBidder.ID)
	assert.Equal(t, 1, a.ParticipantCount())
	assert.Equal(t, testNow.Add(10*time.Minute), *a.EndTime)
}
