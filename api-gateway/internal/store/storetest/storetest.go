// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/models"
)

// Base is a millisecond-aligned reference time used by the suite
var Base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// Factory returns an empty store
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("SaveConflict", func(t *testing.T) { testSaveConflict(t, newStore(t)) })
	t.Run("BidBumpsVersion", func(t *testing.T) { testBidBumpsVersion(t, newStore(t)) })
	t.Run("BidPredicates", func(t *testing.T) { testBidPredicates(t, newStore(t)) })
	t.Run("NonPositiveAmount", func(t *testing.T) { testNonPositiveAmount(t, newStore(t)) })
	t.Run("PriceGainsDigit", func(t *testing.T) { testPriceGainsDigit(t, newStore(t)) })
	t.Run("LargeAmounts", func(t *testing.T) { testLargeAmounts(t, newStore(t)) })
	t.Run("ExpiryRace", func(t *testing.T) { testExpiryRace(t, newStore(t)) })
	t.Run("TwoConcurrentHigherBids", func(t *testing.T) { testTwoConcurrentHigherBids(t, newStore(t)) })
	t.Run("ConcurrentBids", func(t *testing.T) { testConcurrentBids(t, newStore(t)) })
	t.Run("LoadAllByStatus", func(t *testing.T) { testLoadAllByStatus(t, newStore(t)) })
	t.Run("Participants", func(t *testing.T) { testParticipants(t, newStore(t)) })
	t.Run("UpdateRetriesConflict", func(t *testing.T) { testUpdateRetriesConflict(t, newStore(t)) })
}

// CreateAuction stores a new upcoming auction starting one minute after Base
func CreateAuction(t *testing.T, s store.Store, id string, startingPrice int64) *models.Auction {
	t.Helper()
	a, err := models.NewAuction(id, "Item "+id, startingPrice, Base.Add(time.Minute), 10, Base)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), a))
	return a
}

// CreateLiveAuction stores an auction and starts it at Base
func CreateLiveAuction(t *testing.T, s store.Store, id string, startingPrice int64) *models.Auction {
	t.Helper()
	ctx := context.Background()
	CreateAuction(t, s, id, startingPrice)

	a, err := s.Load(ctx, id)
	require.NoError(t, err)
	_, err = a.Start(Base)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, a))
	return a
}

func bid(id string, bidder string, amount int64, at time.Time) store.BidUpdate {
	return store.BidUpdate{
		AuctionID: id,
		BidID:     fmt.Sprintf("%s-%s-%d", id, bidder, amount),
		Bidder:    models.Bidder{ID: bidder, Name: "Bidder " + bidder},
		Amount:    amount,
		At:        at,
	}
}

func testRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateLiveAuction(t, s, "rt", 1000)

	for i, amount := range []int64{1100, 1250, 1400} {
		res, err := s.ConditionalBidUpdate(ctx, bid("rt", fmt.Sprintf("u%d", i), amount, Base.Add(time.Duration(i+1)*time.Second)))
		require.NoError(t, err)
		require.True(t, res.Committed)
	}

	got, err := s.Load(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, got.Status)
	assert.Equal(t, int64(1400), got.CurrentPrice)
	assert.Equal(t, int64(1000), got.StartingPrice)
	require.NotNil(t, got.HighestBidder)
	assert.Equal(t, models.Bidder{ID: "u2", Name: "Bidder u2"}, *got.HighestBidder)
	require.Len(t, got.Bids, 3)
	for i, amount := range []int64{1100, 1250, 1400} {
		assert.Equal(t, amount, got.Bids[i].Amount)
		assert.Equal(t, fmt.Sprintf("u%d", i), got.Bids[i].Bidder.ID)
		assert.True(t, got.Bids[i].Timestamp.Equal(Base.Add(time.Duration(i+1)*time.Second)))
	}
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(Base.Add(10*time.Minute)))
	assert.True(t, got.ScheduledStartTime.Equal(Base.Add(time.Minute)))
	assert.Equal(t, 10, got.DurationMinutes)

	_, err = got.End("admin", true, Base.Add(5*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, got))

	closed, err := s.Load(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusClosed, closed.Status)
	assert.True(t, closed.ManuallyEnded)
	assert.Equal(t, "admin", closed.EndedBy)
	require.NotNil(t, closed.Winner)
	assert.Equal(t, "u2", closed.Winner.ID)
	require.NotNil(t, closed.FinalPrice)
	assert.Equal(t, int64(1400), *closed.FinalPrice)
	require.NotNil(t, closed.ActualEndTime)
	assert.Len(t, closed.Bids, 3)
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	CreateAuction(t, s, "dup", 500)

	a, err := models.NewAuction("dup", "again", 700, Base.Add(time.Hour), 5, Base)
	require.NoError(t, err)
	require.ErrorIs(t, s.Create(context.Background(), a), store.ErrConflict)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ConditionalBidUpdate(ctx, bid("missing", "u1", 100, Base))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testSaveConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateAuction(t, s, "conf", 100)

	first, err := s.Load(ctx, "conf")
	require.NoError(t, err)
	second, err := s.Load(ctx, "conf")
	require.NoError(t, err)

	_, err = first.Start(Base)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, first))

	_, err = second.Cancel("admin", Base)
	require.NoError(t, err)
	require.ErrorIs(t, s.Save(ctx, second), store.ErrConflict)

	got, err := s.Load(ctx, "conf")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, got.Status)
}

func testBidBumpsVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateLiveAuction(t, s, "ver", 100)

	stale, err := s.Load(ctx, "ver")
	require.NoError(t, err)

	res, err := s.ConditionalBidUpdate(ctx, bid("ver", "u1", 150, Base.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, res.Committed)

	_, err = stale.End("", false, Base.Add(time.Minute))
	require.NoError(t, err)
	require.ErrorIs(t, s.Save(ctx, stale), store.ErrConflict)

	got, err := s.Load(ctx, "ver")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.CurrentPrice)
	assert.Equal(t, models.AuctionStatusLive, got.Status)
}

func testBidPredicates(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateAuction(t, s, "up", 100)

	res, err := s.ConditionalBidUpdate(ctx, bid("up", "u1", 200, Base))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.RejectAuctionNotLive, res.Reason)

	CreateLiveAuction(t, s, "live", 1000)

	res, err = s.ConditionalBidUpdate(ctx, bid("live", "u1", 1000, Base.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.RejectBidTooLow, res.Reason)
	assert.Equal(t, int64(1000), res.CurrentPrice)

	res, err = s.ConditionalBidUpdate(ctx, bid("live", "u1", 1001, Base.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.Equal(t, int64(1000), res.PreviousPrice)
	assert.Equal(t, int64(1001), res.CurrentPrice)
	require.NotNil(t, res.Auction)
	assert.Equal(t, int64(1001), res.Auction.CurrentPrice)

	res, err = s.ConditionalBidUpdate(ctx, bid("live", "u2", 1001, Base.Add(2*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.RejectBidTooLow, res.Reason)
}

func testNonPositiveAmount(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateLiveAuction(t, s, "neg", 1000)

	for _, amount := range []int64{0, -5} {
		res, err := s.ConditionalBidUpdate(ctx, bid("neg", "u1", amount, Base.Add(time.Second)))
		require.NoError(t, err)
		assert.False(t, res.Committed)
		assert.Equal(t, models.RejectInvalidAmount, res.Reason, amount)
	}

	got, err := s.Load(ctx, "neg")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.CurrentPrice)
	assert.Empty(t, got.Bids)
}

func testPriceGainsDigit(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateLiveAuction(t, s, "digits", 999)

	res, err := s.ConditionalBidUpdate(ctx, bid("digits", "u1", 1000, Base.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, res.Committed)

	res, err = s.ConditionalBidUpdate(ctx, bid("digits", "u2", 998, Base.Add(2*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.RejectBidTooLow, res.Reason)
	assert.Equal(t, int64(1000), res.CurrentPrice)
}

// Amounts above 2^53 are not representable as float64 neighbours
func testLargeAmounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	const start = int64(1) << 53
	CreateLiveAuction(t, s, "big", start)

	res, err := s.ConditionalBidUpdate(ctx, bid("big", "u1", start+1, Base.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, res.Committed, "reason %q", res.Reason)
	assert.Equal(t, start, res.PreviousPrice)
	assert.Equal(t, start+1, res.CurrentPrice)

	res, err = s.ConditionalBidUpdate(ctx, bid("big", "u2", start+1, Base.Add(2*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.RejectBidTooLow, res.Reason)
	assert.Equal(t, start+1, res.CurrentPrice)

	res, err = s.ConditionalBidUpdate(ctx, bid("big", "u3", math.MaxInt64, Base.Add(3*time.Second)))
	require.NoError(t, err)
	require.True(t, res.Committed)
	assert.Equal(t, start+1, res.PreviousPrice)

	got, err := s.Load(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got.CurrentPrice)
	assert.Equal(t, "u3", got.HighestBidder.ID)
	require.Len(t, got.Bids, 2)
	assert.Equal(t, start+1, got.Bids[0].Amount)
}

func testExpiryRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := CreateLiveAuction(t, s, "exp", 1000)
	end := *a.EndTime

	res, err := s.ConditionalBidUpdate(ctx, bid("exp", "u1", 1100, end.Add(-time.Millisecond)))
	require.NoError(t, err)
	require.True(t, res.Committed)

	res, err = s.ConditionalBidUpdate(ctx, bid("exp", "u2", 1200, end.Add(time.Millisecond)))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, models.RejectAuctionExpired, res.Reason)

	got, err := s.Load(ctx, "exp")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), got.CurrentPrice)
	assert.Equal(t, "u1", got.HighestBidder.ID)
}

func testTwoConcurrentHigherBids(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateLiveAuction(t, s, "pair", 1000)

	var wg sync.WaitGroup
	for _, b := range []store.BidUpdate{
		bid("pair", "A", 1200, Base.Add(time.Second)),
		bid("pair", "B", 1500, Base.Add(time.Second)),
	} {
		wg.Add(1)
		go func(u store.BidUpdate) {
			defer wg.Done()
			_, err := s.ConditionalBidUpdate(ctx, u)
			assert.NoError(t, err)
		}(b)
	}
	wg.Wait()

	got, err := s.Load(ctx, "pair")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.CurrentPrice)
	assert.Equal(t, "B", got.HighestBidder.ID)
}

func testConcurrentBids(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateLiveAuction(t, s, "storm", 100)

	const bidders = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []int64
	)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// amounts collide on purpose so ties are exercised
			amount := int64(101 + (i*7)%25)
			res, err := s.ConditionalBidUpdate(ctx, bid("storm", fmt.Sprintf("u%d", i), amount, Base.Add(time.Second)))
			if !assert.NoError(t, err) {
				return
			}
			if res.Committed {
				// the snapshot belongs to this commit, not a later one
				if assert.NotNil(t, res.Auction) {
					assert.Equal(t, amount, res.Auction.CurrentPrice)
					assert.Equal(t, fmt.Sprintf("u%d", i), res.Auction.HighestBidder.ID)
					last := res.Auction.Bids[len(res.Auction.Bids)-1]
					assert.Equal(t, amount, last.Amount)
				}
				mu.Lock()
				accepted = append(accepted, amount)
				mu.Unlock()
			} else {
				assert.Equal(t, models.RejectBidTooLow, res.Reason)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Load(ctx, "storm")
	require.NoError(t, err)
	require.NotEmpty(t, accepted)

	var maxAccepted int64
	for _, a := range accepted {
		if a > maxAccepted {
			maxAccepted = a
		}
	}
	assert.Equal(t, maxAccepted, got.CurrentPrice)
	require.Len(t, got.Bids, len(accepted))

	prev := got.StartingPrice
	for _, b := range got.Bids {
		assert.Greater(t, b.Amount, prev, "history must be strictly increasing")
		prev = b.Amount
	}
}

func testLoadAllByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateAuction(t, s, "u1", 100)
	CreateAuction(t, s, "u2", 100)
	CreateLiveAuction(t, s, "l1", 100)

	upcoming, err := s.LoadAllByStatus(ctx, models.AuctionStatusUpcoming)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids(upcoming))

	live, err := s.LoadAllByStatus(ctx, models.AuctionStatusLive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"l1"}, ids(live))

	closed, err := s.LoadAllByStatus(ctx, models.AuctionStatusClosed)
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func testParticipants(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateAuction(t, s, "room", 100)

	require.NoError(t, s.AddParticipant(ctx, "room", "s1", models.Bidder{ID: "u1", Name: "Ann"}))
	require.NoError(t, s.AddParticipant(ctx, "room", "s2", models.Bidder{ID: "u2", Name: "Bo"}))
	require.NoError(t, s.AddParticipant(ctx, "room", "s1", models.Bidder{ID: "u3", Name: "Cy"}))

	got, err := s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ParticipantCount())
	assert.Equal(t, "u3", got.Participants["s1"].ID)

	require.NoError(t, s.RemoveParticipant(ctx, "room", "s1"))
	require.NoError(t, s.RemoveParticipant(ctx, "room", "s1"))

	got, err = s.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantCount())
}

func testUpdateRetriesConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	CreateLiveAuction(t, s, "retry", 100)

	raced := false
	got, tr, err := store.Update(ctx, s, "retry", func(a *models.Auction) (models.Transition, error) {
		if !raced {
			raced = true
			res, err := s.ConditionalBidUpdate(ctx, bid("retry", "u1", 180, Base.Add(time.Second)))
			require.NoError(t, err)
			require.True(t, res.Committed)
		}
		return a.End("", false, Base.Add(time.Minute))
	})
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusClosed, tr.To)
	require.NotNil(t, got.FinalPrice)
	assert.Equal(t, int64(180), *got.FinalPrice)
	assert.Equal(t, "u1", got.Winner.ID)
}

func ids(auctions []*models.Auction) []string {
	out := make([]string, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, a.ID)
	}
	return out
}
