package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronwang/live-auction/api-gateway/internal/events/eventstest"
	"github.com/aaronwang/live-auction/api-gateway/internal/redis"
	"github.com/aaronwang/live-auction/api-gateway/internal/scheduler"
	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/api-gateway/internal/store/storetest"
	"github.com/aaronwang/live-auction/shared/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type timerCall struct {
	op        string
	auctionID string
	phase     scheduler.Phase
	at        time.Time
}

type fakeTimers struct {
	mu    sync.Mutex
	calls []timerCall
}

func (f *fakeTimers) Schedule(a *models.Auction) {
	f.record(timerCall{op: "schedule", auctionID: a.ID, phase: scheduler.PhaseStart, at: a.ScheduledStartTime})
}

func (f *fakeTimers) ScheduleEnd(id string, at time.Time) {
	f.record(timerCall{op: "schedule", auctionID: id, phase: scheduler.PhaseEnd, at: at})
}

func (f *fakeTimers) CancelTimer(id string, phase scheduler.Phase) {
	f.record(timerCall{op: "cancel", auctionID: id, phase: phase})
}

func (f *fakeTimers) record(c timerCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) ConditionalBidUpdate(context.Context, store.BidUpdate) (*store.BidResult, error) {
	return nil, errors.New("dial tcp: connection refused")
}

type env struct {
	store    store.Store
	sink     *eventstest.Recorder
	timers   *fakeTimers
	clock    *testClock
	bidding  *BiddingService
	auctions *AuctionService
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c, err := redis.NewClientFromRedis(rdb, redis.StrategyLua)
	require.NoError(t, err)

	e := &env{
		store:  c,
		sink:   &eventstest.Recorder{},
		timers: &fakeTimers{},
		clock:  &testClock{now: storetest.Base},
	}
	e.bidding = NewBiddingService(e.store, e.sink, WithNow(e.clock.Now))
	e.auctions = NewAuctionService(e.store, e.sink, e.timers, WithNow(e.clock.Now))
	return e
}

func bidder(id string) models.Bidder {
	return models.Bidder{ID: id, Name: "Bidder " + id}
}

func TestPlaceBid_Accepted(t *testing.T) {
	e := newEnv(t)
	storetest.CreateLiveAuction(t, e.store, "a1", 1000)
	e.clock.Set(storetest.Base.Add(time.Minute))

	out, err := e.bidding.PlaceBid(context.Background(), "a1", bidder("A"), 1200)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Empty(t, out.Reason)
	assert.Equal(t, int64(1200), out.CurrentPrice)
	require.NotNil(t, out.HighestBidder)
	assert.Equal(t, "A", out.HighestBidder.ID)
	require.NotNil(t, out.Bid)
	assert.NotEmpty(t, out.Bid.ID)
	require.NotNil(t, out.Auction)
	assert.Len(t, out.Auction.Bids, 1)

	events := e.sink.Events()
	require.Len(t, events, 1)
	accepted, ok := events[0].Payload.(models.BidAccepted)
	require.True(t, ok)
	assert.Equal(t, int64(1000), accepted.PreviousPrice)
	assert.Equal(t, out.Bid.ID, accepted.Bid.ID)
	assert.Equal(t, "a1", events[0].AuctionID)
}

func TestPlaceBid_EqualAmountRejected(t *testing.T) {
	e := newEnv(t)
	storetest.CreateLiveAuction(t, e.store, "a1", 1000)
	ctx := context.Background()

	out, err := e.bidding.PlaceBid(ctx, "a1", bidder("A"), 1000)
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, models.RejectBidTooLow, out.Reason)

	_, err = e.bidding.PlaceBid(ctx, "a1", bidder("A"), 1100)
	require.NoError(t, err)

	out, err = e.bidding.PlaceBid(ctx, "a1", bidder("A"), 1100)
	require.NoError(t, err)
	assert.Equal(t, models.RejectBidTooLow, out.Reason)
	assert.Equal(t, int64(1100), out.CurrentPrice)

	assert.Len(t, e.sink.Events(), 1)
}

func TestPlaceBid_InvalidInput(t *testing.T) {
	e := newEnv(t)
	// no store call is made for any of these; a missing auction would error
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		out, err := e.bidding.PlaceBid(ctx, "missing", bidder("A"), amount)
		require.NoError(t, err)
		assert.False(t, out.Accepted)
		assert.Equal(t, models.RejectInvalidAmount, out.Reason)
	}

	var verr *models.ValidationError
	_, err := e.bidding.PlaceBid(ctx, "", bidder("A"), 100)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "auction_id", verr.Field)

	_, err = e.bidding.PlaceBid(ctx, "a1", models.Bidder{}, 100)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bidder_id", verr.Field)
	assert.False(t, IsTransient(err))
}

func TestPlaceBid_NotLiveAndExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storetest.CreateAuction(t, e.store, "up", 100)
	storetest.CreateLiveAuction(t, e.store, "live", 100)

	out, err := e.bidding.PlaceBid(ctx, "up", bidder("A"), 500)
	require.NoError(t, err)
	assert.Equal(t, models.RejectAuctionNotLive, out.Reason)

	e.clock.Set(storetest.Base.Add(10*time.Minute - time.Millisecond))
	out, err = e.bidding.PlaceBid(ctx, "live", bidder("A"), 500)
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	e.clock.Set(storetest.Base.Add(10*time.Minute + time.Millisecond))
	out, err = e.bidding.PlaceBid(ctx, "live", bidder("B"), 900)
	require.NoError(t, err)
	assert.Equal(t, models.RejectAuctionExpired, out.Reason)
}

func TestPlaceBid_Errors(t *testing.T) {
	e := newEnv(t)

	_, err := e.bidding.PlaceBid(context.Background(), "missing", bidder("A"), 100)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, IsTransient(err))

	broken := NewBiddingService(brokenStore{e.store}, e.sink)
	_, err = broken.PlaceBid(context.Background(), "a1", bidder("A"), 100)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestPlaceBid_PublishFailureStillAccepts(t *testing.T) {
	e := newEnv(t)
	storetest.CreateLiveAuction(t, e.store, "a1", 1000)
	e.sink.Err = errors.New("nats: no responders")

	out, err := e.bidding.PlaceBid(context.Background(), "a1", bidder("A"), 1200)
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	a, err := e.store.Load(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), a.CurrentPrice)
}

func TestPlaceBid_TwoConcurrentHigherBids(t *testing.T) {
	e := newEnv(t)
	storetest.CreateLiveAuction(t, e.store, "a1", 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]*models.BidOutcome, 2)
	for i, b := range []struct {
		who    string
		amount int64
	}{{"A", 1200}, {"B", 1500}} {
		wg.Add(1)
		go func(i int, who string, amount int64) {
			defer wg.Done()
			out, err := e.bidding.PlaceBid(ctx, "a1", bidder(who), amount)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, b.who, b.amount)
	}
	wg.Wait()

	require.True(t, outcomes[1].Accepted)
	a, err := e.store.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), a.CurrentPrice)
	require.NotNil(t, a.HighestBidder)
	assert.Equal(t, "B", a.HighestBidder.ID)
}

func TestPlaceBid_ConcurrentFinalPriceIsMaxAccepted(t *testing.T) {
	e := newEnv(t)
	storetest.CreateLiveAuction(t, e.store, "a1", 100)
	ctx := context.Background()

	const bidders = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted []int64
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := int64(100 + (i*37)%bidders*10 + 10)
			out, err := e.bidding.PlaceBid(ctx, "a1", bidder(fmt.Sprintf("u%d", i)), amount)
			if !assert.NoError(t, err) {
				return
			}
			if out.Accepted {
				mu.Lock()
				accepted = append(accepted, amount)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, accepted)
	var highest int64
	for _, amount := range accepted {
		highest = max(highest, amount)
	}

	a, err := e.store.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, highest, a.CurrentPrice)
	assert.Len(t, a.Bids, len(accepted))
	for i := 1; i < len(a.Bids); i++ {
		assert.Greater(t, a.Bids[i].Amount, a.Bids[i-1].Amount)
	}
}

func TestCreateAuction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.auctions.CreateAuction(ctx, CreateAuctionRequest{
		Title:              "Lamp",
		StartingPrice:      500,
		ScheduledStartTime: storetest.Base.Add(time.Hour),
		DurationMinutes:    15,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, models.AuctionStatusUpcoming, a.Status)
	assert.Equal(t, []timerCall{{op: "schedule", auctionID: a.ID, phase: scheduler.PhaseStart, at: storetest.Base.Add(time.Hour)}}, e.timers.calls)

	got, err := e.auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lamp", got.Title)

	_, err = e.auctions.CreateAuction(ctx, CreateAuctionRequest{
		ID:                 a.ID,
		StartingPrice:      500,
		ScheduledStartTime: storetest.Base.Add(time.Hour),
		DurationMinutes:    15,
	})
	require.ErrorIs(t, err, ErrDuplicateAuction)
	assert.False(t, IsTransient(err))

	var verr *models.ValidationError
	_, err = e.auctions.CreateAuction(ctx, CreateAuctionRequest{
		StartingPrice:      500,
		ScheduledStartTime: storetest.Base.Add(time.Hour),
		DurationMinutes:    61,
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "duration_minutes", verr.Field)
}

func TestStartAndEndAuction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storetest.CreateAuction(t, e.store, "a1", 1000)

	e.clock.Set(storetest.Base.Add(30 * time.Second))
	a, err := e.auctions.StartAuction(ctx, "a1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusLive, a.Status)
	end := storetest.Base.Add(30*time.Second + 10*time.Minute)
	assert.True(t, a.EndTime.Equal(end))

	_, err = e.auctions.StartAuction(ctx, "a1", "admin-1")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = e.bidding.PlaceBid(ctx, "a1", bidder("W"), 1300)
	require.NoError(t, err)

	e.clock.Set(storetest.Base.Add(2 * time.Minute))
	a, err = e.auctions.EndAuction(ctx, "a1", "admin-2")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusClosed, a.Status)
	assert.True(t, a.ManuallyEnded)
	assert.Equal(t, "admin-2", a.EndedBy)
	require.NotNil(t, a.Winner)
	assert.Equal(t, "W", a.Winner.ID)
	assert.Equal(t, int64(1300), *a.FinalPrice)

	assert.Equal(t, []timerCall{
		{op: "cancel", auctionID: "a1", phase: scheduler.PhaseStart},
		{op: "schedule", auctionID: "a1", phase: scheduler.PhaseEnd, at: end},
		{op: "cancel", auctionID: "a1", phase: scheduler.PhaseEnd},
	}, e.timers.calls)

	assert.Equal(t, []models.EventKind{
		models.EventAuctionStarted,
		models.EventBidAccepted,
		models.EventAuctionEnded,
	}, e.sink.Kinds())
	started := e.sink.Events()[0].Payload.(models.AuctionStarted)
	assert.True(t, started.Manual)
	assert.Equal(t, "admin-1", started.StartedBy)

	_, err = e.auctions.EndAuction(ctx, "a1", "admin-2")
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCancelAuction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storetest.CreateLiveAuction(t, e.store, "a1", 1000)

	_, err := e.bidding.PlaceBid(ctx, "a1", bidder("A"), 1200)
	require.NoError(t, err)

	a, err := e.auctions.CancelAuction(ctx, "a1", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusCancelled, a.Status)
	assert.Nil(t, a.Winner)
	assert.Nil(t, a.FinalPrice)
	assert.Equal(t, "admin-1", a.CancelledBy)

	again, err := e.auctions.CancelAuction(ctx, "a1", "admin-2")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", again.CancelledBy)

	_, err = e.auctions.EndAuction(ctx, "a1", "admin-1")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	out, err := e.bidding.PlaceBid(ctx, "a1", bidder("B"), 5000)
	require.NoError(t, err)
	assert.Equal(t, models.RejectAuctionNotLive, out.Reason)

	assert.Equal(t, []models.EventKind{models.EventBidAccepted, models.EventAuctionCancelled}, e.sink.Kinds())
}

func TestCancelClosedAuction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storetest.CreateLiveAuction(t, e.store, "a1", 1000)

	_, err := e.auctions.EndAuction(ctx, "a1", "admin-1")
	require.NoError(t, err)

	_, err = e.auctions.CancelAuction(ctx, "a1", "admin-1")
	require.ErrorIs(t, err, models.ErrAlreadyClosed)
	assert.False(t, IsTransient(err))
}

func TestJoinAndLeave(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	storetest.CreateAuction(t, e.store, "a1", 1000)

	a, err := e.auctions.Join(ctx, "a1", "s1", bidder("A"))
	require.NoError(t, err)
	assert.Equal(t, 1, a.ParticipantCount())

	a, err = e.auctions.Join(ctx, "a1", "s2", bidder("B"))
	require.NoError(t, err)
	assert.Equal(t, 2, a.ParticipantCount())

	// rejoining with the same identity changes nothing
	_, err = e.auctions.Join(ctx, "a1", "s1", bidder("A"))
	require.NoError(t, err)

	a, err = e.auctions.Leave(ctx, "a1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.ParticipantCount())

	_, err = e.auctions.Leave(ctx, "a1", "s1")
	require.NoError(t, err)

	require.Equal(t, []models.EventKind{
		models.EventParticipantJoined,
		models.EventParticipantJoined,
		models.EventParticipantLeft,
	}, e.sink.Kinds())
	left := e.sink.Events()[2].Payload.(models.ParticipantLeft)
	assert.Equal(t, 1, left.ParticipantCount)

	_, err = e.auctions.Join(ctx, "missing", "s1", bidder("A"))
	require.ErrorIs(t, err, store.ErrNotFound)

	var verr *models.ValidationError
	_, err = e.auctions.Join(ctx, "a1", "", bidder("A"))
	require.ErrorAs(t, err, &verr)
}

func TestPlaceBid_EventSnapshotMatchesBid(t *testing.T) {
	e := newEnv(t)
	storetest.CreateLiveAuction(t, e.store, "a1", 100)
	e.clock.Set(storetest.Base.Add(time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.bidding.PlaceBid(context.Background(), "a1", bidder(fmt.Sprintf("u%d", i)), int64(101+i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := e.sink.Events()
	require.NotEmpty(t, events)
	for _, ev := range events {
		accepted := ev.Payload.(models.BidAccepted)
		require.NotNil(t, accepted.Auction)
		assert.Equal(t, accepted.Bid.Amount, accepted.Auction.CurrentPrice)
		assert.Equal(t, accepted.Bid.Bidder, *accepted.Auction.HighestBidder)
		assert.Equal(t, accepted.Bid.ID, accepted.Auction.Bids[len(accepted.Auction.Bids)-1].ID)
	}
}

func TestPlaceBid_AmountAboveFloatPrecision(t *testing.T) {
	e := newEnv(t)
	const start = int64(1) << 53
	storetest.CreateLiveAuction(t, e.store, "a1", start)
	e.clock.Set(storetest.Base.Add(time.Minute))

	out, err := e.bidding.PlaceBid(context.Background(), "a1", bidder("A"), start+1)
	require.NoError(t, err)
	assert.True(t, out.Accepted, "reason %q", out.Reason)
	assert.Equal(t, start+1, out.CurrentPrice)
}
