package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronwang/live-auction/shared/models"
)

var at = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeMsg struct {
	data  []byte
	acked bool
	naked bool
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "auction.events.a1" }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Nak() error      { m.naked = true; return nil }

type fakeArchive struct {
	bids      []models.Bid
	prices    []int64
	snapshots []*models.Auction
	err       error
}

func (f *fakeArchive) InsertBid(_ context.Context, _ string, bid models.Bid) error {
	if f.err != nil {
		return f.err
	}
	f.bids = append(f.bids, bid)
	return nil
}

func (f *fakeArchive) UpdateCurrentPrice(_ context.Context, _ string, price int64, _ models.Bidder) error {
	f.prices = append(f.prices, price)
	return nil
}

func (f *fakeArchive) UpsertAuction(_ context.Context, a *models.Auction) error {
	if f.err != nil {
		return f.err
	}
	f.snapshots = append(f.snapshots, a)
	return nil
}

func encode(t *testing.T, payload models.Payload) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(models.NewEvent("a1", payload, at))
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func closedAuction(t *testing.T) *models.Auction {
	t.Helper()
	a, err := models.NewAuction("a1", "Lamp", 100, at.Add(time.Minute), 5, at)
	require.NoError(t, err)
	_, err = a.Start(at.Add(time.Minute))
	require.NoError(t, err)
	_, err = a.End("", false, at.Add(6*time.Minute))
	require.NoError(t, err)
	return a
}

func TestHandleMessage_BidAccepted(t *testing.T) {
	archive := &fakeArchive{}
	c := newConsumer(nil, nil, archive, nil)

	bid := models.Bid{ID: "b1", Bidder: models.Bidder{ID: "u1", Name: "Ann"}, Amount: 150, Timestamp: at}
	msg := encode(t, models.BidAccepted{Bid: bid, PreviousPrice: 100})
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	require.Len(t, archive.bids, 1)
	assert.Equal(t, "b1", archive.bids[0].ID)
	assert.Equal(t, []int64{150}, archive.prices)
}

func TestHandleMessage_AuctionEnded(t *testing.T) {
	archive := &fakeArchive{}
	c := newConsumer(nil, nil, archive, nil)

	msg := encode(t, models.AuctionEnded{Auction: closedAuction(t)})
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	require.Len(t, archive.snapshots, 1)
	assert.Equal(t, models.AuctionStatusClosed, archive.snapshots[0].Status)
}

func TestHandleMessage_ArchiveFailureNaks(t *testing.T) {
	archive := &fakeArchive{err: errors.New("connection reset")}
	c := newConsumer(nil, nil, archive, nil)

	msg := encode(t, models.AuctionCancelled{Auction: closedAuction(t), CancelledBy: "admin"})
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.False(t, msg.acked)
}

func TestHandleMessage_PoisonMessageAcked(t *testing.T) {
	archive := &fakeArchive{}
	c := newConsumer(nil, nil, archive, nil)

	msg := &fakeMsg{data: []byte(`{"type":"mystery","data":{}}`)}
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.Empty(t, archive.bids)
}

func TestHandleMessage_PresenceIgnored(t *testing.T) {
	archive := &fakeArchive{}
	c := newConsumer(nil, nil, archive, nil)

	msg := encode(t, models.ParticipantJoined{SessionID: "s1", ParticipantCount: 1})
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Empty(t, archive.snapshots)
}

func TestHandleMessage_MissingSnapshotAcked(t *testing.T) {
	archive := &fakeArchive{}
	c := newConsumer(nil, nil, archive, nil)

	msg := encode(t, models.AuctionStarted{StartedAt: at})
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Empty(t, archive.snapshots)
}
