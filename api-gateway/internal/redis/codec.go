package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/models"
)

// auctionRecord is the flat hash layout of auction:{id}. Times are unix
// milliseconds with 0 meaning unset.
type auctionRecord struct {
	ID                string `redis:"id"`
	Title             string `redis:"title"`
	Status            string `redis:"status"`
	StartingPrice     int64  `redis:"starting_price"`
	CurrentPrice      int64  `redis:"current_price"`
	ScheduledStartMs  int64  `redis:"scheduled_start_ms"`
	DurationMinutes   int    `redis:"duration_minutes"`
	ActualStartMs     int64  `redis:"actual_start_ms"`
	EndTimeMs         int64  `redis:"end_time_ms"`
	ActualEndMs       int64  `redis:"actual_end_ms"`
	HighestBidderID   string `redis:"highest_bidder_id"`
	HighestBidderName string `redis:"highest_bidder_name"`
	ManuallyEnded     bool   `redis:"manually_ended"`
	EndedBy           string `redis:"ended_by"`
	CancelledBy       string `redis:"cancelled_by"`
	WinnerID          string `redis:"winner_id"`
	WinnerName        string `redis:"winner_name"`
	HasFinalPrice     bool   `redis:"has_final_price"`
	FinalPrice        int64  `redis:"final_price"`
	Version           int64  `redis:"version"`
	CreatedAtMs       int64  `redis:"created_at_ms"`
	UpdatedAtMs       int64  `redis:"updated_at_ms"`
}

func (r auctionRecord) fields() map[string]interface{} {
	return map[string]interface{}{
		"id":                  r.ID,
		"title":               r.Title,
		"status":              r.Status,
		"starting_price":      r.StartingPrice,
		"current_price":       r.CurrentPrice,
		"scheduled_start_ms":  r.ScheduledStartMs,
		"duration_minutes":    r.DurationMinutes,
		"actual_start_ms":     r.ActualStartMs,
		"end_time_ms":         r.EndTimeMs,
		"actual_end_ms":       r.ActualEndMs,
		"highest_bidder_id":   r.HighestBidderID,
		"highest_bidder_name": r.HighestBidderName,
		"manually_ended":      r.ManuallyEnded,
		"ended_by":            r.EndedBy,
		"cancelled_by":        r.CancelledBy,
		"winner_id":           r.WinnerID,
		"winner_name":         r.WinnerName,
		"has_final_price":     r.HasFinalPrice,
		"final_price":         r.FinalPrice,
		"version":             r.Version,
		"created_at_ms":       r.CreatedAtMs,
		"updated_at_ms":       r.UpdatedAtMs,
	}
}

func encodeAuction(a *models.Auction) auctionRecord {
	rec := auctionRecord{
		ID:               a.ID,
		Title:            a.Title,
		Status:           string(a.Status),
		StartingPrice:    a.StartingPrice,
		CurrentPrice:     a.CurrentPrice,
		ScheduledStartMs: a.ScheduledStartTime.UnixMilli(),
		DurationMinutes:  a.DurationMinutes,
		ActualStartMs:    toMillis(a.ActualStartTime),
		EndTimeMs:        toMillis(a.EndTime),
		ActualEndMs:      toMillis(a.ActualEndTime),
		ManuallyEnded:    a.ManuallyEnded,
		EndedBy:          a.EndedBy,
		CancelledBy:      a.CancelledBy,
		Version:          a.Version,
		CreatedAtMs:      a.CreatedAt.UnixMilli(),
		UpdatedAtMs:      a.UpdatedAt.UnixMilli(),
	}
	if a.HighestBidder != nil {
		rec.HighestBidderID = a.HighestBidder.ID
		rec.HighestBidderName = a.HighestBidder.Name
	}
	if a.Winner != nil {
		rec.WinnerID = a.Winner.ID
		rec.WinnerName = a.Winner.Name
	}
	if a.FinalPrice != nil {
		rec.HasFinalPrice = true
		rec.FinalPrice = *a.FinalPrice
	}
	return rec
}

func decodeAuction(id string, hash *redis.MapStringStringCmd, bids []string, participants map[string]string) (*models.Auction, error) {
	if len(hash.Val()) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	var rec auctionRecord
	if err := hash.Scan(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode auction %s: %w", id, err)
	}

	status, err := models.ParseAuctionStatus(rec.Status)
	if err != nil {
		return nil, fmt.Errorf("auction %s: %w", id, err)
	}

	a := &models.Auction{
		ID:                 rec.ID,
		Title:              rec.Title,
		Status:             status,
		StartingPrice:      rec.StartingPrice,
		CurrentPrice:       rec.CurrentPrice,
		ScheduledStartTime: time.UnixMilli(rec.ScheduledStartMs).UTC(),
		DurationMinutes:    rec.DurationMinutes,
		ActualStartTime:    fromMillis(rec.ActualStartMs),
		EndTime:            fromMillis(rec.EndTimeMs),
		ActualEndTime:      fromMillis(rec.ActualEndMs),
		ManuallyEnded:      rec.ManuallyEnded,
		EndedBy:            rec.EndedBy,
		CancelledBy:        rec.CancelledBy,
		Version:            rec.Version,
		CreatedAt:          time.UnixMilli(rec.CreatedAtMs).UTC(),
		UpdatedAt:          time.UnixMilli(rec.UpdatedAtMs).UTC(),
		Bids:               make([]models.Bid, 0, len(bids)),
		Participants:       make(map[string]models.Bidder, len(participants)),
	}
	if rec.HighestBidderID != "" {
		a.HighestBidder = &models.Bidder{ID: rec.HighestBidderID, Name: rec.HighestBidderName}
	}
	if rec.WinnerID != "" {
		a.Winner = &models.Bidder{ID: rec.WinnerID, Name: rec.WinnerName}
	}
	if rec.HasFinalPrice {
		price := rec.FinalPrice
		a.FinalPrice = &price
	}

	for i, raw := range bids {
		var b models.Bid
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("failed to decode bid %d of auction %s: %w", i, id, err)
		}
		a.Bids = append(a.Bids, b)
	}

	for session, raw := range participants {
		var b models.Bidder
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("failed to decode participant %s of auction %s: %w", session, id, err)
		}
		a.Participants[session] = b
	}

	return a, nil
}

func encodeBid(b models.Bid) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bid: %w", err)
	}
	return string(data), nil
}

func toMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
