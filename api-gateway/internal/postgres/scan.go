package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aaronwang/live-auction/shared/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (*models.Auction, error) {
	var (
		a                               models.Auction
		status                          string
		actualStart, endTime, actualEnd sql.NullTime
		leaderID, leaderName            sql.NullString
		endedBy, cancelledBy            sql.NullString
		winnerID, winnerName            sql.NullString
		finalPrice                      sql.NullInt64
	)

	err := row.Scan(
		&a.ID, &a.Title, &status, &a.StartingPrice, &a.CurrentPrice, &a.ScheduledStartTime,
		&a.DurationMinutes, &actualStart, &endTime, &actualEnd,
		&leaderID, &leaderName, &a.ManuallyEnded, &endedBy,
		&cancelledBy, &winnerID, &winnerName, &finalPrice, &a.Version,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st, err := models.ParseAuctionStatus(status)
	if err != nil {
		return nil, fmt.Errorf("auction %s: %w", a.ID, err)
	}
	a.Status = st
	a.ActualStartTime = timePtr(actualStart)
	a.EndTime = timePtr(endTime)
	a.ActualEndTime = timePtr(actualEnd)
	a.EndedBy = endedBy.String
	a.CancelledBy = cancelledBy.String
	if leaderID.Valid && leaderID.String != "" {
		a.HighestBidder = &models.Bidder{ID: leaderID.String, Name: leaderName.String}
	}
	if winnerID.Valid && winnerID.String != "" {
		a.Winner = &models.Bidder{ID: winnerID.String, Name: winnerName.String}
	}
	if finalPrice.Valid {
		p := finalPrice.Int64
		a.FinalPrice = &p
	}
	a.Bids = []models.Bid{}
	a.Participants = map[string]models.Bidder{}

	return &a, nil
}

func loadBids(ctx context.Context, tx *sql.Tx, a *models.Auction) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, bidder_id, bidder_name, amount, placed_at
		FROM auction_bids
		WHERE auction_id = $1
		ORDER BY seq
	`, a.ID)
	if err != nil {
		return fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.Bidder.ID, &b.Bidder.Name, &b.Amount, &b.Timestamp); err != nil {
			return fmt.Errorf("failed to scan bid: %w", err)
		}
		a.Bids = append(a.Bids, b)
	}
	return rows.Err()
}

func loadParticipants(ctx context.Context, tx *sql.Tx, a *models.Auction) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT session_id, bidder_id, bidder_name
		FROM auction_participants
		WHERE auction_id = $1
	`, a.ID)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var session string
		var b models.Bidder
		if err := rows.Scan(&session, &b.ID, &b.Name); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		a.Participants[session] = b
	}
	return rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
