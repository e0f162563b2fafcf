package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aaronwang/live-auction/shared/models"
)

// PostgresClient writes the long-term auction archive. The archive tables are
// separate from the API gateway's live tables so both may share a database.
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewFromDB(db), nil
}

// NewFromDB wraps an existing connection pool
func NewFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_auctions (
		id VARCHAR(255) PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		starting_price BIGINT NOT NULL DEFAULT 0,
		current_price BIGINT NOT NULL DEFAULT 0,
		highest_bidder_id VARCHAR(255),
		highest_bidder_name VARCHAR(255),
		actual_start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		actual_end_time TIMESTAMPTZ,
		manually_ended BOOLEAN NOT NULL DEFAULT FALSE,
		ended_by VARCHAR(255),
		cancelled_by VARCHAR(255),
		winner_id VARCHAR(255),
		winner_name VARCHAR(255),
		final_price BIGINT,
		version BIGINT NOT NULL DEFAULT 0,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS archived_bids (
		id VARCHAR(255) PRIMARY KEY,
		auction_id VARCHAR(255) NOT NULL,
		bidder_id VARCHAR(255) NOT NULL,
		bidder_name VARCHAR(255) NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		placed_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_archived_bids_auction_id ON archived_bids(auction_id);
	CREATE INDEX IF NOT EXISTS idx_archived_bids_bidder_id ON archived_bids(bidder_id);
	CREATE INDEX IF NOT EXISTS idx_archived_bids_placed_at ON archived_bids(placed_at);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// InsertBid records a committed bid. Redelivered bids are ignored.
func (c *PostgresClient) InsertBid(ctx context.Context, auctionID string, bid models.Bid) error {
	query := `
		INSERT INTO archived_bids (id, auction_id, bidder_id, bidder_name, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := c.db.ExecContext(ctx, query,
		bid.ID,
		auctionID,
		bid.Bidder.ID,
		bid.Bidder.Name,
		bid.Amount,
		bid.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}

	return nil
}

// UpdateCurrentPrice raises the archived price and leader of an auction,
// creating a placeholder row when the auction has not been archived yet.
// Prices only move up, so events applied out of order cannot lower them.
func (c *PostgresClient) UpdateCurrentPrice(ctx context.Context, auctionID string, price int64, leader models.Bidder) error {
	query := `
		INSERT INTO archived_auctions (id, status, current_price, highest_bidder_id, highest_bidder_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET current_price = EXCLUDED.current_price,
		    highest_bidder_id = EXCLUDED.highest_bidder_id,
		    highest_bidder_name = EXCLUDED.highest_bidder_name,
		    archived_at = NOW()
		WHERE archived_auctions.current_price < EXCLUDED.current_price
	`

	_, err := c.db.ExecContext(ctx, query, auctionID, string(models.AuctionStatusLive), price, leader.ID, leader.Name)
	if err != nil {
		return fmt.Errorf("failed to update auction price: %w", err)
	}

	return nil
}

// UpsertAuction stores a full auction snapshot unless a newer version is
// already archived
func (c *PostgresClient) UpsertAuction(ctx context.Context, a *models.Auction) error {
	query := `
		INSERT INTO archived_auctions (
			id, title, status, starting_price, current_price,
			highest_bidder_id, highest_bidder_name, actual_start_time, end_time, actual_end_time,
			manually_ended, ended_by, cancelled_by, winner_id, winner_name, final_price, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    status = EXCLUDED.status,
		    starting_price = EXCLUDED.starting_price,
		    current_price = GREATEST(archived_auctions.current_price, EXCLUDED.current_price),
		    highest_bidder_id = COALESCE(EXCLUDED.highest_bidder_id, archived_auctions.highest_bidder_id),
		    highest_bidder_name = COALESCE(EXCLUDED.highest_bidder_name, archived_auctions.highest_bidder_name),
		    actual_start_time = EXCLUDED.actual_start_time,
		    end_time = EXCLUDED.end_time,
		    actual_end_time = EXCLUDED.actual_end_time,
		    manually_ended = EXCLUDED.manually_ended,
		    ended_by = EXCLUDED.ended_by,
		    cancelled_by = EXCLUDED.cancelled_by,
		    winner_id = EXCLUDED.winner_id,
		    winner_name = EXCLUDED.winner_name,
		    final_price = EXCLUDED.final_price,
		    version = EXCLUDED.version,
		    archived_at = NOW()
		WHERE archived_auctions.version <= EXCLUDED.version
	`

	var leaderID, leaderName, winnerID, winnerName sql.NullString
	if a.HighestBidder != nil {
		leaderID = sql.NullString{String: a.HighestBidder.ID, Valid: true}
		leaderName = sql.NullString{String: a.HighestBidder.Name, Valid: true}
	}
	if a.Winner != nil {
		winnerID = sql.NullString{String: a.Winner.ID, Valid: true}
		winnerName = sql.NullString{String: a.Winner.Name, Valid: true}
	}
	var finalPrice sql.NullInt64
	if a.FinalPrice != nil {
		finalPrice = sql.NullInt64{Int64: *a.FinalPrice, Valid: true}
	}

	_, err := c.db.ExecContext(ctx, query,
		a.ID, a.Title, string(a.Status), a.StartingPrice, a.CurrentPrice,
		leaderID, leaderName, nullTime(a.ActualStartTime), nullTime(a.EndTime), nullTime(a.ActualEndTime),
		a.ManuallyEnded, nullString(a.EndedBy), nullString(a.CancelledBy), winnerID, winnerName, finalPrice, a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert auction %s: %w", a.ID, err)
	}

	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
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
