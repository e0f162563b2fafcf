package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/models"
)

// Store implements store.Store on PostgreSQL. Row-level locking inside a
// single UPDATE statement serializes concurrent bids on one auction.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and creates the schema
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db)
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the auction tables
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS auctions (
		id VARCHAR(255) PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		starting_price BIGINT NOT NULL,
		current_price BIGINT NOT NULL,
		scheduled_start_time TIMESTAMPTZ NOT NULL,
		duration_minutes INTEGER NOT NULL,
		actual_start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		actual_end_time TIMESTAMPTZ,
		highest_bidder_id VARCHAR(255),
		highest_bidder_name VARCHAR(255),
		manually_ended BOOLEAN NOT NULL DEFAULT FALSE,
		ended_by VARCHAR(255),
		cancelled_by VARCHAR(255),
		winner_id VARCHAR(255),
		winner_name VARCHAR(255),
		final_price BIGINT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auction_bids (
		seq BIGSERIAL PRIMARY KEY,
		id VARCHAR(255) NOT NULL UNIQUE,
		auction_id VARCHAR(255) NOT NULL REFERENCES auctions(id) ON DELETE CASCADE,
		bidder_id VARCHAR(255) NOT NULL,
		bidder_name VARCHAR(255) NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		placed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auction_participants (
		auction_id VARCHAR(255) NOT NULL REFERENCES auctions(id) ON DELETE CASCADE,
		session_id VARCHAR(255) NOT NULL,
		bidder_id VARCHAR(255) NOT NULL,
		bidder_name VARCHAR(255) NOT NULL DEFAULT '',
		PRIMARY KEY (auction_id, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_auctions_status ON auctions(status);
	CREATE INDEX IF NOT EXISTS idx_auction_bids_auction ON auction_bids(auction_id, seq);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const selectAuction = `
	SELECT id, title, status, starting_price, current_price, scheduled_start_time,
	       duration_minutes, actual_start_time, end_time, actual_end_time,
	       highest_bidder_id, highest_bidder_name, manually_ended, ended_by,
	       cancelled_by, winner_id, winner_name, final_price, version,
	       created_at, updated_at
	FROM auctions
	WHERE id = $1
`

// Load reads the auction, its bid history and participants in one snapshot
func (s *Store) Load(ctx context.Context, id string) (*models.Auction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin load: %w", err)
	}
	defer tx.Rollback()

	a, err := loadAuction(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish load: %w", err)
	}
	return a, nil
}

func loadAuction(ctx context.Context, tx *sql.Tx, id string) (*models.Auction, error) {
	a, err := scanAuction(tx.QueryRowContext(ctx, selectAuction, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auction %s: %w", id, err)
	}

	if err := loadBids(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := loadParticipants(ctx, tx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadAllByStatus loads every auction in status
func (s *Store) LoadAllByStatus(ctx context.Context, status models.AuctionStatus) ([]*models.Auction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM auctions WHERE status = $1 ORDER BY scheduled_start_time`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s auctions: %w", status, err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s auctions: %w", status, err)
	}

	var (
		auctions []*models.Auction
		errs     []error
	)
	for _, id := range ids {
		a, err := s.Load(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a.Status == status {
			auctions = append(auctions, a)
		}
	}
	return auctions, errors.Join(errs...)
}

// Create inserts a new auction
func (s *Store) Create(ctx context.Context, a *models.Auction) error {
	query := `
		INSERT INTO auctions (id, title, status, starting_price, current_price,
			scheduled_start_time, duration_minutes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		a.ID, a.Title, string(a.Status), a.StartingPrice, a.CurrentPrice,
		a.ScheduledStartTime, a.DurationMinutes, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create auction %s: %w", a.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: auction %s already exists", store.ErrConflict, a.ID)
	}

	a.Version = 1
	return nil
}

// Save writes the auction row when the stored version still matches
func (s *Store) Save(ctx context.Context, a *models.Auction) error {
	if !a.Status.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidStatus, a.Status)
	}

	query := `
		UPDATE auctions
		SET title = $3, status = $4, current_price = $5, actual_start_time = $6,
		    end_time = $7, actual_end_time = $8, highest_bidder_id = $9,
		    highest_bidder_name = $10, manually_ended = $11, ended_by = $12,
		    cancelled_by = $13, winner_id = $14, winner_name = $15, final_price = $16,
		    updated_at = $17, version = version + 1
		WHERE id = $1 AND version = $2
	`

	var leaderID, leaderName, winnerID, winnerName sql.NullString
	if a.HighestBidder != nil {
		leaderID = nullString(a.HighestBidder.ID)
		leaderName = sql.NullString{String: a.HighestBidder.Name, Valid: true}
	}
	if a.Winner != nil {
		winnerID = nullString(a.Winner.ID)
		winnerName = sql.NullString{String: a.Winner.Name, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query,
		a.ID, a.Version, a.Title, string(a.Status), a.CurrentPrice,
		nullTime(a.ActualStartTime), nullTime(a.EndTime), nullTime(a.ActualEndTime),
		leaderID, leaderName, a.ManuallyEnded, nullString(a.EndedBy),
		nullString(a.CancelledBy), winnerID, winnerName, nullInt(a.FinalPrice),
		a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save auction %s: %w", a.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, a.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check auction %s: %w", a.ID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", store.ErrNotFound, a.ID)
		}
		return fmt.Errorf("%w: auction %s is no longer at version %d", store.ErrConflict, a.ID, a.Version)
	}

	a.Version++
	return nil
}

// ConditionalBidUpdate commits the bid with a single guarded UPDATE. The row
// lock taken by the subselect makes concurrent bids on the same auction queue
// behind each other, and each one re-evaluates the guard against the price
// the previous one committed. The returned snapshot is read while the lock is
// still held.
func (s *Store) ConditionalBidUpdate(ctx context.Context, u store.BidUpdate) (*store.BidResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin bid: %w", err)
	}
	defer tx.Rollback()

	var previous int64
	err = tx.QueryRowContext(ctx, `
		UPDATE auctions AS a
		SET current_price = $1, highest_bidder_id = $2, highest_bidder_name = $3,
		    updated_at = $4, version = a.version + 1
		FROM (SELECT id, current_price FROM auctions WHERE id = $5 FOR UPDATE) AS prev
		WHERE a.id = prev.id
		  AND a.status = 'live'
		  AND a.end_time > $4
		  AND a.current_price < $1
		RETURNING prev.current_price
	`, u.Amount, u.Bidder.ID, u.Bidder.Name, u.At, u.AuctionID).Scan(&previous)

	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyRejection(ctx, tx, u)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply bid: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auction_bids (id, auction_id, bidder_id, bidder_name, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.BidID, u.AuctionID, u.Bidder.ID, u.Bidder.Name, u.Amount, u.At)
	if err != nil {
		return nil, fmt.Errorf("failed to record bid: %w", err)
	}

	a, err := loadAuction(ctx, tx, u.AuctionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bid: %w", err)
	}

	return &store.BidResult{
		Committed:     true,
		PreviousPrice: previous,
		CurrentPrice:  u.Amount,
		Auction:       a,
	}, nil
}

// classifyRejection explains why the guarded UPDATE matched no row. The
// decision was already made atomically; this read only picks the reason.
func (s *Store) classifyRejection(ctx context.Context, tx *sql.Tx, u store.BidUpdate) (*store.BidResult, error) {
	var (
		status  string
		endTime sql.NullTime
		current int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, end_time, current_price FROM auctions WHERE id = $1`, u.AuctionID,
	).Scan(&status, &endTime, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, u.AuctionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read auction state: %w", err)
	}

	res := &store.BidResult{PreviousPrice: current, CurrentPrice: current}
	switch {
	case u.Amount <= 0:
		res.Reason = models.RejectInvalidAmount
	case models.AuctionStatus(status) != models.AuctionStatusLive:
		res.Reason = models.RejectAuctionNotLive
	case !endTime.Valid || !endTime.Time.After(u.At):
		res.Reason = models.RejectAuctionExpired
	default:
		res.Reason = models.RejectBidTooLow
	}
	return res, nil
}

// AddParticipant upserts a session into the presence table
func (s *Store) AddParticipant(ctx context.Context, auctionID, session string, bidder models.Bidder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auction_participants (auction_id, session_id, bidder_id, bidder_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (auction_id, session_id)
		DO UPDATE SET bidder_id = EXCLUDED.bidder_id, bidder_name = EXCLUDED.bidder_name
	`, auctionID, session, bidder.ID, bidder.Name)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// RemoveParticipant deletes a session from the presence table
func (s *Store) RemoveParticipant(ctx context.Context, auctionID, session string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auction_participants WHERE auction_id = $1 AND session_id = $2`, auctionID, session)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
