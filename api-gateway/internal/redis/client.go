package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/models"
)

// Bid commit strategies
const (
	// StrategyLua evaluates the bid predicate inside a server-side script
	StrategyLua = "lua"
	// StrategyOptimistic uses WATCH/MULTI and retries when the auction changes underneath
	StrategyOptimistic = "optimistic"
)

// maxOptimisticAttempts bounds WATCH retries for one bid under heavy contention
const maxOptimisticAttempts = 64

// bidScript is the atomic compare-and-set for a bid. It runs on the Redis
// server, so no other command can interleave between the checks and the writes.
//
// Prices are compared as decimal strings. Lua numbers are doubles and cannot
// tell int64 amounts above 2^53 apart.
var bidScript = redis.NewScript(`
	-- KEYS[1]: auction:{id}              (auction hash)
	-- KEYS[2]: auction:{id}:bids         (bid history list)
	-- KEYS[3]: auction:{id}:participants (presence hash)
	-- ARGV[1]: bid amount
	-- ARGV[2]: bid time (unix ms)
	-- ARGV[3]: bidder id
	-- ARGV[4]: bidder name
	-- ARGV[5]: encoded bid for the history list

	-- a and b are non-negative integers without leading zeros
	local function greater(a, b)
		if #a ~= #b then
			return #a > #b
		end
		return a > b
	end

	local state = redis.call('HMGET', KEYS[1], 'status', 'end_time_ms', 'current_price')
	if not state[1] then
		return {-1, '0'}
	end

	local current = state[3] or '0'
	if string.sub(ARGV[1], 1, 1) == '-' or ARGV[1] == '0' then
		return {4, current}
	end
	if state[1] ~= 'live' then
		return {2, current}
	end

	local ends = tonumber(state[2]) or 0
	if ends <= tonumber(ARGV[2]) then
		return {3, current}
	end

	-- Compare: new bid must be strictly higher than current
	if not greater(ARGV[1], current) then
		return {1, current}
	end

	redis.call('HSET', KEYS[1],
		'current_price', ARGV[1],
		'highest_bidder_id', ARGV[3],
		'highest_bidder_name', ARGV[4],
		'updated_at_ms', ARGV[2])
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	redis.call('RPUSH', KEYS[2], ARGV[5])

	-- snapshot as of this commit
	return {0, current,
		redis.call('HGETALL', KEYS[1]),
		redis.call('LRANGE', KEYS[2], 0, -1),
		redis.call('HGETALL', KEYS[3])}
`)

// script result codes
const (
	scriptNotFound      = -1
	scriptCommitted     = 0
	scriptTooLow        = 1
	scriptNotLive       = 2
	scriptExpired       = 3
	scriptInvalidAmount = 4
)

// Client wraps the Redis client with auction store operations
type Client struct {
	client   *redis.Client
	strategy string
}

var _ store.Store = (*Client)(nil)

// NewClient creates a new Redis client and verifies the connection
func NewClient(addr, password string, db int, strategy string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewClientFromRedis(rdb, strategy)
}

// NewClientFromRedis wraps an existing connection
func NewClientFromRedis(rdb *redis.Client, strategy string) (*Client, error) {
	switch strategy {
	case "":
		strategy = StrategyLua
	case StrategyLua, StrategyOptimistic:
	default:
		return nil, fmt.Errorf("unknown redis strategy %q", strategy)
	}

	return &Client{
		client:   rdb,
		strategy: strategy,
	}, nil
}

// Strategy returns the configured bid commit strategy
func (c *Client) Strategy() string {
	return c.strategy
}

// Load returns the auction with its bid history and participants
func (c *Client) Load(ctx context.Context, id string) (*models.Auction, error) {
	var (
		hashCmd         *redis.MapStringStringCmd
		bidsCmd         *redis.StringSliceCmd
		participantsCmd *redis.MapStringStringCmd
	)

	// MULTI/EXEC so the hash and history are read from the same point in time
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, auctionKey(id))
		bidsCmd = pipe.LRange(ctx, bidsKey(id), 0, -1)
		participantsCmd = pipe.HGetAll(ctx, participantsKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load auction %s: %w", id, err)
	}

	return decodeAuction(id, hashCmd, bidsCmd.Val(), participantsCmd.Val())
}

// LoadAllByStatus loads every auction indexed under status
func (c *Client) LoadAllByStatus(ctx context.Context, status models.AuctionStatus) ([]*models.Auction, error) {
	ids, err := c.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s auctions: %w", status, err)
	}

	var (
		auctions []*models.Auction
		errs     []error
	)
	for _, id := range ids {
		a, err := c.Load(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a.Status != status {
			continue
		}
		auctions = append(auctions, a)
	}

	return auctions, errors.Join(errs...)
}

// Create stores a new auction and indexes it by status
func (c *Client) Create(ctx context.Context, a *models.Auction) error {
	key := auctionKey(a.ID)

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: auction %s already exists", store.ErrConflict, a.ID)
		}

		rec := encodeAuction(a)
		rec.Version = 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, rec.fields())
			pipe.SAdd(ctx, statusKey(a.Status), a.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: auction %s created concurrently", store.ErrConflict, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create auction %s: %w", a.ID, err)
	}

	a.Version = 1
	return nil
}

// Save writes the auction hash if nobody changed it since it was loaded
func (c *Client) Save(ctx context.Context, a *models.Auction) error {
	if !a.Status.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidStatus, a.Status)
	}
	key := auctionKey(a.ID)

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.HMGet(ctx, key, "version", "status").Result()
		if err != nil {
			return err
		}
		if stored[0] == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, a.ID)
		}
		if fmt.Sprint(stored[0]) != fmt.Sprint(a.Version) {
			return fmt.Errorf("%w: auction %s at version %v, have %d", store.ErrConflict, a.ID, stored[0], a.Version)
		}

		rec := encodeAuction(a)
		rec.Version = a.Version + 1
		oldStatus := models.AuctionStatus(fmt.Sprint(stored[1]))

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, rec.fields())
			if oldStatus != a.Status {
				pipe.SRem(ctx, statusKey(oldStatus), a.ID)
				pipe.SAdd(ctx, statusKey(a.Status), a.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: auction %s changed during save", store.ErrConflict, a.ID)
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to save auction %s: %w", a.ID, err)
	}

	a.Version++
	return nil
}

// ConditionalBidUpdate atomically commits a bid using the configured strategy
func (c *Client) ConditionalBidUpdate(ctx context.Context, u store.BidUpdate) (*store.BidResult, error) {
	if c.strategy == StrategyOptimistic {
		return c.placeBidOptimistic(ctx, u)
	}
	return c.placeBidScript(ctx, u)
}

func (c *Client) placeBidScript(ctx context.Context, u store.BidUpdate) (*store.BidResult, error) {
	entry, err := encodeBid(bidFromUpdate(u))
	if err != nil {
		return nil, err
	}

	keys := []string{auctionKey(u.AuctionID), bidsKey(u.AuctionID), participantsKey(u.AuctionID)}
	result, err := bidScript.Run(ctx, c.client, keys,
		u.Amount, u.At.UnixMilli(), u.Bidder.ID, u.Bidder.Name, entry).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute bid script: %w", err)
	}

	// Result is [code, price before this bid] plus the snapshot on commit
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) < 2 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	code, ok := resultArray[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected script result code type %T", resultArray[0])
	}
	previous, err := scriptPrice(resultArray[1])
	if err != nil {
		return nil, err
	}

	res := &store.BidResult{PreviousPrice: previous, CurrentPrice: previous}
	switch code {
	case scriptNotFound:
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, u.AuctionID)
	case scriptCommitted:
		if len(resultArray) != 5 {
			return nil, fmt.Errorf("unexpected script result format")
		}
		a, err := scriptSnapshot(u.AuctionID, resultArray[2], resultArray[3], resultArray[4])
		if err != nil {
			return nil, err
		}
		res.Committed = true
		res.CurrentPrice = u.Amount
		res.Auction = a
	case scriptTooLow:
		res.Reason = models.RejectBidTooLow
	case scriptNotLive:
		res.Reason = models.RejectAuctionNotLive
	case scriptExpired:
		res.Reason = models.RejectAuctionExpired
	case scriptInvalidAmount:
		res.Reason = models.RejectInvalidAmount
	default:
		return nil, fmt.Errorf("unexpected bid script code %d", code)
	}
	return res, nil
}

func scriptPrice(v interface{}) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected script price type %T", v)
	}
	price, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stored price %q: %w", s, err)
	}
	return price, nil
}

// scriptSnapshot decodes the HGETALL and LRANGE replies returned by bidScript
func scriptSnapshot(id string, hash, bids, participants interface{}) (*models.Auction, error) {
	fields, err := scriptStrings(hash)
	if err != nil {
		return nil, err
	}
	entries, err := scriptStrings(bids)
	if err != nil {
		return nil, err
	}
	sessions, err := scriptStrings(participants)
	if err != nil {
		return nil, err
	}
	return decodeAuction(id,
		redis.NewMapStringStringResult(pairs(fields), nil),
		entries,
		pairs(sessions))
}

func scriptStrings(v interface{}) ([]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script reply type %T", v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply element type %T", item)
		}
		out[i] = s
	}
	return out, nil
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

// placeBidOptimistic applies the in-memory bid rules under WATCH. A failed
// EXEC means another writer committed first; the predicate is then evaluated
// again against the new state, so a higher bid still wins.
func (c *Client) placeBidOptimistic(ctx context.Context, u store.BidUpdate) (*store.BidResult, error) {
	key := auctionKey(u.AuctionID)

	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		var res *store.BidResult

		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			a, err := readAuction(ctx, tx, u.AuctionID)
			if err != nil {
				return err
			}

			previous := a.CurrentPrice
			b, reason := a.TryPlaceBid(u.BidID, u.Bidder, u.Amount, u.At)
			if reason != models.RejectNone {
				res = &store.BidResult{Reason: reason, PreviousPrice: previous, CurrentPrice: previous}
				return nil
			}

			entry, err := encodeBid(b)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key,
					"current_price", a.CurrentPrice,
					"highest_bidder_id", u.Bidder.ID,
					"highest_bidder_name", u.Bidder.Name,
					"updated_at_ms", u.At.UnixMilli())
				pipe.HIncrBy(ctx, key, "version", 1)
				pipe.RPush(ctx, bidsKey(u.AuctionID), entry)
				return nil
			})
			if err != nil {
				return err
			}

			a.Version++
			res = &store.BidResult{
				Committed:     true,
				PreviousPrice: previous,
				CurrentPrice:  a.CurrentPrice,
				Auction:       a,
			}
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to place bid: %w", err)
		}
		return res, nil
	}

	return nil, fmt.Errorf("bid on %s: %w after %d attempts", u.AuctionID, store.ErrConflict, maxOptimisticAttempts)
}

// AddParticipant stores a session in the presence hash
func (c *Client) AddParticipant(ctx context.Context, auctionID, session string, bidder models.Bidder) error {
	data, err := json.Marshal(bidder)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	if err := c.client.HSet(ctx, participantsKey(auctionID), session, data).Err(); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// RemoveParticipant deletes a session from the presence hash
func (c *Client) RemoveParticipant(ctx context.Context, auctionID, session string) error {
	if err := c.client.HDel(ctx, participantsKey(auctionID), session).Err(); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func readAuction(ctx context.Context, r hashReader, id string) (*models.Auction, error) {
	hashCmd := r.HGetAll(ctx, auctionKey(id))
	if err := hashCmd.Err(); err != nil {
		return nil, err
	}
	bids, err := r.LRange(ctx, bidsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	participants, err := r.HGetAll(ctx, participantsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeAuction(id, hashCmd, bids, participants)
}

func bidFromUpdate(u store.BidUpdate) models.Bid {
	return models.Bid{ID: u.BidID, Bidder: u.Bidder, Amount: u.Amount, Timestamp: u.At}
}

func auctionKey(id string) string      { return fmt.Sprintf("auction:%s", id) }
func bidsKey(id string) string         { return fmt.Sprintf("auction:%s:bids", id) }
func participantsKey(id string) string { return fmt.Sprintf("auction:%s:participants", id) }
func statusKey(s models.AuctionStatus) string {
	return fmt.Sprintf("auctions:status:%s", s)
}
