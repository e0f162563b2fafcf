package models

import (
	"encoding/json"
	"time"
)

// Bid represents a single committed bid on an auction
type Bid struct {
	ID        string    `json:"id"`
	Bidder    Bidder    `json:"bidder"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// RejectReason explains why a bid was not committed
type RejectReason string

// RejectReason constants
const (
	RejectNone           RejectReason = ""
	RejectBidTooLow      RejectReason = "bid_too_low"
	RejectAuctionNotLive RejectReason = "auction_not_live"
	RejectAuctionExpired RejectReason = "auction_expired"
	RejectInvalidAmount  RejectReason = "invalid_amount"
)

// Message returns a human readable explanation for API responses
func (r RejectReason) Message() string {
	switch r {
	case RejectBidTooLow:
		return "Bid must be higher than the current price"
	case RejectAuctionNotLive:
		return "Auction is not live"
	case RejectAuctionExpired:
		return "Auction has expired"
	case RejectInvalidAmount:
		return "Bid amount must be a positive integer"
	}
	return ""
}

// BidOutcome is the result of one pass through the bid acceptance protocol.
// Exactly one of Accepted or a non-empty Reason holds.
type BidOutcome struct {
	Accepted      bool         `json:"accepted"`
	Reason        RejectReason `json:"reason,omitempty"`
	CurrentPrice  int64        `json:"current_price"`
	HighestBidder *Bidder      `json:"highest_bidder,omitempty"`
	Bid           *Bid         `json:"bid,omitempty"`
	Auction       *Auction     `json:"-"`
}

// BidRequest represents the incoming bid request from API.
// Amount is kept as a JSON number so fractional values can be rejected.
type BidRequest struct {
	BidderID   string      `json:"bidder_id"`
	BidderName string      `json:"bidder_name"`
	Amount     json.Number `json:"amount"`
}

// BidResponse represents the API response after placing a bid
type BidResponse struct {
	Success       bool         `json:"success"`
	Message       string       `json:"message"`
	Reason        RejectReason `json:"reason,omitempty"`
	CurrentPrice  int64        `json:"current_price"`
	YourBid       int64        `json:"your_bid"`
	IsHighest     bool         `json:"is_highest"`
	HighestBidder *Bidder      `json:"highest_bidder,omitempty"`
}
