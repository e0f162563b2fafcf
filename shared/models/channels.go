package models

import "strings"

// Channel and subject names shared by the publisher and its consumers
const (
	// RedisChannelPrefix prefixes the Pub/Sub channel of every auction
	RedisChannelPrefix = "auction_events:"
	// RedisChannelPattern subscribes to every auction
	RedisChannelPattern = RedisChannelPrefix + "*"
	// ArchiveStream is the JetStream stream holding events for archival
	ArchiveStream = "AUCTION_EVENTS"
	// ArchiveSubjectPrefix prefixes the JetStream subject of every auction
	ArchiveSubjectPrefix = "auction.events."
	// LiveSubjectPrefix prefixes the core NATS subject used for low latency fan-out
	LiveSubjectPrefix = "auction_events."
)

// RedisChannel returns the Pub/Sub channel for one auction
func RedisChannel(auctionID string) string {
	return RedisChannelPrefix + auctionID
}

// AuctionIDFromChannel extracts the auction ID from a Pub/Sub channel name.
// Example: "auction_events:abc" -> "abc"
func AuctionIDFromChannel(channel string) string {
	if !strings.HasPrefix(channel, RedisChannelPrefix) {
		return ""
	}
	return channel[len(RedisChannelPrefix):]
}

// ArchiveSubject returns the JetStream subject for one auction
func ArchiveSubject(auctionID string) string {
	return ArchiveSubjectPrefix + auctionID
}

// LiveSubject returns the core NATS subject for one auction
func LiveSubject(auctionID string) string {
	return LiveSubjectPrefix + auctionID
}
