package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aaronwang/live-auction/shared/models"
)

// Publish sends an event to Redis Pub/Sub.
// This will be picked up by the broadcast service for real-time WebSocket updates
func (c *Client) Publish(ctx context.Context, event models.Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return c.client.Publish(ctx, models.RedisChannel(event.AuctionID), eventJSON).Err()
}
