// Package redis publishes ledger events to a Redis pub/sub channel so that
// out-of-process notification workers can subscribe to them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/points-engine/events"
)

const DefaultChannel = "points.events"

// Publisher writes JSON-encoded events to a channel.
type Publisher struct {
	client  goredis.UniversalClient
	channel string
}

// NewPublisher constructs a publisher. An empty channel uses DefaultChannel.
func NewPublisher(client goredis.UniversalClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish implements events.Publisher.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

var _ events.Publisher = (*Publisher)(nil)
