package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/freshfold/payrecon/payment"
)

// Redis publishes events on a pub/sub channel for the operator UI.
// Delivery is fire-and-forget; subscribers that are offline miss events and
// re-read the review queue on reconnect.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, e payment.Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Kind, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
