// Package bus wraps the Redis pub/sub fabric that carries every
// cross-instance signal: WS route channels, system event channels,
// board sync fan-out, and the governor's advisory lock.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// Channel builders. Every publisher and subscriber goes through these
// so the naming scheme lives in one place.

// UserRoute is the per-user WS delivery channel.
func UserRoute(userID string) string {
	return "ws:route:user:" + userID
}

// GatewayRoute is the per-gateway WS delivery channel.
func GatewayRoute(gatewayID string) string {
	return "ws:route:gateway:" + gatewayID
}

// OrgEvents is the org-scoped system event channel.
func OrgEvents(orgID string) string {
	return "mc:events:" + orgID
}

// BoardEvents is the board-scoped system event channel.
func BoardEvents(orgID, boardID string) string {
	return "mc:events:" + orgID + ":" + boardID
}

// BoardSync is the board real-time sync channel.
func BoardSync(boardID string) string {
	return "board_sync:" + boardID
}

// EventsPattern matches every org and board event channel.
func EventsPattern() string {
	return "mc:events:*"
}

// Bus is a thin typed facade over a Redis client.
type Bus struct {
	rdb redis.UniversalClient
}

// New creates a Bus on an existing client. The caller owns the client's
// lifecycle.
func New(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb}
}

// Publish JSON-marshals v and publishes it on channel. Returns the
// number of subscribers that received the message.
func (b *Bus) Publish(ctx context.Context, channel string, v any) (int64, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		metrics.BusPublishTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("marshal publish payload: %w", err)
	}
	return b.PublishRaw(ctx, channel, raw)
}

// PublishRaw publishes pre-encoded bytes on channel. Returns the number
// of subscribers that received the message; routing code uses a zero
// count to detect that nobody anywhere holds the target connection.
func (b *Bus) PublishRaw(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := b.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		metrics.BusPublishTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("publish to %s: %w", channel, err)
	}
	metrics.BusPublishTotal.WithLabelValues("ok").Inc()
	return n, nil
}

// Subscribe opens a subscription on exact channel names. Consumers read
// from .Channel() and must Close the subscription when done; closing is
// how a consumer goroutine gets unblocked on shutdown.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channels...)
}

// PSubscribe opens a pattern subscription.
func (b *Bus) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return b.rdb.PSubscribe(ctx, patterns...)
}

// Ping verifies the Redis connection. Used at startup and by the
// readiness probe.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
