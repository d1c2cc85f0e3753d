package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	// EventsChannel carries every role change event as JSON.
	EventsChannel = "steward:events"
	// RolesChangedChannel carries bare account IDs whose effective roles
	// changed, for cheap cache invalidation on subscribers.
	RolesChangedChannel = "steward:roles:changed"
)

// RedisPublisher broadcasts events over Redis pub/sub. Fire and forget:
// publish failures are logged, never surfaced, and delivery is at most once.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher constructs a publisher on the given client.
func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("marshal event", slog.Any("error", err))
		return
	}
	if err := p.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		p.logger.Warn("publish event", slog.String("kind", string(evt.Kind)), slog.Any("error", err))
	}
	if evt.UserID == 0 {
		return
	}
	switch evt.Kind {
	case EventRoleAssigned, EventRoleRemoved, EventRolesSynced:
		if err := p.client.Publish(ctx, RolesChangedChannel, strconv.FormatInt(evt.UserID, 10)).Err(); err != nil {
			p.logger.Warn("publish roles changed", slog.Int64("user_id", evt.UserID), slog.Any("error", err))
		}
	}
}
