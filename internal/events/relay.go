package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "job-events:"

// ChannelName is the Redis pub/sub channel carrying events for one job.
func ChannelName(ev models.Event) string {
	return channelPrefix + ev.JobID.String()
}

// RedisRelay publishes events through Redis so that every server instance
// delivers them to its own local subscribers.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

// NewRedisRelay creates a relay that feeds hub from Redis.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, hub: hub, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelName(ev), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run forwards relayed events into the local hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to job events: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("discarding malformed relayed event",
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			r.hub.Broadcast(ev)
		}
	}
}
