package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "sfusignal:events"

// RedisEventBus shares lifecycle events between signaling instances over
// Redis pub/sub. Subscribers never see their own instance's events.
type RedisEventBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

var _ ports.EventBus = (*RedisEventBus)(nil)

func NewRedisEventBus(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *RedisEventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisEventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (eb *RedisEventBus) Publish(ctx context.Context, event *domain.ClusterEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("Published event",
		"type", event.Type,
		"session_id", event.SessionID,
		"producer_id", event.ProducerID,
	)
	return nil
}

// Subscribe blocks, calling handler for every event from other instances
// until ctx is done or the bus is closed.
func (eb *RedisEventBus) Subscribe(ctx context.Context, handler func(*domain.ClusterEvent) error) error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return fmt.Errorf("event bus closed")
	}
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *RedisEventBus) dispatch(payload string, handler func(*domain.ClusterEvent) error) {
	var event domain.ClusterEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("Failed to unmarshal event", "error", err, "payload", payload)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}
	if err := handler(&event); err != nil {
		eb.logger.Warnw("Error handling event", "type", event.Type, "error", err)
	}
}

func (eb *RedisEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.closed = true
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
