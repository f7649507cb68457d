package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	instanceKeyPrefix = "sfusignal:instance:"
	instanceIndexKey  = "sfusignal:instances"
)

// InstanceInfo is the heartbeat one signaling instance publishes.
type InstanceInfo struct {
	ID        string    `json:"id"`
	Sessions  int       `json:"sessions"`
	Routers   int       `json:"routers"`
	Healthy   bool      `json:"healthy"`
	StartedAt time.Time `json:"started_at"`
	SeenAt    time.Time `json:"seen_at"`
}

// InstanceRegistry keeps a heartbeat key per running instance. A key
// expires after three missed heartbeats.
type InstanceRegistry struct {
	client     *redis.Client
	instanceID string
	startedAt  time.Time
	interval   time.Duration
	logger     *zap.SugaredLogger
}

func NewInstanceRegistry(client *redis.Client, instanceID string, interval time.Duration, logger *zap.SugaredLogger) *InstanceRegistry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &InstanceRegistry{
		client:     client,
		instanceID: instanceID,
		startedAt:  time.Now(),
		interval:   interval,
		logger:     logger,
	}
}

func instanceKey(id string) string {
	return instanceKeyPrefix + id
}

// Heartbeat writes the current info once.
func (r *InstanceRegistry) Heartbeat(ctx context.Context, info InstanceInfo) error {
	info.ID = r.instanceID
	info.StartedAt = r.startedAt
	info.SeenAt = time.Now()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal instance info: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, instanceKey(r.instanceID), data, 3*r.interval)
	pipe.SAdd(ctx, instanceIndexKey, r.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// Run sends a heartbeat every interval until ctx is done, then removes
// the instance.
func (r *InstanceRegistry) Run(ctx context.Context, stats func() InstanceInfo) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		hbCtx, cancel := context.WithTimeout(ctx, r.interval)
		if err := r.Heartbeat(hbCtx, stats()); err != nil {
			r.logger.Warnw("Instance heartbeat failed", "error", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			r.deregister()
			return
		case <-ticker.C:
		}
	}
}

func (r *InstanceRegistry) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, instanceKey(r.instanceID))
	pipe.SRem(ctx, instanceIndexKey, r.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warnw("Failed to deregister instance", "error", err)
	}
}

// List returns the live instances ordered by id. Expired ids are dropped
// from the index.
func (r *InstanceRegistry) List(ctx context.Context) ([]InstanceInfo, error) {
	ids, err := r.client.SMembers(ctx, instanceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	if len(ids) == 0 {
		return []InstanceInfo{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instanceKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}

	out := make([]InstanceInfo, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var info InstanceInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, info)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, instanceIndexKey, stale...).Err()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
