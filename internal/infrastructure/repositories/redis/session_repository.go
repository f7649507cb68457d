package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

const (
	sessionKeyPrefix = KeyPrefix + "session:"
	sessionIndexKey  = KeyPrefix + "sessions"
)

// RedisSessionRepository keeps one JSON value per session plus a set
// indexing all ids. Values expire after ttl so records of crashed
// instances do not linger.
type RedisSessionRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) ports.SessionRepository {
	return &RedisSessionRepository{client: client, ttl: ttl}
}

func sessionKey(id domain.SessionID) string {
	return sessionKeyPrefix + string(id)
}

func (r *RedisSessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	if record == nil || record.ID == "" {
		return domain.ErrInvalidInput
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(record.ID), data, r.ttl)
	pipe.SAdd(ctx, sessionIndexKey, string(record.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}

	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &rec, nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, sessionIndexKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// List returns every stored record across instances, ordered by creation
// time. Ids whose value has expired are dropped from the index.
func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.SessionRecord, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.SessionRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	records, stale := decodeRecords(ids, values)
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, sessionIndexKey, stale...).Err()
	}
	return records, nil
}

// decodeRecords pairs MGET values with their ids. Missing or unreadable
// values are reported as stale.
func decodeRecords(ids []string, values []interface{}) ([]*domain.SessionRecord, []interface{}) {
	records := make([]*domain.SessionRecord, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec domain.SessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, stale
}
