package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"sfusignal/internal/core/ports"
)

var errNoWorker = errors.New("no running worker")

// AddRedisCheck is optional: repositories keep working from memory and
// the event bus only loses remote events while Redis is away.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddOptionalCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, timeout time.Duration) {
	h.AddOptionalCheck("session_store", func(ctx context.Context) error {
		_, err := repo.List(ctx)
		return err
	}, timeout)
}

// WorkerPool is the part of the worker supervisor the checks need.
type WorkerPool interface {
	Healthy() bool
}

// AddWorkerCheck is critical: without a running worker no router can be
// created.
func (h *HealthChecker) AddWorkerCheck(pool WorkerPool) {
	h.AddCheck("workers", func(context.Context) error {
		if !pool.Healthy() {
			return errNoWorker
		}
		return nil
	}, time.Second)
}
