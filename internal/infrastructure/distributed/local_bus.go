package distributed

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

// LocalEventBus delivers events to subscribers in the same process. It is
// used when Redis is disabled so that event consumers keep working.
type LocalEventBus struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[int]func(*domain.ClusterEvent) error
	next     int
	closed   bool
	done     chan struct{}
}

var _ ports.EventBus = (*LocalEventBus)(nil)

func NewLocalEventBus(logger *zap.SugaredLogger) *LocalEventBus {
	return &LocalEventBus{
		logger:   logger,
		handlers: make(map[int]func(*domain.ClusterEvent) error),
		done:     make(chan struct{}),
	}
}

// Publish calls every handler synchronously.
func (b *LocalEventBus) Publish(ctx context.Context, event *domain.ClusterEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus closed")
	}
	handlers := make([]func(*domain.ClusterEvent) error, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			b.logger.Warnw("Error handling event", "type", event.Type, "error", err)
		}
	}
	return nil
}

// Subscribe registers handler and blocks until ctx is done or the bus is
// closed.
func (b *LocalEventBus) Subscribe(ctx context.Context, handler func(*domain.ClusterEvent) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus closed")
	}
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

func (b *LocalEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
