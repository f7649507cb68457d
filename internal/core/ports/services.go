package ports

import (
	"context"
	"time"

	"sfusignal/internal/core/domain"
)

// WorkerPicker hands out a running worker for a new router.
type WorkerPicker interface {
	Pick() (Worker, error)
}

type EventBus interface {
	Publish(ctx context.Context, event *domain.ClusterEvent) error
	Subscribe(ctx context.Context, handler func(*domain.ClusterEvent) error) error
	Close() error
}

// SignalMetrics receives lifecycle and request measurements.
type SignalMetrics interface {
	SessionOpened()
	SessionClosed()
	TransportOpened(role domain.TransportRole)
	TransportClosed(role domain.TransportRole, reason domain.CloseReason)
	ProducerOpened(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind, reason domain.CloseReason)
	ConsumerOpened(kind domain.MediaKind)
	ConsumerClosed(kind domain.MediaKind, reason domain.CloseReason)
	ObserveRequest(method, code string, d time.Duration)
	WorkerDied(id domain.WorkerID)
}
