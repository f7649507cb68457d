package ports

import (
	"context"

	"sfusignal/internal/core/domain"
)

// SessionAdmin is the session view served by the admin API.
type SessionAdmin interface {
	List() []*domain.SessionRecord
	Lookup(id domain.SessionID) (*domain.SessionRecord, error)
	Close(ctx context.Context, id domain.SessionID)
	Count() int
	Producers() []domain.ProducerInfo
	RouterCount() int
}

// WorkerDirectory is the worker view served by the admin API.
type WorkerDirectory interface {
	Workers() []domain.WorkerInfo
	Healthy() bool
}
