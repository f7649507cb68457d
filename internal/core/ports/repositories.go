package ports

import (
	"context"

	"sfusignal/internal/core/domain"
)

// SessionRepository stores session snapshots for the admin API and for
// other instances. It never holds the authoritative session state.
type SessionRepository interface {
	Save(ctx context.Context, record *domain.SessionRecord) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	Delete(ctx context.Context, id domain.SessionID) error
	List(ctx context.Context) ([]*domain.SessionRecord, error)
}
