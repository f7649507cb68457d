package memory

import (
	"context"
	"sort"
	"sync"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

type MemorySessionRepository struct {
	records map[domain.SessionID]*domain.SessionRecord
	mu      sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		records: make(map[domain.SessionID]*domain.SessionRecord),
	}
}

// Save stores a copy of record, replacing any previous snapshot.
func (r *MemorySessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	if record == nil || record.ID == "" {
		return domain.ErrInvalidInput
	}
	cp := *record

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID] = &cp
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.records, id)
	return nil
}

// List returns snapshots ordered by creation time.
func (r *MemorySessionRepository) List(ctx context.Context) ([]*domain.SessionRecord, error) {
	r.mu.RLock()
	out := make([]*domain.SessionRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
