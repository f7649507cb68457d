package repositories

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/circuitbreaker"
)

// guardedRepository stops talking to a failing store for a while so that
// session snapshots never slow down signaling.
type guardedRepository struct {
	next    ports.SessionRepository
	breaker *circuitbreaker.Breaker
}

func newGuardedRepository(next ports.SessionRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *guardedRepository {
	b := circuitbreaker.New(cfg)
	b.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Session store breaker changed state", "from", from.String(), "to", to.String())
	})
	return &guardedRepository{next: next, breaker: b}
}

// notFound results are answers from a healthy store, not failures.
func (g *guardedRepository) do(fn func() error) error {
	var result error
	err := g.breaker.Do(func() error {
		result = fn()
		if errors.Is(result, domain.ErrSessionNotFound) {
			return nil
		}
		return result
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return err
	}
	return result
}

func (g *guardedRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	return g.do(func() error { return g.next.Save(ctx, record) })
}

func (g *guardedRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	var rec *domain.SessionRecord
	err := g.do(func() error {
		var err error
		rec, err = g.next.GetByID(ctx, id)
		return err
	})
	return rec, err
}

func (g *guardedRepository) Delete(ctx context.Context, id domain.SessionID) error {
	return g.do(func() error { return g.next.Delete(ctx, id) })
}

func (g *guardedRepository) List(ctx context.Context) ([]*domain.SessionRecord, error) {
	var recs []*domain.SessionRecord
	err := g.do(func() error {
		var err error
		recs, err = g.next.List(ctx)
		return err
	})
	return recs, err
}
