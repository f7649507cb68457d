package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/circuitbreaker"
	"sfusignal/pkg/config"
)

type failingRepo struct {
	ports.SessionRepository
	calls int
	err   error
}

func (f *failingRepo) Save(ctx context.Context, rec *domain.SessionRecord) error {
	f.calls++
	return f.err
}

func (f *failingRepo) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	f.calls++
	return nil, f.err
}

func TestGuardedRepository_OpensOnFailures(t *testing.T) {
	down := errors.New("connection refused")
	inner := &failingRepo{err: down}
	repo := newGuardedRepository(inner, circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour}, zap.NewNop().Sugar())

	ctx := context.Background()
	assert.ErrorIs(t, repo.Save(ctx, &domain.SessionRecord{ID: "s"}), down)
	assert.ErrorIs(t, repo.Save(ctx, &domain.SessionRecord{ID: "s"}), down)
	assert.ErrorIs(t, repo.Save(ctx, &domain.SessionRecord{ID: "s"}), circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestGuardedRepository_NotFoundIsNotAFailure(t *testing.T) {
	inner := &failingRepo{err: domain.ErrSessionNotFound}
	repo := newGuardedRepository(inner, circuitbreaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour}, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		_, err := repo.GetByID(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	}
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, circuitbreaker.StateClosed, repo.breaker.State())
}

func TestRepositoryFactory_MemoryFallback(t *testing.T) {
	cfg := &config.Config{}
	factory := NewRepositoryFactory(context.Background(), cfg, zap.NewNop().Sugar())
	defer factory.Close()

	assert.Nil(t, factory.RedisClient())
	repo := factory.CreateSessionRepository()
	require.NoError(t, repo.Save(context.Background(), &domain.SessionRecord{ID: "s1"}))
	list, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
