package services

import (
	"context"
	"errors"
	"sync"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/tracing"
)

// RouterRegistry owns the per-session routers. A router is created lazily
// on a running worker and released when its session ends.
type RouterRegistry struct {
	*deps
	picker ports.WorkerPicker
	codecs []domain.RtpCodecCapability

	mu      sync.RWMutex
	routers map[domain.SessionID]ports.Router
}

func NewRouterRegistry(d *deps, picker ports.WorkerPicker, codecs []domain.RtpCodecCapability) *RouterRegistry {
	return &RouterRegistry{
		deps:    d,
		picker:  picker,
		codecs:  codecs,
		routers: make(map[domain.SessionID]ports.Router),
	}
}

// GetOrCreate returns the session's router, creating it if needed.
func (r *RouterRegistry) GetOrCreate(ctx context.Context, sessionID domain.SessionID) (ports.Router, error) {
	r.mu.RLock()
	router, ok := r.routers[sessionID]
	r.mu.RUnlock()
	if ok {
		return router, nil
	}

	worker, err := r.picker.Pick()
	if err != nil {
		return nil, err
	}
	ectx, cancel := r.engineCtx(ctx, "router.create", tracing.WorkerIDKey.Int(int(worker.ID())))
	defer cancel()
	router, err = worker.CreateRouter(ectx, r.codecs)
	if err != nil {
		tracing.RecordError(ectx, err)
		if errors.Is(err, domain.ErrWorkerUnavailable) {
			return nil, err
		}
		return nil, domain.ErrWorkerUnavailable.Wrap(err).WithDetail("worker_id", worker.ID())
	}

	r.mu.Lock()
	if existing, ok := r.routers[sessionID]; ok {
		r.mu.Unlock()
		_ = router.Close()
		return existing, nil
	}
	r.routers[sessionID] = router
	r.mu.Unlock()

	r.logger.Infow("Router created",
		"session_id", sessionID,
		"router_id", router.ID(),
		"worker_id", router.WorkerID(),
	)
	return router, nil
}

func (r *RouterRegistry) Get(sessionID domain.SessionID) (ports.Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	router, ok := r.routers[sessionID]
	return router, ok
}

// Release closes and forgets the session's router.
func (r *RouterRegistry) Release(sessionID domain.SessionID) {
	r.mu.Lock()
	router, ok := r.routers[sessionID]
	delete(r.routers, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := router.Close(); err != nil {
		r.logger.Warnw("Failed to close router", "session_id", sessionID, "router_id", router.ID(), "error", err)
		return
	}
	r.logger.Infow("Router closed", "session_id", sessionID, "router_id", router.ID())
}

func (r *RouterRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routers)
}
