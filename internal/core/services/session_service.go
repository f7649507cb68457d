package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

type ServiceConfig struct {
	Codecs      []domain.RtpCodecCapability
	Listen      domain.TransportListenConfig
	CallTimeout time.Duration
	InstanceID  string
}

type ServiceOption func(*SessionService)

func WithRepository(repo ports.SessionRepository) ServiceOption {
	return func(s *SessionService) { s.repo = repo }
}

func WithEventBus(bus ports.EventBus) ServiceOption {
	return func(s *SessionService) { s.events = bus }
}

func WithMetrics(m ports.SignalMetrics) ServiceOption {
	return func(s *SessionService) { s.metrics = m }
}

// SessionService owns every live session of this instance.
type SessionService struct {
	*deps
	repo       ports.SessionRepository
	routers    *RouterRegistry
	transports *TransportManager
	media      *MediaBinding
	directory  *ProducerDirectory

	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
}

func NewSessionService(cfg ServiceConfig, picker ports.WorkerPicker, logger *zap.SugaredLogger, opts ...ServiceOption) *SessionService {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	d := &deps{
		logger:      logger,
		metrics:     noopMetrics{},
		instanceID:  cfg.InstanceID,
		callTimeout: cfg.CallTimeout,
	}
	svc := &SessionService{
		deps:     d,
		sessions: make(map[domain.SessionID]*Session),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.directory = NewProducerDirectory()
	svc.routers = NewRouterRegistry(d, picker, cfg.Codecs)
	svc.transports = NewTransportManager(d, cfg.Listen)
	svc.media = NewMediaBinding(d, svc.directory)
	return svc
}

// Open registers a new session for a freshly accepted connection.
func (svc *SessionService) Open(ctx context.Context, remoteAddr string, notifier domain.Notifier) *Session {
	id := domain.SessionID(uuid.NewString())
	s := newSession(svc, id, remoteAddr, notifier)

	svc.mu.Lock()
	svc.sessions[id] = s
	svc.mu.Unlock()

	svc.metrics.SessionOpened()
	svc.logger.Infow("Session opened", "session_id", id, "remote_addr", remoteAddr)
	svc.persist(s)
	svc.publish(&domain.ClusterEvent{
		Type:      domain.EventSessionOpened,
		SessionID: id,
		Payload:   map[string]interface{}{"remote_addr": remoteAddr},
	})
	return s
}

func (svc *SessionService) Get(id domain.SessionID) (*Session, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	s, ok := svc.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound.Withf("session %s not found", id)
	}
	return s, nil
}

// Close tears down the session and everything it owns. Closing an unknown
// or already closed session is a no-op.
func (svc *SessionService) Close(ctx context.Context, id domain.SessionID) {
	svc.mu.Lock()
	s, ok := svc.sessions[id]
	delete(svc.sessions, id)
	svc.mu.Unlock()
	if !ok || !s.close() {
		return
	}

	if svc.repo != nil {
		if err := svc.repo.Delete(ctx, id); err != nil {
			svc.logger.Warnw("Failed to delete session record", "session_id", id, "error", err)
		}
	}
	svc.metrics.SessionClosed()
	svc.publish(&domain.ClusterEvent{
		Type:      domain.EventSessionClosed,
		SessionID: id,
		Payload:   map[string]interface{}{"lifetime_ms": time.Since(s.createdAt).Milliseconds()},
	})
}

func (svc *SessionService) snapshot() []*Session {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	out := make([]*Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		out = append(out, s)
	}
	return out
}

// List returns records of the live sessions, oldest first.
func (svc *SessionService) List() []*domain.SessionRecord {
	sessions := svc.snapshot()
	records := make([]*domain.SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		records = append(records, s.Record())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records
}

// Lookup returns the record of a live session.
func (svc *SessionService) Lookup(id domain.SessionID) (*domain.SessionRecord, error) {
	s, err := svc.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Record(), nil
}

func (svc *SessionService) Count() int {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return len(svc.sessions)
}

// Producers lists every active producer of this instance.
func (svc *SessionService) Producers() []domain.ProducerInfo {
	return svc.directory.List()
}

func (svc *SessionService) RouterCount() int {
	return svc.routers.Count()
}

// HandleWorkerDeath closes the transports of every session routed through
// the dead worker so peers learn about it before the process exits.
func (svc *SessionService) HandleWorkerDeath(info domain.WorkerInfo) {
	svc.metrics.WorkerDied(info.ID)
	closed := 0
	for _, s := range svc.snapshot() {
		closed += s.closeTransportsOn(info.ID, domain.CloseReasonWorkerDied)
	}
	svc.logger.Errorw("Closed transports of dead worker",
		"worker_id", info.ID,
		"transports", closed,
		"cause", info.DeathCause,
	)
	wid := info.ID
	svc.publish(&domain.ClusterEvent{
		Type:     domain.EventWorkerDied,
		WorkerID: &wid,
		Payload:  map[string]interface{}{"cause": info.DeathCause, "pid": info.PID},
	})
}

// Shutdown closes every session.
func (svc *SessionService) Shutdown(ctx context.Context) {
	sessions := svc.snapshot()
	for _, s := range sessions {
		svc.Close(ctx, s.id)
	}
	svc.logger.Infow("Session service stopped", "sessions", len(sessions))
}

func (svc *SessionService) broadcastNewProducer(from *Session, p *producerNode) {
	note := domain.NewProducerNotification{ProducerID: p.id(), Kind: p.producer.Kind()}
	for _, s := range svc.snapshot() {
		if s == from {
			continue
		}
		s.notify(domain.NotifyNewProducer, note)
	}
}

// persist mirrors the session snapshot into the repository.
func (svc *SessionService) persist(s *Session) {
	if svc.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), svc.callTimeout)
	defer cancel()
	if err := svc.repo.Save(ctx, s.Record()); err != nil {
		svc.logger.Warnw("Failed to save session record", "session_id", s.id, "error", err)
	}
}
