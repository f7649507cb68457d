package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

var (
	errNoActiveProducer = errors.New("no active producer")
	errConsumerClosed   = errors.New("consumer closed before it was bound")
)

// State machine states and events.
const (
	deviceIdle       = "idle"
	deviceCapsSent   = "capabilities_requested"
	deviceReady      = "device_ready"
	deviceClosed     = "closed"
	evGetCaps        = "get_capabilities"
	evDeviceLoaded   = "device_loaded"
	evClose          = "close"
	branchNone       = "none"
	branchTransport  = "transport_created"
	branchBound      = "bound"
	evCreate         = "create"
	evBind           = "bind"
	evUnbind         = "unbind"
	evCloseTransport = "close_transport"
)

// Session is the negotiation state of one signaling connection. Requests of
// a session are serialized; cascades from other sessions and engine
// callbacks may arrive concurrently.
type Session struct {
	id         domain.SessionID
	remoteAddr string
	createdAt  time.Time
	svc        *SessionService
	notifier   domain.Notifier
	logger     *zap.SugaredLogger

	// reqMu serializes requests and Close.
	reqMu sync.Mutex

	device *fsm.FSM
	send   *fsm.FSM
	recv   *fsm.FSM

	mu         sync.Mutex
	closed     bool
	router     ports.Router
	transports map[domain.TransportRole]*transportNode
	producer   *producerNode
	consumer   *consumerNode
	paused     bool
	updatedAt  time.Time
}

func newSession(svc *SessionService, id domain.SessionID, remoteAddr string, notifier domain.Notifier) *Session {
	now := time.Now()
	s := &Session{
		id:         id,
		remoteAddr: remoteAddr,
		createdAt:  now,
		updatedAt:  now,
		svc:        svc,
		notifier:   notifier,
		logger:     svc.logger.With("session_id", id),
		transports: make(map[domain.TransportRole]*transportNode),
	}
	s.device = fsm.NewFSM(
		deviceIdle,
		fsm.Events{
			{Name: evGetCaps, Src: []string{deviceIdle}, Dst: deviceCapsSent},
			{Name: evDeviceLoaded, Src: []string{deviceCapsSent}, Dst: deviceReady},
			{Name: evClose, Src: []string{deviceIdle, deviceCapsSent, deviceReady}, Dst: deviceClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.logger.Debugw("Session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	s.send = newBranchFSM(s.logger, domain.RoleSend)
	s.recv = newBranchFSM(s.logger, domain.RoleRecv)
	return s
}

// newBranchFSM tracks one direction: transport created, then bound to a
// producer (send) or consumer (recv).
func newBranchFSM(logger *zap.SugaredLogger, role domain.TransportRole) *fsm.FSM {
	return fsm.NewFSM(
		branchNone,
		fsm.Events{
			{Name: evCreate, Src: []string{branchNone, branchTransport, branchBound}, Dst: branchTransport},
			{Name: evBind, Src: []string{branchTransport}, Dst: branchBound},
			{Name: evUnbind, Src: []string{branchBound}, Dst: branchTransport},
			{Name: evCloseTransport, Src: []string{branchTransport, branchBound}, Dst: branchNone},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				logger.Debugw("Branch state changed", "role", role, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// fire applies an event, treating a self transition as success.
func (s *Session) fire(m *fsm.FSM, event string) {
	err := m.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	s.logger.Debugw("Ignored state event", "event", event, "state", m.Current(), "error", err)
}

func (s *Session) branch(role domain.TransportRole) *fsm.FSM {
	if role == domain.RoleSend {
		return s.send
	}
	return s.recv
}

func (s *Session) ID() domain.SessionID {
	return s.id
}

// Phase is the furthest negotiation point reached by either branch.
func (s *Session) Phase() domain.SessionPhase {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.PhaseClosed
	}

	device := domain.SessionPhase(s.device.Current())
	var send, recv domain.SessionPhase
	switch s.send.Current() {
	case branchTransport:
		send = domain.PhaseSendTransportCreated
	case branchBound:
		send = domain.PhaseProducing
	}
	switch s.recv.Current() {
	case branchTransport:
		recv = domain.PhaseRecvTransportCreated
	case branchBound:
		recv = domain.PhaseConsuming
	}
	return domain.MaxPhase(device, send, recv)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) currentRouter() ports.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router
}

func (s *Session) transport(role domain.TransportRole) *transportNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports[role]
}

func (s *Session) touchLocked() {
	s.updatedAt = time.Now()
}

// GetRtpCapabilities returns the router capabilities, creating the
// session's router on first use.
func (s *Session) GetRtpCapabilities(ctx context.Context) (domain.RtpCapabilities, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosed() {
		return domain.RtpCapabilities{}, domain.ErrSessionClosed
	}

	router, err := s.svc.routers.GetOrCreate(ctx, s.id)
	if err != nil {
		s.logger.Warnw("Router unavailable", "error", err)
		return domain.RtpCapabilities{}, err
	}

	s.mu.Lock()
	s.router = router
	if s.device.Can(evGetCaps) {
		s.fire(s.device, evGetCaps)
	}
	s.touchLocked()
	s.mu.Unlock()

	s.svc.persist(s)
	return router.RtpCapabilities(), nil
}

// CreateWebRtcTransport creates the transport for role, replacing any
// previous one.
func (s *Session) CreateWebRtcTransport(ctx context.Context, role domain.TransportRole) (domain.TransportParams, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosed() {
		return domain.TransportParams{}, domain.ErrSessionClosed
	}
	router := s.currentRouter()
	if router == nil {
		return domain.TransportParams{}, domain.ErrRouterUnavailable
	}

	if old := s.transport(role); old != nil {
		s.logger.Infow("Replacing transport", "role", role, "transport_id", old.id())
		s.svc.transports.Close(old, domain.CloseReasonReplaced)
	}

	n, err := s.svc.transports.Create(ctx, s, router, role)
	if err != nil {
		s.logger.Warnw("Transport creation failed", "role", role, "error", err)
		return domain.TransportParams{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.svc.transports.Close(n, domain.CloseReasonSessionClose)
		return domain.TransportParams{}, domain.ErrSessionClosed
	}
	if n.isClosed() {
		s.mu.Unlock()
		return domain.TransportParams{}, domain.ErrTransportSetupFailure.Withf("transport %s closed during setup", n.id())
	}
	s.transports[role] = n
	if s.device.Can(evDeviceLoaded) {
		s.fire(s.device, evDeviceLoaded)
	}
	s.fire(s.branch(role), evCreate)
	s.touchLocked()
	s.mu.Unlock()

	s.svc.persist(s)
	return n.params(), nil
}

// ConnectTransport hands the peer's DTLS parameters, and its ICE credentials
// when the client sent them, to the role's transport.
func (s *Session) ConnectTransport(ctx context.Context, role domain.TransportRole, remote domain.DtlsParameters, ice *domain.IceParameters) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	n := s.transport(role)
	if n == nil {
		return domain.ErrTransportNotFound.Withf("no %s transport", role)
	}
	if err := s.svc.transports.Connect(ctx, n, remote, ice); err != nil {
		s.logger.Warnw("Transport connect rejected", "role", role, "transport_id", n.id(), "error", err)
		return err
	}
	return nil
}

// Produce creates the session's producer on its connected send transport.
func (s *Session) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters, appData map[string]interface{}) (domain.ProducerID, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosed() {
		return "", domain.ErrSessionClosed
	}

	s.mu.Lock()
	n := s.transports[domain.RoleSend]
	current := s.producer
	router := s.router
	s.mu.Unlock()

	if n == nil {
		return "", domain.ErrTransportNotFound.Withf("no send transport")
	}
	if current != nil && !current.isClosed() {
		return "", domain.ErrProtocolViolation.Withf("producer %s already active", current.id())
	}
	switch state := n.currentState(); state {
	case domain.TransportConnecting, domain.TransportConnected:
	default:
		return "", domain.ErrProtocolViolation.Withf("send transport is %s, connect it first", state)
	}

	p, err := s.svc.media.Produce(ctx, n, router, kind, params, appData)
	if err != nil {
		s.logger.Warnw("Produce failed", "kind", kind, "error", err)
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.svc.media.CloseProducer(p, domain.CloseReasonSessionClose)
		return "", domain.ErrSessionClosed
	}
	if p.isClosed() {
		s.mu.Unlock()
		return "", domain.ErrTransportNotFound.Withf("send transport closed during produce")
	}
	s.producer = p
	s.fire(s.send, evBind)
	s.touchLocked()
	s.mu.Unlock()

	s.svc.persist(s)
	s.svc.broadcastNewProducer(s, p)
	return p.id(), nil
}

// Consume creates a paused consumer on the receive transport. Without a
// producer id the most recent active producer reachable from the session's
// worker is used.
func (s *Session) Consume(ctx context.Context, caps domain.RtpCapabilities, producerID domain.ProducerID) (domain.ConsumerParams, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosed() {
		return domain.ConsumerParams{}, domain.ErrSessionClosed
	}

	s.mu.Lock()
	n := s.transports[domain.RoleRecv]
	current := s.consumer
	router := s.router
	s.mu.Unlock()

	if n == nil {
		return domain.ConsumerParams{}, domain.ErrTransportNotFound.Withf("no recv transport")
	}
	if current != nil && !current.isClosed() {
		return domain.ConsumerParams{}, domain.ErrProtocolViolation.Withf("consumer %s already active", current.id())
	}

	source, err := s.svc.media.ResolveSource(router, producerID)
	if err != nil {
		s.logger.Infow("No producer to consume", "producer_id", producerID)
		return domain.ConsumerParams{}, err
	}
	c, err := s.svc.media.Consume(ctx, n, router, source, caps)
	if err != nil {
		return domain.ConsumerParams{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.svc.media.CloseConsumer(c, domain.CloseReasonSessionClose)
		return domain.ConsumerParams{}, domain.ErrSessionClosed
	}
	if c.isClosed() {
		s.mu.Unlock()
		return domain.ConsumerParams{}, domain.ErrCannotConsume.Wrap(errConsumerClosed)
	}
	s.consumer = c
	s.paused = true
	s.fire(s.recv, evBind)
	s.touchLocked()
	s.mu.Unlock()

	s.svc.persist(s)
	return c.params(), nil
}

func (s *Session) activeConsumer() *consumerNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer
}

// ResumeConsumer starts media flow on the session's consumer. It is a no-op
// when there is none.
func (s *Session) ResumeConsumer(ctx context.Context) error {
	return s.setConsumerPaused(ctx, false)
}

func (s *Session) PauseConsumer(ctx context.Context) error {
	return s.setConsumerPaused(ctx, true)
}

func (s *Session) setConsumerPaused(ctx context.Context, pause bool) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	c := s.activeConsumer()
	if c == nil {
		s.logger.Infow("No consumer to update, ignoring", "pause", pause)
		return nil
	}

	var err error
	if pause {
		err = s.svc.media.Pause(ctx, c)
	} else {
		err = s.svc.media.Resume(ctx, c)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.consumer == c {
		s.paused = pause
		s.touchLocked()
	}
	s.mu.Unlock()
	s.svc.persist(s)
	return nil
}

// CloseProducer ends the session's producer and every consumer of it.
func (s *Session) CloseProducer() error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	s.mu.Lock()
	p := s.producer
	s.mu.Unlock()
	if p == nil {
		s.logger.Infow("No producer to close, ignoring")
		return nil
	}
	s.svc.media.CloseProducer(p, domain.CloseReasonRequested)
	s.svc.persist(s)
	return nil
}

// GetProducers lists active producers owned by other sessions.
func (s *Session) GetProducers() []domain.ProducerID {
	ids := make([]domain.ProducerID, 0)
	for _, info := range s.svc.directory.List() {
		if info.SessionID != s.id {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

// Record returns a snapshot for the session store.
func (s *Session) Record() *domain.SessionRecord {
	phase := s.Phase()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &domain.SessionRecord{
		ID:         s.id,
		InstanceID: s.svc.instanceID,
		RemoteAddr: s.remoteAddr,
		Phase:      phase,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
	if s.router != nil {
		wid := s.router.WorkerID()
		rec.WorkerID = &wid
		rec.RouterID = s.router.ID()
	}
	if n := s.transports[domain.RoleSend]; n != nil {
		rec.SendTransportID = n.id()
	}
	if n := s.transports[domain.RoleRecv]; n != nil {
		rec.RecvTransportID = n.id()
	}
	if s.producer != nil {
		rec.ProducerID = s.producer.id()
	}
	if s.consumer != nil {
		rec.ConsumerID = s.consumer.id()
		rec.ConsumerPaused = s.paused
	}
	return rec
}

// close tears the session down. Callers go through SessionService.Close.
func (s *Session) close() bool {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	nodes := make([]*transportNode, 0, len(s.transports))
	for _, n := range s.transports {
		nodes = append(nodes, n)
	}
	s.fire(s.device, evClose)
	s.mu.Unlock()

	for _, n := range nodes {
		s.svc.transports.Close(n, domain.CloseReasonSessionClose)
	}
	s.svc.routers.Release(s.id)
	if s.notifier != nil {
		s.notifier.Close()
	}
	s.logger.Infow("Session closed", "transports", len(nodes))
	return true
}

// closeTransportsOn closes every transport of a session whose router lives
// on the given worker.
func (s *Session) closeTransportsOn(worker domain.WorkerID, reason domain.CloseReason) int {
	s.mu.Lock()
	if s.closed || s.router == nil || s.router.WorkerID() != worker {
		s.mu.Unlock()
		return 0
	}
	nodes := make([]*transportNode, 0, len(s.transports))
	for _, n := range s.transports {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	for _, n := range nodes {
		s.svc.transports.Close(n, reason)
	}
	return len(nodes)
}

func (s *Session) detachTransport(n *transportNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transports[n.role] != n {
		return
	}
	delete(s.transports, n.role)
	s.fire(s.branch(n.role), evCloseTransport)
	s.touchLocked()
}

func (s *Session) detachProducer(p *producerNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer != p {
		return
	}
	s.producer = nil
	s.fire(s.send, evUnbind)
	s.touchLocked()
}

func (s *Session) detachConsumer(c *consumerNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer != c {
		return
	}
	s.consumer = nil
	s.paused = false
	s.fire(s.recv, evUnbind)
	s.touchLocked()
}

// notify pushes a message to the peer unless the session is gone.
func (s *Session) notify(method string, params interface{}) {
	if s.isClosed() || s.notifier == nil {
		return
	}
	s.notifier.Notify(method, params)
}
