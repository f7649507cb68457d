package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/tracing"
	"sfusignal/pkg/validation"
)

// TransportManager creates transports with the fixed listen configuration,
// drives their DTLS connect step and force-closes them when DTLS ends.
type TransportManager struct {
	*deps
	listen domain.TransportListenConfig
}

func NewTransportManager(d *deps, listen domain.TransportListenConfig) *TransportManager {
	return &TransportManager{deps: d, listen: listen}
}

type transportNode struct {
	mgr       *TransportManager
	session   *Session
	role      domain.TransportRole
	transport ports.Transport
	createdAt time.Time

	mu        sync.Mutex
	closed    bool
	state     domain.TransportState
	usedDtls  map[string]bool
	producers map[domain.ProducerID]*producerNode
	consumers map[domain.ConsumerID]*consumerNode
}

func (n *transportNode) id() domain.TransportID {
	return n.transport.ID()
}

func (n *transportNode) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *transportNode) currentState() domain.TransportState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *transportNode) params() domain.TransportParams {
	return domain.TransportParams{
		ID:             n.transport.ID(),
		IceParameters:  n.transport.IceParameters(),
		IceCandidates:  n.transport.IceCandidates(),
		DtlsParameters: n.transport.DtlsParameters(),
	}
}

// Create builds a transport on router for the session role.
func (m *TransportManager) Create(ctx context.Context, s *Session, router ports.Router, role domain.TransportRole) (*transportNode, error) {
	ectx, cancel := m.engineCtx(ctx, "transport.create", tracing.RouterIDKey.String(string(router.ID())))
	defer cancel()

	t, err := router.CreateWebRtcTransport(ectx, m.listen)
	if err != nil {
		tracing.RecordError(ectx, err)
		return nil, setupFailure("createWebRtcTransport", err)
	}

	n := &transportNode{
		mgr:       m,
		session:   s,
		role:      role,
		transport: t,
		createdAt: time.Now(),
		state:     domain.TransportNew,
		usedDtls:  make(map[string]bool),
		producers: make(map[domain.ProducerID]*producerNode),
		consumers: make(map[domain.ConsumerID]*consumerNode),
	}
	t.OnDtlsStateChange(func(state domain.TransportState) {
		m.handleDtlsState(n, state)
	})

	m.metrics.TransportOpened(role)
	m.logger.Infow("Transport created",
		"session_id", s.ID(),
		"transport_id", t.ID(),
		"role", role,
		"candidates", len(t.IceCandidates()),
	)
	return n, nil
}

func validateDtlsParameters(p domain.DtlsParameters) error {
	if len(p.Fingerprints) == 0 {
		return fmt.Errorf("dtlsParameters.fingerprints must not be empty")
	}
	if err := validation.ValidateDtlsRole(string(p.Role)); err != nil {
		return err
	}
	for i, fp := range p.Fingerprints {
		if err := validation.ValidateFingerprint(fp.Algorithm, fp.Value); err != nil {
			return fmt.Errorf("dtlsParameters.fingerprints[%d]: %w", i, err)
		}
	}
	return nil
}

// Connect binds the remote DTLS parameters. A parameter set is accepted at
// most once per transport, and only while the transport is still new. A set
// the engine refused was never used and may be sent again.
func (m *TransportManager) Connect(ctx context.Context, n *transportNode, remote domain.DtlsParameters, ice *domain.IceParameters) error {
	if err := validateDtlsParameters(remote); err != nil {
		return domain.ErrHandshakeFailed.Wrap(err)
	}
	key := remote.Key()

	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		return domain.ErrTransportNotFound.Withf("transport %s is closed", n.id())
	case n.usedDtls[key]:
		n.mu.Unlock()
		return domain.ErrHandshakeFailed.Withf("stale dtls parameters for transport %s", n.id())
	case n.state != domain.TransportNew:
		state := n.state
		n.mu.Unlock()
		return domain.ErrHandshakeFailed.Withf("transport %s already %s", n.id(), state)
	}
	n.usedDtls[key] = true
	n.state = domain.TransportConnecting
	n.mu.Unlock()

	if setter, ok := n.transport.(ports.RemoteIceSetter); ok && ice != nil {
		setter.SetRemoteIceParameters(*ice)
	}

	ectx, cancel := m.engineCtx(ctx, "transport.connect", tracing.TransportIDKey.String(string(n.id())))
	defer cancel()
	if err := n.transport.Connect(ectx, remote); err != nil {
		tracing.RecordError(ectx, err)
		n.mu.Lock()
		if !n.closed && n.state == domain.TransportConnecting {
			n.state = domain.TransportNew
			delete(n.usedDtls, key)
		}
		n.mu.Unlock()
		return domain.ErrHandshakeFailed.Wrap(err).WithDetail("transport_id", n.id())
	}

	m.logger.Infow("Transport connect accepted",
		"session_id", n.session.ID(),
		"transport_id", n.id(),
		"role", n.role,
		"dtls_role", remote.Role,
	)
	return nil
}

func (m *TransportManager) handleDtlsState(n *transportNode, state domain.TransportState) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	prev := n.state
	n.state = state
	n.mu.Unlock()

	m.logger.Debugw("Transport dtls state changed",
		"session_id", n.session.ID(),
		"transport_id", n.id(),
		"from", prev,
		"to", state,
	)

	switch state {
	case domain.TransportFailed:
		m.logger.Warnw("DTLS failed, closing transport", "session_id", n.session.ID(), "transport_id", n.id())
		closeTransportTree(n, domain.CloseReasonDtlsFailed)
	case domain.TransportClosed:
		closeTransportTree(n, domain.CloseReasonDtlsClosed)
	}
}

// Close closes the transport and everything bound to it.
func (m *TransportManager) Close(n *transportNode, reason domain.CloseReason) {
	closeTransportTree(n, reason)
}

func (n *transportNode) finish(reason domain.CloseReason) {
	m := n.mgr
	if err := n.transport.Close(); err != nil {
		m.logger.Warnw("Engine transport close failed", "transport_id", n.id(), "error", err)
	}
	n.session.detachTransport(n)
	if notifiesOwner(reason) {
		n.session.notify(domain.NotifyTransportClosed, domain.TransportClosedNotification{
			TransportID: n.id(),
			Role:        n.role,
			Reason:      reason,
		})
	}
	m.metrics.TransportClosed(n.role, reason)
	m.logger.Infow("Transport closed",
		"session_id", n.session.ID(),
		"transport_id", n.id(),
		"role", n.role,
		"reason", reason,
	)
}
