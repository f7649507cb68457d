package rtcengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

// Transport is one ICE-lite + DTLS association with a peer. Media objects
// created on it start flowing once DTLS is connected.
type Transport struct {
	id     domain.TransportID
	router *Router
	worker *Worker
	port   uint16
	udp    *litePacketConn
	udpMux io.Closer
	tcp    net.Listener
	done   chan struct{}
	api    *webrtc.API
	media  *webrtc.MediaEngine
	logger *zap.SugaredLogger

	gatherer   *webrtc.ICEGatherer
	ice        *webrtc.ICETransport
	dtls       *webrtc.DTLSTransport
	iceParams  domain.IceParameters
	candidates []domain.IceCandidate
	dtlsParams domain.DtlsParameters

	mu         sync.Mutex
	closed     bool
	connecting bool
	state      domain.TransportState
	remoteIce  domain.IceParameters
	onState    func(domain.TransportState)
	pending    []func()
	producers  map[domain.ProducerID]*Producer
	consumers  map[domain.ConsumerID]*Consumer
}

// gather collects the local candidates and prepares the ICE and DTLS
// transports.
func (t *Transport) gather(ctx context.Context, preferUDP bool) error {
	g, err := t.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return fmt.Errorf("create ice gatherer: %w", err)
	}
	t.gatherer = g

	complete := make(chan struct{})
	var once sync.Once
	g.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(complete) })
		}
	})
	if err := g.Gather(); err != nil {
		return fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-complete:
	case <-ctx.Done():
		return ctx.Err()
	}

	local, err := g.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	if len(local) == 0 {
		return fmt.Errorf("no ice candidates on port %d", t.port)
	}
	cands := make([]domain.IceCandidate, 0, len(local))
	for _, c := range local {
		cands = append(cands, toDomainCandidate(c))
	}
	t.candidates = orderCandidates(cands, preferUDP)

	iceParams, err := g.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	t.iceParams = toDomainIce(iceParams)
	t.iceParams.IceLite = true

	t.ice = t.api.NewICETransport(g)
	dtls, err := t.api.NewDTLSTransport(t.ice, []webrtc.Certificate{t.worker.cert})
	if err != nil {
		return fmt.Errorf("create dtls transport: %w", err)
	}
	t.dtls = dtls
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	t.dtlsParams = toDomainDtls(dtlsParams)
	t.dtlsParams.Role = domain.DtlsRoleAuto

	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.setState(toDomainState(s))
	})
	t.ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		if s == webrtc.ICETransportStateFailed {
			t.setState(domain.TransportFailed)
		}
	})
	return nil
}

func (t *Transport) ID() domain.TransportID                { return t.id }
func (t *Transport) IceParameters() domain.IceParameters   { return t.iceParams }
func (t *Transport) IceCandidates() []domain.IceCandidate  { return t.candidates }
func (t *Transport) DtlsParameters() domain.DtlsParameters { return t.dtlsParams }

func (t *Transport) DtlsState() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnDtlsStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) SetRemoteIceParameters(params domain.IceParameters) {
	t.mu.Lock()
	t.remoteIce = params
	t.mu.Unlock()
}

// Connect starts the ICE and DTLS handshakes in the background. Progress is
// reported through the state listener.
func (t *Transport) Connect(ctx context.Context, remote domain.DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.connecting {
		t.mu.Unlock()
		return fmt.Errorf("transport %s already connecting", t.id)
	}
	t.connecting = true
	remoteIce := t.remoteIce
	t.mu.Unlock()

	t.setState(domain.TransportConnecting)
	go t.handshake(remoteIce, toWebrtcDtls(remote))
	return nil
}

// handshake runs ICE then DTLS. When the peer sent no ICE parameters the
// ufrag is taken from its first check and our own checks are answered
// locally, since the peer's password is never known.
func (t *Transport) handshake(remoteIce domain.IceParameters, remoteDtls webrtc.DTLSParameters) {
	defer t.worker.guard("transport handshake")

	if remoteIce.UsernameFragment == "" {
		if t.udp == nil {
			t.logger.Warnw("ICE start failed", "error", errNoRemoteUfrag)
			t.setState(domain.TransportFailed)
			return
		}
		select {
		case <-t.udp.ufrag.ready:
			remoteIce.UsernameFragment = t.udp.ufrag.value
		case <-t.done:
			return
		}
	}
	if remoteIce.Password == "" {
		remoteIce.Password = uuid.NewString()
		if t.udp != nil {
			t.udp.answerLocally(remoteIce.Password)
		}
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, toWebrtcIce(remoteIce), &role); err != nil {
		t.logger.Warnw("ICE start failed", "error", err)
		t.setState(domain.TransportFailed)
		return
	}
	if err := t.dtls.Start(remoteDtls); err != nil {
		t.logger.Warnw("DTLS handshake failed", "error", err)
		t.setState(domain.TransportFailed)
	}
}

func (t *Transport) setState(s domain.TransportState) {
	t.mu.Lock()
	if t.closed || t.state == s || t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	var ready []func()
	if s == domain.TransportConnected {
		ready = t.pending
		t.pending = nil
	}
	t.mu.Unlock()

	for _, start := range ready {
		go start()
	}
	if fn != nil {
		fn(s)
	}
}

// whenConnected runs start once DTLS is up, right away if it already is.
func (t *Transport) whenConnected(start func()) {
	t.mu.Lock()
	if t.state != domain.TransportConnected {
		t.pending = append(t.pending, start)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	go start()
}

func (t *Transport) Produce(ctx context.Context, opts ports.ProduceOptions) (ports.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := registerCodecs(t.media, opts.Kind, opts.RtpParameters); err != nil {
		return nil, err
	}
	p, err := newProducer(t, opts)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.worker.addProducer(p)
	t.whenConnected(p.start)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts ports.ConsumeOptions) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source := t.worker.producer(opts.ProducerID)
	if source == nil || source.isClosed() {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	c, err := newConsumer(t, source, opts)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.Close()
		return nil, ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	source.subscribe(c)
	t.whenConnected(c.start)
	return c, nil
}

// Close stops the transport and every media object on it. The state
// listener is not invoked for a local close.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = domain.TransportClosed
	t.pending = nil
	if t.done != nil {
		close(t.done)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = make(map[domain.ProducerID]*Producer)
	t.consumers = make(map[domain.ConsumerID]*Consumer)
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	if t.dtls != nil {
		if err := t.dtls.Stop(); err != nil {
			t.logger.Debugw("DTLS stop", "error", err)
		}
	}
	if t.ice != nil {
		if err := t.ice.Stop(); err != nil {
			t.logger.Debugw("ICE stop", "error", err)
		}
	}
	t.release()
	t.worker.ports.release(t.port)
	t.router.removeTransport(t.id)
	return nil
}

// release frees the gatherer and the sockets.
func (t *Transport) release() {
	if t.gatherer != nil {
		_ = t.gatherer.Close()
	}
	if t.udpMux != nil {
		_ = t.udpMux.Close()
	}
	if t.tcp != nil {
		_ = t.tcp.Close()
	}
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}
