// Package enginetest provides an in-memory routing engine for tests. It
// performs the real capability arithmetic but moves no media.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/rtpcaps"
)

var ErrClosed = errors.New("enginetest: closed")

// Faults lets tests inject engine failures. Zero value means no faults.
type Faults struct {
	mu              sync.Mutex
	createRouter    error
	createTransport error
	connect         error
	produce         error
	consume         error
	blockTransport  bool
}

func (f *Faults) FailCreateRouter(err error)    { f.set(&f.createRouter, err) }
func (f *Faults) FailCreateTransport(err error) { f.set(&f.createTransport, err) }
func (f *Faults) FailConnect(err error)         { f.set(&f.connect, err) }
func (f *Faults) FailProduce(err error)         { f.set(&f.produce, err) }
func (f *Faults) FailConsume(err error)         { f.set(&f.consume, err) }

// BlockCreateTransport makes transport creation wait for the context deadline.
func (f *Faults) BlockCreateTransport(block bool) {
	f.mu.Lock()
	f.blockTransport = block
	f.mu.Unlock()
}

func (f *Faults) set(slot *error, err error) {
	f.mu.Lock()
	*slot = err
	f.mu.Unlock()
}

func (f *Faults) get(slot *error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *slot
}

func (f *Faults) blocking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockTransport
}

// Engine creates fake workers and keeps them reachable for assertions.
type Engine struct {
	Faults *Faults

	mu      sync.Mutex
	workers []*Worker
}

func New() *Engine {
	return &Engine{Faults: &Faults{}}
}

// Factory returns a ports.WorkerFactory bound to this engine.
func (e *Engine) Factory() ports.WorkerFactory {
	return func(id domain.WorkerID, portMin, portMax uint16) (ports.Worker, error) {
		w := &Worker{
			id:        id,
			pid:       10000 + int(id),
			portMin:   portMin,
			portMax:   portMax,
			faults:    e.Faults,
			done:      make(chan struct{}),
			producers: make(map[domain.ProducerID]*Producer),
		}
		e.mu.Lock()
		e.workers = append(e.workers, w)
		e.mu.Unlock()
		return w, nil
	}
}

// Worker returns the i-th created worker.
func (e *Engine) Worker(i int) *Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.workers) {
		return nil
	}
	return e.workers[i]
}

// Transport finds a live transport by id across all workers.
func (e *Engine) Transport(id domain.TransportID) *Transport {
	e.mu.Lock()
	workers := append([]*Worker(nil), e.workers...)
	e.mu.Unlock()
	for _, w := range workers {
		w.mu.Lock()
		for _, r := range w.routers {
			r.mu.Lock()
			t := r.transports[id]
			r.mu.Unlock()
			if t != nil {
				w.mu.Unlock()
				return t
			}
		}
		w.mu.Unlock()
	}
	return nil
}

type Worker struct {
	id      domain.WorkerID
	pid     int
	portMin uint16
	portMax uint16
	faults  *Faults

	mu        sync.Mutex
	routers   []*Router
	producers map[domain.ProducerID]*Producer
	nextPort  uint16
	done      chan struct{}
	err       error
	closed    bool
}

func (w *Worker) ID() domain.WorkerID         { return w.id }
func (w *Worker) PID() int                    { return w.pid }
func (w *Worker) Done() <-chan struct{}       { return w.done }
func (w *Worker) PortRange() (uint16, uint16) { return w.portMin, w.portMax }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Kill simulates an unexpected worker death.
func (w *Worker) Kill(cause error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.err = cause
	w.mu.Unlock()
	close(w.done)
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := append([]*Router(nil), w.routers...)
	w.mu.Unlock()
	for _, r := range routers {
		_ = r.Close()
	}
	close(w.done)
	return nil
}

// RouterCount returns the number of open routers.
func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, r := range w.routers {
		if !r.isClosed() {
			n++
		}
	}
	return n
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	if err := w.faults.get(&w.faults.createRouter); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := rtpcaps.GenerateRouterCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	r := &Router{
		id:         domain.RouterID(uuid.NewString()),
		worker:     w,
		caps:       caps,
		transports: make(map[domain.TransportID]*Transport),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) allocatePort() (uint16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	span := w.portMax - w.portMin + 1
	if w.nextPort >= span {
		w.nextPort = 0
	}
	p := w.portMin + w.nextPort
	w.nextPort++
	return p, nil
}

func (w *Worker) addProducer(p *Producer) {
	w.mu.Lock()
	w.producers[p.id] = p
	w.mu.Unlock()
}

func (w *Worker) removeProducer(id domain.ProducerID) {
	w.mu.Lock()
	delete(w.producers, id)
	w.mu.Unlock()
}

func (w *Worker) producer(id domain.ProducerID) *Producer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.producers[id]
}

type Router struct {
	id     domain.RouterID
	worker *Worker
	caps   domain.RtpCapabilities

	mu         sync.Mutex
	transports map[domain.TransportID]*Transport
	closed     bool
}

func (r *Router) ID() domain.RouterID                     { return r.id }
func (r *Router) WorkerID() domain.WorkerID               { return r.worker.id }
func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	p := r.worker.producer(producerID)
	if p == nil {
		return false
	}
	return rtpcaps.CanConsume(p.consumable, caps)
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts domain.TransportListenConfig) (ports.Transport, error) {
	if r.worker.faults.blocking() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := r.worker.faults.get(&r.worker.faults.createTransport); err != nil {
		return nil, err
	}
	port, err := r.worker.allocatePort()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:     domain.TransportID(uuid.NewString()),
		router: r,
		ice: domain.IceParameters{
			UsernameFragment: uuid.NewString()[:8],
			Password:         uuid.NewString(),
			IceLite:          true,
		},
		dtls: domain.DtlsParameters{
			Role: domain.DtlsRoleAuto,
			Fingerprints: []domain.DtlsFingerprint{{
				Algorithm: "sha-256",
				Value:     fakeFingerprint,
			}},
		},
		state:     domain.TransportNew,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	if opts.EnableUDP {
		t.candidates = append(t.candidates, candidate(opts, "udp", port, 1076302079))
	}
	if opts.EnableTCP {
		c := candidate(opts, "tcp", port, 1076276479)
		c.TCPType = "passive"
		t.candidates = append(t.candidates, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()
	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

const fakeFingerprint = "00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF"

func candidate(opts domain.TransportListenConfig, proto string, port uint16, prio uint32) domain.IceCandidate {
	ip := opts.AnnouncedIP
	if ip == "" {
		ip = opts.ListenIP
	}
	if opts.PreferUDP && proto == "udp" {
		prio++
	}
	return domain.IceCandidate{
		Foundation: proto + "candidate",
		Priority:   prio,
		IP:         ip,
		Address:    ip,
		Protocol:   proto,
		Port:       port,
		Type:       "host",
	}
}

type Transport struct {
	id         domain.TransportID
	router     *Router
	ice        domain.IceParameters
	candidates []domain.IceCandidate
	dtls       domain.DtlsParameters

	mu        sync.Mutex
	state     domain.TransportState
	listener  func(domain.TransportState)
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	closed    bool
}

func (t *Transport) ID() domain.TransportID                { return t.id }
func (t *Transport) IceParameters() domain.IceParameters   { return t.ice }
func (t *Transport) IceCandidates() []domain.IceCandidate  { return t.candidates }
func (t *Transport) DtlsParameters() domain.DtlsParameters { return t.dtls }

func (t *Transport) DtlsState() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) OnDtlsStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	t.listener = fn
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context, remote domain.DtlsParameters) error {
	if err := t.router.worker.faults.get(&t.router.worker.faults.connect); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(remote.Fingerprints) == 0 {
		return fmt.Errorf("enginetest: missing fingerprints")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()
	t.SetDtlsState(domain.TransportConnecting)
	return nil
}

// SetDtlsState drives the DTLS state as the media plane would.
func (t *Transport) SetDtlsState(state domain.TransportState) {
	t.mu.Lock()
	if t.closed || t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	fn := t.listener
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *Transport) Produce(ctx context.Context, opts ports.ProduceOptions) (ports.Producer, error) {
	if err := t.router.worker.faults.get(&t.router.worker.faults.produce); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rtpcaps.ValidateRtpParameters(opts.Kind, opts.RtpParameters); err != nil {
		return nil, err
	}
	consumable, err := rtpcaps.ConsumableParameters(t.router.caps, opts.Kind, opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	p := &Producer{
		id:         domain.ProducerID(uuid.NewString()),
		kind:       opts.Kind,
		params:     opts.RtpParameters,
		consumable: consumable,
		transport:  t,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.worker.addProducer(p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts ports.ConsumeOptions) (ports.Consumer, error) {
	if err := t.router.worker.faults.get(&t.router.worker.faults.consume); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := t.router.worker.producer(opts.ProducerID)
	if p == nil {
		return nil, fmt.Errorf("enginetest: producer %s not found", opts.ProducerID)
	}
	params, err := rtpcaps.ConsumerParameters(p.consumable, p.kind, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: p.id,
		kind:       p.kind,
		params:     params,
		paused:     opts.Paused,
		transport:  t,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = domain.TransportClosed
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	t.router.removeTransport(t.id)
	return nil
}

type Producer struct {
	id         domain.ProducerID
	kind       domain.MediaKind
	params     domain.RtpParameters
	consumable domain.RtpParameters
	transport  *Transport

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.transport.router.worker.removeProducer(p.id)
	return nil
}

type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.RtpParameters
	transport  *Transport

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
