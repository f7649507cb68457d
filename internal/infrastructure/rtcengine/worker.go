// Package rtcengine implements the routing engine ports on top of pion's
// ORTC API: one ICE gatherer, ICE transport and DTLS transport per
// signaling transport, RTP receivers for producers and RTP senders for
// consumers.
package rtcengine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/rtpcaps"
)

var (
	ErrClosed         = errors.New("rtcengine: closed")
	ErrPortsExhausted = errors.New("rtcengine: no free rtc port")

	errNoRemoteUfrag = errors.New("rtcengine: remote ice parameters required without udp")
)

// NewFactory returns a WorkerFactory creating in-process workers.
func NewFactory(logger *zap.SugaredLogger) ports.WorkerFactory {
	return func(id domain.WorkerID, portMin, portMax uint16) (ports.Worker, error) {
		return NewWorker(id, portMin, portMax, logger)
	}
}

// Worker owns a port range, a DTLS certificate and the routers created on
// it. A panic in one of its media loops kills the worker.
type Worker struct {
	id     domain.WorkerID
	pid    int
	cert   webrtc.Certificate
	ports  *portPool
	logger *zap.SugaredLogger

	mu        sync.Mutex
	closed    bool
	routers   map[domain.RouterID]*Router
	producers map[domain.ProducerID]*Producer

	done chan struct{}
	err  error
}

func NewWorker(id domain.WorkerID, portMin, portMax uint16, logger *zap.SugaredLogger) (*Worker, error) {
	pool, err := newPortPool(portMin, portMax)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	return &Worker{
		id:        id,
		pid:       os.Getpid(),
		cert:      *cert,
		ports:     pool,
		logger:    logger.With("worker_id", id),
		routers:   make(map[domain.RouterID]*Router),
		producers: make(map[domain.ProducerID]*Producer),
		done:      make(chan struct{}),
	}, nil
}

func (w *Worker) ID() domain.WorkerID   { return w.id }
func (w *Worker) PID() int              { return w.pid }
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := rtpcaps.GenerateRouterCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	r := &Router{
		id:         domain.RouterID(uuid.NewString()),
		worker:     w,
		caps:       caps,
		transports: make(map[domain.TransportID]*Transport),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, domain.ErrWorkerUnavailable.Withf("worker %d is dead", w.id)
	}
	w.routers[r.id] = r
	return r, nil
}

// Kill stops the worker abnormally; Done fires with cause as Err.
func (w *Worker) Kill(cause error) {
	if cause == nil {
		cause = errors.New("worker killed")
	}
	w.shutdown(cause)
}

func (w *Worker) Close() error {
	w.shutdown(nil)
	return nil
}

func (w *Worker) shutdown(cause error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.err = cause
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[domain.RouterID]*Router)
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	close(w.done)
	if cause != nil {
		w.logger.Errorw("Worker died", "error", cause)
	}
}

// guard turns a panic in a media loop into a worker death.
func (w *Worker) guard(loop string) {
	if r := recover(); r != nil {
		w.Kill(fmt.Errorf("%s panicked: %v", loop, r))
	}
}

func (w *Worker) removeRouter(id domain.RouterID) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
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

// portPool hands out rtc ports of a worker. One port serves both the UDP
// socket and the TCP listener of a transport.
type portPool struct {
	mu   sync.Mutex
	min  uint16
	max  uint16
	next uint16
	used map[uint16]bool
}

func newPortPool(min, max uint16) (*portPool, error) {
	if min == 0 || min > max {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", min, max)
	}
	return &portPool{min: min, max: max, next: min, used: make(map[uint16]bool)}, nil
}

// acquire returns the next free port, continuing after the last one handed
// out so a just released port is not reused immediately.
func (p *portPool) acquire() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := int(p.max) - int(p.min) + 1
	for i := 0; i < span; i++ {
		port := p.next
		if p.next == p.max {
			p.next = p.min
		} else {
			p.next++
		}
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

func (p *portPool) release(port uint16) {
	p.mu.Lock()
	delete(p.used, port)
	p.mu.Unlock()
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
