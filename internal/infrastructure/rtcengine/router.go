package rtcengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/rtpcaps"
)

const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 25 * time.Second
)

// Router groups the transports that exchange media on one worker.
type Router struct {
	id     domain.RouterID
	worker *Worker
	caps   domain.RtpCapabilities

	mu         sync.Mutex
	closed     bool
	transports map[domain.TransportID]*Transport
}

func (r *Router) ID() domain.RouterID                     { return r.id }
func (r *Router) WorkerID() domain.WorkerID               { return r.worker.id }
func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

// CanConsume checks caps against the consumable parameters of a producer
// living anywhere on the same worker.
func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	p := r.worker.producer(producerID)
	if p == nil || p.isClosed() {
		return false
	}
	return rtpcaps.CanConsume(p.consumable, caps)
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts domain.TransportListenConfig) (ports.Transport, error) {
	if !opts.EnableUDP && !opts.EnableTCP {
		return nil, fmt.Errorf("neither udp nor tcp enabled")
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	port, err := r.worker.ports.acquire()
	if err != nil {
		return nil, err
	}
	t, err := r.newTransport(ctx, opts, port)
	if err != nil {
		r.worker.ports.release(port)
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, ErrClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) newTransport(ctx context.Context, opts domain.TransportListenConfig, port uint16) (*Transport, error) {
	se := webrtc.SettingEngine{}
	se.SetLite(true)
	// Lite agents send no keepalives; the peer's consent checks and media
	// keep the pair alive.
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, 0)
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listenIP := net.ParseIP(opts.ListenIP); listenIP != nil && !listenIP.IsUnspecified() {
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listenIP) })
	}

	var (
		networks []webrtc.NetworkType
		udp      *litePacketConn
		udpMux   io.Closer
		tcp      net.Listener
	)
	if opts.EnableUDP {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(opts.ListenIP), Port: int(port)})
		if err != nil {
			return nil, fmt.Errorf("listen udp: %w", err)
		}
		udp = newLitePacketConn(conn)
		mux := webrtc.NewICEUDPMux(nil, udp)
		udpMux = mux
		se.SetICEUDPMux(mux)
		networks = append(networks, webrtc.NetworkTypeUDP4)
	}
	if opts.EnableTCP {
		ln, err := net.Listen("tcp4", net.JoinHostPort(opts.ListenIP, strconv.Itoa(int(port))))
		if err != nil {
			if udpMux != nil {
				_ = udpMux.Close()
			}
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
		tcp = ln
		se.SetICETCPMux(webrtc.NewICETCPMux(nil, ln, 8))
		networks = append(networks, webrtc.NetworkTypeTCP4)
	}
	se.SetNetworkTypes(networks)

	media := &webrtc.MediaEngine{}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(media))

	id := domain.TransportID(uuid.NewString())
	t := &Transport{
		id:        id,
		router:    r,
		worker:    r.worker,
		port:      port,
		udp:       udp,
		udpMux:    udpMux,
		tcp:       tcp,
		done:      make(chan struct{}),
		api:       api,
		media:     media,
		state:     domain.TransportNew,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
		logger:    r.worker.logger.With("transport_id", id),
	}
	if err := t.gather(ctx, opts.PreferUDP); err != nil {
		t.release()
		return nil, err
	}
	return t, nil
}

// Close closes every transport of the router.
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
	r.transports = make(map[domain.TransportID]*Transport)
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.worker.removeRouter(r.id)
	return nil
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}
