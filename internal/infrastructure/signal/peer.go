package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/services"
)

type notification struct {
	method string
	params interface{}
}

// peer is one signaling connection and the session it owns.
type peer struct {
	server  *Server
	ws      *websocket.Conn
	remote  string
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	session *services.Session
	rpc     *jsonrpc2.Conn
	started atomic.Bool

	outbox    chan notification
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(s *Server, ws *websocket.Conn, remote string) *peer {
	limit := rate.Inf
	if s.cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(s.cfg.MessagesPerSecond)
	}
	return &peer{
		server:  s,
		ws:      ws,
		remote:  remote,
		limiter: rate.NewLimiter(limit, s.cfg.Burst),
		logger:  s.logger,
		outbox:  make(chan notification, s.cfg.OutboxSize),
		done:    make(chan struct{}),
	}
}

// timedStream bounds every frame write with the configured deadline.
// jsonrpc2 serializes writes, so setting the deadline here is safe.
type timedStream struct {
	jsonrpc2ws.ObjectStream
	ws      *websocket.Conn
	timeout time.Duration
}

func (t timedStream) WriteObject(obj interface{}) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.ObjectStream.WriteObject(obj)
}

// serve runs the connection until the peer goes away.
func (p *peer) serve() {
	cfg := p.server.cfg
	if cfg.MaxMessageSize > 0 {
		p.ws.SetReadLimit(cfg.MaxMessageSize)
	}
	_ = p.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	ctx := context.Background()
	p.session = p.server.sessions.Open(ctx, p.remote, p)
	p.logger = p.logger.With("session_id", p.session.ID())

	stream := timedStream{ObjectStream: jsonrpc2ws.NewObjectStream(p.ws), ws: p.ws, timeout: cfg.WriteTimeout}
	handler := jsonrpc2.HandlerWithError(p.handle).SuppressErrClosed()
	p.rpc = jsonrpc2.NewConn(ctx, stream, handler,
		jsonrpc2.SetLogger(zap.NewStdLog(p.server.logger.Desugar())))
	p.started.Store(true)

	// connection-success goes out before anything queued meanwhile.
	if err := p.send(domain.NotifyConnectionSuccess, map[string]interface{}{"socketId": p.session.ID()}); err != nil {
		p.logger.Infow("Handshake notification failed", "error", err)
		p.close()
	} else {
		go p.writeLoop()
		go p.keepalive()
		p.logger.Infow("Peer connected", "remote_addr", p.remote)
	}

	select {
	case <-p.rpc.DisconnectNotify():
	case <-p.done:
	}
	p.close()
	_ = p.rpc.Close()
	p.server.sessions.Close(ctx, p.session.ID())
	p.logger.Infow("Peer disconnected", "remote_addr", p.remote)
}

// Notify queues a server-initiated message. It never blocks: a peer that
// cannot keep up with its notifications is disconnected.
func (p *peer) Notify(method string, params interface{}) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.outbox <- notification{method: method, params: params}:
	default:
		p.server.logger.Warnw("Notification queue full, dropping peer", "remote_addr", p.remote, "method", method)
		p.close()
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case n := <-p.outbox:
			if err := p.send(n.method, n.params); err != nil {
				p.logger.Infow("Notification write failed", "method", n.method, "error", err)
				p.close()
				return
			}
		}
	}
}

func (p *peer) send(method string, params interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.server.cfg.WriteTimeout)
	defer cancel()
	return p.rpc.Notify(ctx, method, params)
}

func (p *peer) keepalive() {
	ticker := time.NewTicker(p.server.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(p.server.cfg.WriteTimeout)
			if err := p.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.logger.Infow("Ping failed", "error", err)
				p.close()
				return
			}
		}
	}
}

// Close ends the connection after its session was torn down elsewhere, for
// instance through the admin API. The peer is told why first.
func (p *peer) Close() {
	select {
	case <-p.done:
		return
	default:
	}
	if p.started.Load() {
		if err := p.send(domain.NotifySessionClosed, struct{}{}); err != nil {
			p.logger.Debugw("Session closed notification failed", "error", err)
		}
	}
	p.close()
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}
