// Package signal exposes sessions over a websocket carrying JSON-RPC 2.0.
// Each connection owns exactly one session; its requests are handled one
// at a time in arrival order.
package signal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/services"
	"sfusignal/pkg/config"
	rlog "sfusignal/pkg/logger"
)

type Config struct {
	Path              string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	OutboxSize        int
}

// ConfigFrom extracts the signaling settings of the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Path:              cfg.Signal.Path,
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageSize:    cfg.Signal.MaxMessageSizeBytes,
		AllowedOrigins:    cfg.Signal.AllowedOrigins,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
	}
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 64
	}
}

type Option func(*Server)

// WithAuth requires a valid token on every upgrade.
func WithAuth(auth services.AuthService) Option {
	return func(s *Server) { s.auth = auth }
}

func WithMetrics(m ports.SignalMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server accepts signaling connections.
type Server struct {
	cfg       Config
	sessions  *services.SessionService
	auth      services.AuthService
	metrics   ports.SignalMetrics
	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	closed bool
	peers  map[*peer]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg Config, sessions *services.SessionService, logger *zap.Logger, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		logger:    logger.Sugar().Named("signal"),
		ctxLogger: rlog.NewContextLogger(logger.Named("signal")),
		peers:     make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// bearerToken reads the token from the Authorization header or, for
// browsers that cannot set headers on a websocket, the token query value.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		if _, err := s.auth.ValidateToken(bearerToken(r)); err != nil {
			s.logger.Infow("Rejected signaling connection", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	p := newPeer(s, ws, r.RemoteAddr)
	s.track(p)
	defer s.untrack(p)
	p.serve()
}

func (s *Server) track(p *peer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// ConnectionCount returns the number of open signaling connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Shutdown refuses new connections, closes the open ones and waits for
// their sessions to be torn down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
