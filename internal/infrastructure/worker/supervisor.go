// Package worker supervises routing-engine workers: it spawns them on
// disjoint port ranges, hands out running workers for new routers and
// applies the fail-hard policy when one dies.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

const maxDeathGracePeriod = 5 * time.Second

type Config struct {
	Count            int
	RTCMinPort       uint16
	RTCMaxPort       uint16
	DeathGracePeriod time.Duration
}

type Option func(*Supervisor)

// WithExitFunc replaces os.Exit, mainly for tests.
func WithExitFunc(exit func(code int)) Option {
	return func(s *Supervisor) { s.exit = exit }
}

// WithDeathHook registers a callback run when a worker dies, before the
// grace period starts.
func WithDeathHook(hook func(domain.WorkerInfo)) Option {
	return func(s *Supervisor) { s.deathHooks = append(s.deathHooks, hook) }
}

type entry struct {
	worker ports.Worker
	info   domain.WorkerInfo
}

type Supervisor struct {
	cfg        Config
	factory    ports.WorkerFactory
	logger     *zap.SugaredLogger
	exit       func(code int)
	deathHooks []func(domain.WorkerInfo)

	mu       sync.RWMutex
	entries  []*entry
	stopping bool

	next      atomic.Uint64
	fatalOnce sync.Once
	wg        sync.WaitGroup
}

func NewSupervisor(cfg Config, factory ports.WorkerFactory, logger *zap.SugaredLogger, opts ...Option) (*Supervisor, error) {
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("worker count must be > 0")
	}
	if cfg.DeathGracePeriod <= 0 || cfg.DeathGracePeriod > maxDeathGracePeriod {
		return nil, fmt.Errorf("death grace period must be in (0, %s]", maxDeathGracePeriod)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		exit:    os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SplitPortRange divides [min, max] into n contiguous non-overlapping ranges.
func SplitPortRange(min, max uint16, n int) ([][2]uint16, error) {
	if n <= 0 {
		return nil, fmt.Errorf("n must be > 0")
	}
	if min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	total := int(max) - int(min) + 1
	if total < n {
		return nil, fmt.Errorf("port range %d-%d too small for %d workers", min, max, n)
	}
	size, rem := total/n, total%n
	ranges := make([][2]uint16, 0, n)
	start := int(min)
	for i := 0; i < n; i++ {
		width := size
		if i < rem {
			width++
		}
		ranges = append(ranges, [2]uint16{uint16(start), uint16(start + width - 1)})
		start += width
	}
	return ranges, nil
}

// Start spawns the configured workers and starts watching them.
func (s *Supervisor) Start(ctx context.Context) error {
	ranges, err := SplitPortRange(s.cfg.RTCMinPort, s.cfg.RTCMaxPort, s.cfg.Count)
	if err != nil {
		return err
	}
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := domain.WorkerID(i)
		w, err := s.factory(id, r[0], r[1])
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to create worker %d: %w", i, err)
		}
		e := &entry{
			worker: w,
			info: domain.WorkerInfo{
				ID:        id,
				PID:       w.PID(),
				PortMin:   r[0],
				PortMax:   r[1],
				State:     domain.WorkerRunning,
				StartedAt: time.Now(),
			},
		}
		s.mu.Lock()
		s.entries = append(s.entries, e)
		s.mu.Unlock()

		s.logger.Infow("Worker started", "worker_id", id, "pid", w.PID(), "rtc_min_port", r[0], "rtc_max_port", r[1])

		s.wg.Add(1)
		go s.watch(e)
	}
	return nil
}

func (s *Supervisor) watch(e *entry) {
	defer s.wg.Done()
	<-e.worker.Done()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	e.info.State = domain.WorkerDead
	e.info.DiedAt = &now
	if err := e.worker.Err(); err != nil {
		e.info.DeathCause = err.Error()
	} else {
		e.info.DeathCause = "worker exited unexpectedly"
	}
	info := e.info
	s.mu.Unlock()

	s.logger.Errorw("Routing worker died, shutting down",
		"worker_id", info.ID,
		"pid", info.PID,
		"cause", info.DeathCause,
		"exit_in", s.cfg.DeathGracePeriod,
	)
	for _, hook := range s.deathHooks {
		hook(info)
	}

	s.fatalOnce.Do(func() {
		time.AfterFunc(s.cfg.DeathGracePeriod, func() {
			s.logger.Errorw("Exiting after worker death", "worker_id", info.ID)
			_ = s.logger.Sync()
			s.exit(1)
		})
	})
}

// Pick returns a running worker, rotating across healthy workers.
func (s *Supervisor) Pick() (ports.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping {
		return nil, domain.ErrWorkerUnavailable
	}
	n := len(s.entries)
	if n == 0 {
		return nil, domain.ErrWorkerUnavailable
	}
	start := s.next.Add(1) - 1
	for i := 0; i < n; i++ {
		e := s.entries[(start+uint64(i))%uint64(n)]
		if e.info.State == domain.WorkerRunning {
			return e.worker, nil
		}
	}
	return nil, domain.ErrWorkerUnavailable
}

// Workers returns a snapshot of every supervised worker.
func (s *Supervisor) Workers() []domain.WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WorkerInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info)
	}
	return out
}

// Healthy reports whether every worker is running.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 || s.stopping {
		return false
	}
	for _, e := range s.entries {
		if e.info.State != domain.WorkerRunning {
			return false
		}
	}
	return true
}

// Close stops all workers without triggering the death policy.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.closeAll()
	s.wg.Wait()
	return nil
}

func (s *Supervisor) closeAll() {
	s.mu.RLock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.RUnlock()
	for _, e := range entries {
		if err := e.worker.Close(); err != nil {
			s.logger.Warnw("Failed to close worker", "worker_id", e.info.ID, "error", err)
		}
	}
}
