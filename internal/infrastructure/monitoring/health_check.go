package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

type check struct {
	name     string
	probe    Probe
	timeout  time.Duration
	critical bool
}

type CheckResult struct {
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthChecker runs registered probes in parallel. A failing critical
// probe makes the instance unhealthy; any other failure only degrades it.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []check
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a critical probe. A non-positive timeout means one
// second.
func (h *HealthChecker) AddCheck(name string, probe Probe, timeout time.Duration) {
	h.add(check{name: name, probe: probe, timeout: timeout, critical: true})
}

// AddOptionalCheck registers a probe whose failure only degrades the
// status.
func (h *HealthChecker) AddOptionalCheck(name string, probe Probe, timeout time.Duration) {
	h.add(check{name: name, probe: probe, timeout: timeout})
}

func (h *HealthChecker) add(c check) {
	if c.timeout <= 0 {
		c.timeout = time.Second
	}
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]check(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.name] = r
		switch {
		case r.Status == StatusHealthy:
		case c.critical:
			status.Status = StatusUnhealthy
		case status.Status == StatusHealthy:
			status.Status = StatusDegraded
		}
	}
	return status
}

func run(ctx context.Context, c check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.probe(ctx)
	r := CheckResult{Status: StatusHealthy, Latency: time.Since(start)}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Error = err.Error()
	}
	return r
}

// IsReady is false only when a critical probe fails.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}
