package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	Attempts     int           // total tries, including the first
	InitialDelay time.Duration // wait after the first failure
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // spread each wait by up to ±25%

	// Permanent errors stop the loop immediately.
	Permanent []error
}

// DefaultPolicy is used for connecting to external stores at startup.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:     4,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do calls fn until it succeeds, the attempts are spent, a permanent error
// is returned or ctx is done. The last error is wrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.permanent(lastErr) {
			return lastErr
		}
		if attempt == p.Attempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", p.Attempts, lastErr)
}

// Delay returns the wait before the retry that follows the given
// zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	d := time.Duration(delay)
	if p.Jitter && d > 0 {
		spread := int64(d / 2)
		if spread > 0 {
			d = d - d/4 + time.Duration(rand.Int63n(spread))
		}
	}
	return d
}

func (p Policy) permanent(err error) bool {
	for _, target := range p.Permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
