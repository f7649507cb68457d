package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	b := New(cfg)
	b.now = c.now
	return b, c
}

func fail() error { return errDown }
func ok() error   { return nil }

func TestBreaker_PassesErrorsThrough(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.NoError(t, b.Do(ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, OpenTimeout: time.Second})

	_ = b.Do(fail)
	assert.Equal(t, StateClosed, b.State())
	_ = b.Do(fail)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, OpenTimeout: time.Second})
	_ = b.Do(fail)
	_ = b.Do(ok)
	_ = b.Do(fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second})

	var transitions []string
	b.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	_ = b.Do(fail)
	require.Equal(t, StateOpen, b.State())

	c.advance(time.Second)
	require.NoError(t, b.Do(ok))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Second})
	for i := 0; i < 3; i++ {
		_ = b.Do(fail)
	}
	c.advance(2 * time.Second)

	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(ok), ErrOpen)
}

func TestBreaker_LimitsProbes(t *testing.T) {
	b, c := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Second, HalfOpenProbes: 1})
	_ = b.Do(fail)
	c.advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Do(ok), ErrOpen)
	close(release)
}
