package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

var _ ports.SignalMetrics = (*PrometheusCollector)(nil)

func TestPrometheusCollector_Lifecycle(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsTotal))

	c.TransportOpened(domain.RoleSend)
	c.TransportClosed(domain.RoleSend, domain.CloseReasonDtlsFailed)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.transportsActive.WithLabelValues("send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportsClosed.WithLabelValues("send", "dtlsfailed")))

	c.ProducerOpened(domain.MediaKindVideo)
	c.ConsumerOpened(domain.MediaKindVideo)
	c.ConsumerClosed(domain.MediaKindVideo, domain.CloseReasonProducerClose)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.producersActive.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consumersClosed.WithLabelValues("video", "producerclose")))

	c.WorkerDied(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerDeaths.WithLabelValues("3")))

	c.ObserveRequest("consume", "OK", 5*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(c.requestDuration))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

type pool bool

func (p pool) Healthy() bool { return bool(p) }

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddWorkerCheck(pool(true))
	h.AddCheck("ok", func(context.Context) error { return nil }, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["workers"].Status)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("store", func(context.Context) error { return errors.New("down") }, 0)
	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "down", status.Checks["store"].Error)
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_OptionalDegrades(t *testing.T) {
	h := NewHealthChecker()
	h.AddWorkerCheck(pool(true))
	h.AddOptionalCheck("redis", func(context.Context) error { return errors.New("connection refused") }, 0)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Checks["redis"].Status)
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_NoWorkers(t *testing.T) {
	h := NewHealthChecker()
	h.AddWorkerCheck(pool(false))
	h.AddOptionalCheck("redis", func(context.Context) error { return errors.New("down") }, 0)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "no running worker", status.Checks["workers"].Error)
}

func TestHealthChecker_TimesOut(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"].Error)
}

func TestHealthChecker_RunsInParallel(t *testing.T) {
	h := NewHealthChecker()
	for _, name := range []string{"a", "b", "c"} {
		h.AddCheck(name, func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}, time.Second)
	}

	start := time.Now()
	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Less(t, time.Since(start), 140*time.Millisecond)
}
