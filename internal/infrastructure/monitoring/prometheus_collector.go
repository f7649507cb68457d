package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sfusignal/internal/core/domain"
)

// PrometheusCollector records signaling metrics. It implements
// ports.SignalMetrics.
type PrometheusCollector struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	transportsActive *prometheus.GaugeVec
	transportsClosed *prometheus.CounterVec
	producersActive  *prometheus.GaugeVec
	producersClosed  *prometheus.CounterVec
	consumersActive  *prometheus.GaugeVec
	consumersClosed  *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
	workerDeaths    *prometheus.CounterVec
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sfusignal_sessions_active",
			Help: "Number of open signaling sessions",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sfusignal_sessions_total",
			Help: "Total number of signaling sessions opened",
		}),

		transportsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfusignal_transports_active",
			Help: "Number of open WebRTC transports",
		}, []string{"role"}),

		transportsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfusignal_transports_closed_total",
			Help: "Transports closed, by close reason",
		}, []string{"role", "reason"}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfusignal_producers_active",
			Help: "Number of active producers",
		}, []string{"kind"}),

		producersClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfusignal_producers_closed_total",
			Help: "Producers closed, by close reason",
		}, []string{"kind", "reason"}),

		consumersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfusignal_consumers_active",
			Help: "Number of active consumers",
		}, []string{"kind"}),

		consumersClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfusignal_consumers_closed_total",
			Help: "Consumers closed, by close reason",
		}, []string{"kind", "reason"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sfusignal_request_duration_seconds",
			Help:    "Duration of signaling requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "code"}),

		workerDeaths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfusignal_worker_deaths_total",
			Help: "Routing workers that died unexpectedly",
		}, []string{"worker_id"}),
	}
}

func (c *PrometheusCollector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

func (c *PrometheusCollector) SessionClosed() {
	c.sessionsActive.Dec()
}

func (c *PrometheusCollector) TransportOpened(role domain.TransportRole) {
	c.transportsActive.WithLabelValues(string(role)).Inc()
}

func (c *PrometheusCollector) TransportClosed(role domain.TransportRole, reason domain.CloseReason) {
	c.transportsActive.WithLabelValues(string(role)).Dec()
	c.transportsClosed.WithLabelValues(string(role), string(reason)).Inc()
}

func (c *PrometheusCollector) ProducerOpened(kind domain.MediaKind) {
	c.producersActive.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) ProducerClosed(kind domain.MediaKind, reason domain.CloseReason) {
	c.producersActive.WithLabelValues(string(kind)).Dec()
	c.producersClosed.WithLabelValues(string(kind), string(reason)).Inc()
}

func (c *PrometheusCollector) ConsumerOpened(kind domain.MediaKind) {
	c.consumersActive.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) ConsumerClosed(kind domain.MediaKind, reason domain.CloseReason) {
	c.consumersActive.WithLabelValues(string(kind)).Dec()
	c.consumersClosed.WithLabelValues(string(kind), string(reason)).Inc()
}

func (c *PrometheusCollector) ObserveRequest(method, code string, d time.Duration) {
	c.requestDuration.WithLabelValues(method, code).Observe(d.Seconds())
}

func (c *PrometheusCollector) WorkerDied(id domain.WorkerID) {
	c.workerDeaths.WithLabelValues(strconv.Itoa(int(id))).Inc()
}
