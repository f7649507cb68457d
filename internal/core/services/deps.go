package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/tracing"
)

// deps are the collaborators shared by the managers of one SessionService.
type deps struct {
	logger      *zap.SugaredLogger
	metrics     ports.SignalMetrics
	events      ports.EventBus
	instanceID  string
	callTimeout time.Duration
}

// engineCtx bounds a routing-engine call and traces it as op. The returned
// cancel also ends the span.
func (d *deps) engineCtx(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, context.CancelFunc) {
	ctx, span := tracing.TraceEngineCall(ctx, op, attrs...)
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	return ctx, func() {
		cancel()
		span.End()
	}
}

func (d *deps) publish(event *domain.ClusterEvent) {
	if d.events == nil {
		return
	}
	event.InstanceID = d.instanceID
	event.Timestamp = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.callTimeout)
	defer cancel()
	if err := d.events.Publish(ctx, event); err != nil {
		d.logger.Warnw("Failed to publish event", "type", event.Type, "error", err)
	}
}

// setupFailure wraps an engine error, keeping a timeout visible in the cause.
func setupFailure(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTransportSetupFailure.Withf("%s timed out", op)
	}
	return domain.ErrTransportSetupFailure.Wrap(err).WithDetail("operation", op)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()                                           {}
func (noopMetrics) SessionClosed()                                           {}
func (noopMetrics) TransportOpened(domain.TransportRole)                     {}
func (noopMetrics) TransportClosed(domain.TransportRole, domain.CloseReason) {}
func (noopMetrics) ProducerOpened(domain.MediaKind)                          {}
func (noopMetrics) ProducerClosed(domain.MediaKind, domain.CloseReason)      {}
func (noopMetrics) ConsumerOpened(domain.MediaKind)                          {}
func (noopMetrics) ConsumerClosed(domain.MediaKind, domain.CloseReason)      {}
func (noopMetrics) ObserveRequest(string, string, time.Duration)             {}
func (noopMetrics) WorkerDied(domain.WorkerID)                               {}
