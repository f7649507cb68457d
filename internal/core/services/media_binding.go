package services

import (
	"context"
	"sync"
	"time"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/rtpcaps"
	"sfusignal/pkg/tracing"
)

// MediaBinding creates producers and capability-checked consumers and
// owns the producer -> consumer edges.
type MediaBinding struct {
	*deps
	directory *ProducerDirectory
}

func NewMediaBinding(d *deps, directory *ProducerDirectory) *MediaBinding {
	return &MediaBinding{deps: d, directory: directory}
}

type producerNode struct {
	mgr       *MediaBinding
	session   *Session
	transport *transportNode
	producer  ports.Producer
	workerID  domain.WorkerID
	createdAt time.Time

	mu        sync.Mutex
	closed    bool
	consumers map[domain.ConsumerID]*consumerNode
}

func (p *producerNode) id() domain.ProducerID {
	return p.producer.ID()
}

func (p *producerNode) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *producerNode) info() domain.ProducerInfo {
	return domain.ProducerInfo{
		ID:        p.producer.ID(),
		SessionID: p.session.ID(),
		WorkerID:  p.workerID,
		Kind:      p.producer.Kind(),
		CreatedAt: p.createdAt,
	}
}

type consumerNode struct {
	mgr       *MediaBinding
	session   *Session
	transport *transportNode
	source    *producerNode
	consumer  ports.Consumer

	mu     sync.Mutex
	closed bool
}

func (c *consumerNode) id() domain.ConsumerID {
	return c.consumer.ID()
}

func (c *consumerNode) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *consumerNode) params() domain.ConsumerParams {
	return domain.ConsumerParams{
		ID:            c.consumer.ID(),
		ProducerID:    c.consumer.ProducerID(),
		Kind:          c.consumer.Kind(),
		RtpParameters: c.consumer.RtpParameters(),
	}
}

// Produce creates a producer on the send transport t.
func (m *MediaBinding) Produce(ctx context.Context, t *transportNode, router ports.Router,
	kind domain.MediaKind, params domain.RtpParameters, appData map[string]interface{}) (*producerNode, error) {

	if err := rtpcaps.ValidateRtpParameters(kind, params); err != nil {
		return nil, domain.ErrTransportSetupFailure.Wrap(err)
	}
	if err := rtpcaps.SupportsProducer(router.RtpCapabilities(), kind, params); err != nil {
		return nil, domain.ErrTransportSetupFailure.Wrap(err)
	}

	ectx, cancel := m.engineCtx(ctx, "produce", tracing.TransportIDKey.String(string(t.id())))
	defer cancel()
	producer, err := t.transport.Produce(ectx, ports.ProduceOptions{
		Kind:          kind,
		RtpParameters: params,
		AppData:       appData,
	})
	if err != nil {
		tracing.RecordError(ectx, err)
		return nil, setupFailure("produce", err)
	}

	p := &producerNode{
		mgr:       m,
		session:   t.session,
		transport: t,
		producer:  producer,
		workerID:  router.WorkerID(),
		createdAt: time.Now(),
		consumers: make(map[domain.ConsumerID]*consumerNode),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = producer.Close()
		return nil, domain.ErrTransportNotFound.Withf("send transport %s closed during produce", t.id())
	}
	t.producers[p.id()] = p
	t.mu.Unlock()

	m.directory.Add(p)
	m.metrics.ProducerOpened(kind)
	m.logger.Infow("Producer created",
		"session_id", t.session.ID(),
		"transport_id", t.id(),
		"producer_id", p.id(),
		"kind", kind,
		"encodings", len(params.Encodings),
	)
	wid := p.workerID
	m.publish(&domain.ClusterEvent{
		Type:       domain.EventProducerOpened,
		SessionID:  t.session.ID(),
		ProducerID: p.id(),
		WorkerID:   &wid,
		Payload:    map[string]interface{}{"kind": kind},
	})
	return p, nil
}

// ResolveSource picks the producer a consumer should read from.
func (m *MediaBinding) ResolveSource(router ports.Router, producerID domain.ProducerID) (*producerNode, error) {
	var p *producerNode
	if producerID != "" {
		p = m.directory.Get(producerID)
	} else {
		p = m.directory.Latest(router.WorkerID())
	}
	if p == nil || p.isClosed() {
		return nil, domain.ErrCannotConsume.Wrap(errNoActiveProducer)
	}
	return p, nil
}

// Consume creates a paused consumer of source on the receive transport t,
// only if the router reports the capabilities as compatible.
func (m *MediaBinding) Consume(ctx context.Context, t *transportNode, router ports.Router,
	source *producerNode, caps domain.RtpCapabilities) (*consumerNode, error) {

	if !router.CanConsume(source.id(), caps) {
		m.logger.Infow("Cannot consume",
			"session_id", t.session.ID(),
			"producer_id", source.id(),
			"codecs", len(caps.Codecs),
		)
		return nil, domain.ErrCannotConsume
	}

	ectx, cancel := m.engineCtx(ctx, "consume", tracing.ProducerIDKey.String(string(source.id())))
	defer cancel()
	consumer, err := t.transport.Consume(ectx, ports.ConsumeOptions{
		ProducerID:      source.id(),
		RtpCapabilities: caps,
		Paused:          true,
	})
	if err != nil {
		tracing.RecordError(ectx, err)
		if source.isClosed() {
			return nil, domain.ErrCannotConsume.Wrap(err)
		}
		return nil, setupFailure("consume", err)
	}

	c := &consumerNode{
		mgr:       m,
		session:   t.session,
		transport: t,
		source:    source,
		consumer:  consumer,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = consumer.Close()
		return nil, domain.ErrTransportNotFound.Withf("recv transport %s closed during consume", t.id())
	}
	source.mu.Lock()
	if source.closed {
		source.mu.Unlock()
		t.mu.Unlock()
		_ = consumer.Close()
		return nil, domain.ErrCannotConsume.Wrap(errNoActiveProducer)
	}
	t.consumers[c.id()] = c
	source.consumers[c.id()] = c
	source.mu.Unlock()
	t.mu.Unlock()

	m.metrics.ConsumerOpened(consumer.Kind())
	m.logger.Infow("Consumer created",
		"session_id", t.session.ID(),
		"transport_id", t.id(),
		"consumer_id", c.id(),
		"producer_id", source.id(),
		"paused", consumer.Paused(),
	)
	return c, nil
}

func (m *MediaBinding) Resume(ctx context.Context, c *consumerNode) error {
	if c.isClosed() {
		return nil
	}
	ectx, cancel := m.engineCtx(ctx, "consumer.resume", tracing.ConsumerIDKey.String(string(c.id())))
	defer cancel()
	if err := c.consumer.Resume(ectx); err != nil {
		tracing.RecordError(ectx, err)
		return setupFailure("consumer-resume", err)
	}
	m.logger.Infow("Consumer resumed", "session_id", c.session.ID(), "consumer_id", c.id())
	return nil
}

func (m *MediaBinding) Pause(ctx context.Context, c *consumerNode) error {
	if c.isClosed() {
		return nil
	}
	ectx, cancel := m.engineCtx(ctx, "consumer.pause", tracing.ConsumerIDKey.String(string(c.id())))
	defer cancel()
	if err := c.consumer.Pause(ectx); err != nil {
		tracing.RecordError(ectx, err)
		return setupFailure("consumer-pause", err)
	}
	m.logger.Infow("Consumer paused", "session_id", c.session.ID(), "consumer_id", c.id())
	return nil
}

// CloseProducer closes p and every consumer reading from it.
func (m *MediaBinding) CloseProducer(p *producerNode, reason domain.CloseReason) {
	closeProducerTree(p, reason)
}

func (m *MediaBinding) CloseConsumer(c *consumerNode, reason domain.CloseReason) {
	closeConsumerNode(c, reason)
}

func (p *producerNode) finish(reason domain.CloseReason) {
	m := p.mgr
	if err := p.producer.Close(); err != nil {
		m.logger.Warnw("Engine producer close failed", "producer_id", p.id(), "error", err)
	}
	m.directory.Remove(p.id())

	p.transport.mu.Lock()
	delete(p.transport.producers, p.id())
	p.transport.mu.Unlock()

	p.session.detachProducer(p)
	if notifiesOwner(reason) {
		p.session.notify(domain.NotifyProducerClosed, domain.ProducerClosedNotification{
			ProducerID: p.id(),
			Reason:     reason,
		})
	}
	m.metrics.ProducerClosed(p.producer.Kind(), reason)
	m.logger.Infow("Producer closed",
		"session_id", p.session.ID(),
		"producer_id", p.id(),
		"reason", reason,
	)
	wid := p.workerID
	m.publish(&domain.ClusterEvent{
		Type:       domain.EventProducerClosed,
		SessionID:  p.session.ID(),
		ProducerID: p.id(),
		WorkerID:   &wid,
		Payload:    map[string]interface{}{"reason": reason},
	})
}

func (c *consumerNode) finish(reason domain.CloseReason) {
	m := c.mgr
	if err := c.consumer.Close(); err != nil {
		m.logger.Warnw("Engine consumer close failed", "consumer_id", c.id(), "error", err)
	}

	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id())
	c.transport.mu.Unlock()
	c.source.mu.Lock()
	delete(c.source.consumers, c.id())
	c.source.mu.Unlock()

	c.session.detachConsumer(c)
	if notifiesOwner(reason) {
		c.session.notify(domain.NotifyConsumerClosed, domain.ConsumerClosedNotification{
			ConsumerID: c.id(),
			ProducerID: c.source.id(),
			Reason:     reason,
		})
	}
	m.metrics.ConsumerClosed(c.consumer.Kind(), reason)
	m.logger.Infow("Consumer closed",
		"session_id", c.session.ID(),
		"consumer_id", c.id(),
		"producer_id", c.source.id(),
		"reason", reason,
	)
}
