package services

import (
	"sfusignal/internal/core/domain"
)

// Ownership tree: Session -> transportNode -> {producerNode | consumerNode},
// plus producer -> consumer edges that may cross sessions.
//
// Lock order is transportNode.mu < producerNode.mu < consumerNode.mu, and
// Session.mu is never held while a node lock is taken by a close. A close
// first flags the whole subtree under these locks, then runs the side
// effects (engine close, detach, notify) with no lock held. Only the call
// that flips a node's closed flag runs its side effects.

type closedTransport struct {
	node   *transportNode
	reason domain.CloseReason
}

type closedProducer struct {
	node   *producerNode
	reason domain.CloseReason
}

type closedConsumer struct {
	node   *consumerNode
	reason domain.CloseReason
}

type teardown struct {
	transports []closedTransport
	producers  []closedProducer
	consumers  []closedConsumer
}

// markTransportLocked requires n.mu.
func (td *teardown) markTransportLocked(n *transportNode, reason domain.CloseReason) {
	n.closed = true
	n.state = domain.TransportClosed
	td.transports = append(td.transports, closedTransport{node: n, reason: reason})

	for _, p := range n.producers {
		p.mu.Lock()
		if !p.closed {
			td.markProducerLocked(p, domain.CloseReasonTransportClose)
		}
		p.mu.Unlock()
	}
	for _, c := range n.consumers {
		c.mu.Lock()
		if !c.closed {
			td.markConsumerLocked(c, domain.CloseReasonTransportClose)
		}
		c.mu.Unlock()
	}
	n.producers = nil
	n.consumers = nil
}

// markProducerLocked requires p.mu.
func (td *teardown) markProducerLocked(p *producerNode, reason domain.CloseReason) {
	p.closed = true
	td.producers = append(td.producers, closedProducer{node: p, reason: reason})

	for _, c := range p.consumers {
		c.mu.Lock()
		if !c.closed {
			td.markConsumerLocked(c, domain.CloseReasonProducerClose)
		}
		c.mu.Unlock()
	}
	p.consumers = nil
}

// markConsumerLocked requires c.mu.
func (td *teardown) markConsumerLocked(c *consumerNode, reason domain.CloseReason) {
	c.closed = true
	td.consumers = append(td.consumers, closedConsumer{node: c, reason: reason})
}

// run executes side effects leaf first.
func (td *teardown) run() {
	for _, c := range td.consumers {
		c.node.finish(c.reason)
	}
	for _, p := range td.producers {
		p.node.finish(p.reason)
	}
	for _, t := range td.transports {
		t.node.finish(t.reason)
	}
}

func closeTransportTree(n *transportNode, reason domain.CloseReason) {
	var td teardown
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	td.markTransportLocked(n, reason)
	n.mu.Unlock()
	td.run()
}

func closeProducerTree(p *producerNode, reason domain.CloseReason) {
	var td teardown
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	td.markProducerLocked(p, reason)
	p.mu.Unlock()
	td.run()
}

func closeConsumerNode(c *consumerNode, reason domain.CloseReason) {
	var td teardown
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	td.markConsumerLocked(c, reason)
	c.mu.Unlock()
	td.run()
}

// notifiesOwner reports whether the owning peer is told about a close.
// Closes the peer asked for itself are not echoed back.
func notifiesOwner(reason domain.CloseReason) bool {
	switch reason {
	case domain.CloseReasonRequested, domain.CloseReasonReplaced, domain.CloseReasonSessionClose:
		return false
	}
	return true
}
