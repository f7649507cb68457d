package domain

import "time"

// CloseReason says why a node of the ownership tree was closed.
type CloseReason string

const (
	CloseReasonRequested      CloseReason = "requested"
	CloseReasonTransportClose CloseReason = "transportclose"
	CloseReasonProducerClose  CloseReason = "producerclose"
	CloseReasonDtlsClosed     CloseReason = "dtlsclosed"
	CloseReasonDtlsFailed     CloseReason = "dtlsfailed"
	CloseReasonReplaced       CloseReason = "replaced"
	CloseReasonSessionClose   CloseReason = "sessionclose"
	CloseReasonWorkerDied     CloseReason = "workerdied"
)

// Notification method names pushed to the peer.
const (
	NotifyConnectionSuccess = "connection-success"
	NotifyTransportClosed   = "transport-closed"
	NotifyProducerClosed    = "producer-closed"
	NotifyConsumerClosed    = "consumer-closed"
	NotifyNewProducer       = "new-producer"
	NotifySessionClosed     = "session-closed"
)

type TransportClosedNotification struct {
	TransportID TransportID   `json:"transportId"`
	Role        TransportRole `json:"role"`
	Reason      CloseReason   `json:"reason"`
}

type ProducerClosedNotification struct {
	ProducerID ProducerID  `json:"producerId"`
	Reason     CloseReason `json:"reason"`
}

type ConsumerClosedNotification struct {
	ConsumerID ConsumerID  `json:"consumerId"`
	ProducerID ProducerID  `json:"producerId"`
	Reason     CloseReason `json:"reason"`
}

type NewProducerNotification struct {
	ProducerID ProducerID `json:"producerId"`
	Kind       MediaKind  `json:"kind"`
}

// Notifier pushes server-initiated messages to one peer. Implementations
// must not block the caller for long.
type Notifier interface {
	Notify(method string, params interface{})
	// Close disconnects the peer once its session is gone.
	Close()
}

// Cluster event types published on the event bus.
const (
	EventSessionOpened  = "session.opened"
	EventSessionClosed  = "session.closed"
	EventProducerOpened = "producer.opened"
	EventProducerClosed = "producer.closed"
	EventWorkerDied     = "worker.died"
)

// ClusterEvent is a lifecycle event shared with other signaling instances.
type ClusterEvent struct {
	Type       string                 `json:"type"`
	InstanceID string                 `json:"instance_id"`
	Timestamp  time.Time              `json:"timestamp"`
	SessionID  SessionID              `json:"session_id,omitempty"`
	ProducerID ProducerID             `json:"producer_id,omitempty"`
	WorkerID   *WorkerID              `json:"worker_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}
