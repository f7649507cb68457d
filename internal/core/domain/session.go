package domain

import "time"

type (
	SessionID   string
	RouterID    string
	TransportID string
	ProducerID  string
	ConsumerID  string
	WorkerID    int
)

// SessionPhase is the negotiation phase of a session. Send and receive
// sub-flows advance independently, so the reported phase is the furthest
// point reached by either branch.
type SessionPhase string

const (
	PhaseIdle                  SessionPhase = "idle"
	PhaseCapabilitiesRequested SessionPhase = "capabilities_requested"
	PhaseDeviceReady           SessionPhase = "device_ready"
	PhaseSendTransportCreated  SessionPhase = "send_transport_created"
	PhaseProducing             SessionPhase = "producing"
	PhaseRecvTransportCreated  SessionPhase = "recv_transport_created"
	PhaseConsuming             SessionPhase = "consuming"
	PhaseClosed                SessionPhase = "closed"
)

var phaseRank = map[SessionPhase]int{
	PhaseIdle:                  0,
	PhaseCapabilitiesRequested: 1,
	PhaseDeviceReady:           2,
	PhaseSendTransportCreated:  3,
	PhaseProducing:             4,
	PhaseRecvTransportCreated:  5,
	PhaseConsuming:             6,
	PhaseClosed:                7,
}

// Rank orders phases in negotiation order.
func (p SessionPhase) Rank() int {
	return phaseRank[p]
}

// MaxPhase returns the furthest of the given phases.
func MaxPhase(phases ...SessionPhase) SessionPhase {
	best := PhaseIdle
	for _, p := range phases {
		if p.Rank() > best.Rank() {
			best = p
		}
	}
	return best
}

// SessionRecord is the externally visible snapshot of a session, used by
// the admin API and the session store.
type SessionRecord struct {
	ID              SessionID    `json:"id"`
	InstanceID      string       `json:"instance_id"`
	RemoteAddr      string       `json:"remote_addr"`
	Phase           SessionPhase `json:"phase"`
	WorkerID        *WorkerID    `json:"worker_id,omitempty"`
	RouterID        RouterID     `json:"router_id,omitempty"`
	SendTransportID TransportID  `json:"send_transport_id,omitempty"`
	RecvTransportID TransportID  `json:"recv_transport_id,omitempty"`
	ProducerID      ProducerID   `json:"producer_id,omitempty"`
	ConsumerID      ConsumerID   `json:"consumer_id,omitempty"`
	ConsumerPaused  bool         `json:"consumer_paused,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ProducerInfo describes an active producer for directory lookups.
type ProducerInfo struct {
	ID        ProducerID `json:"id"`
	SessionID SessionID  `json:"session_id"`
	WorkerID  WorkerID   `json:"worker_id"`
	Kind      MediaKind  `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
}
