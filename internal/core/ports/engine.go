package ports

import (
	"context"

	"sfusignal/internal/core/domain"
)

// The routing engine is an external collaborator. These interfaces are the
// whole surface the signaling core relies on.

type WorkerFactory func(id domain.WorkerID, portMin, portMax uint16) (Worker, error)

type Worker interface {
	ID() domain.WorkerID
	PID() int
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
	// Done is closed when the worker dies or is closed.
	Done() <-chan struct{}
	// Err returns the death cause once Done is closed, nil after a clean Close.
	Err() error
	Close() error
}

type Router interface {
	ID() domain.RouterID
	WorkerID() domain.WorkerID
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts domain.TransportListenConfig) (Transport, error)
	Close() error
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]interface{}
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RtpCapabilities domain.RtpCapabilities
	Paused          bool
}

type Transport interface {
	ID() domain.TransportID
	IceParameters() domain.IceParameters
	IceCandidates() []domain.IceCandidate
	DtlsParameters() domain.DtlsParameters
	DtlsState() domain.TransportState
	Connect(ctx context.Context, remote domain.DtlsParameters) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	// OnDtlsStateChange registers the single state listener. It may be
	// invoked from engine goroutines.
	OnDtlsStateChange(fn func(domain.TransportState))
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

// RemoteIceSetter is implemented by transports that run full ICE and need
// the peer's credentials before Connect. Lite engines do not implement it.
type RemoteIceSetter interface {
	SetRemoteIceParameters(params domain.IceParameters)
}
