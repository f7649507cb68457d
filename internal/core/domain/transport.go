package domain

type TransportRole string

const (
	RoleSend TransportRole = "send"
	RoleRecv TransportRole = "recv"
)

// RoleFromSender maps the signaling "sender" flag to a transport role.
func RoleFromSender(sender bool) TransportRole {
	if sender {
		return RoleSend
	}
	return RoleRecv
}

// TransportState is the DTLS-driven connection state of a transport.
type TransportState string

const (
	TransportNew        TransportState = "new"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportFailed     TransportState = "failed"
	TransportClosed     TransportState = "closed"
)

// Terminal reports whether the state forces the transport closed.
func (s TransportState) Terminal() bool {
	return s == TransportFailed || s == TransportClosed
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// Key identifies a DTLS parameter set so reuse can be detected.
func (p DtlsParameters) Key() string {
	key := string(p.Role)
	for _, fp := range p.Fingerprints {
		key += "|" + fp.Algorithm + "=" + fp.Value
	}
	return key
}

// TransportListenConfig is the fixed listening setup applied to every transport.
type TransportListenConfig struct {
	ListenIP    string
	AnnouncedIP string
	EnableUDP   bool
	EnableTCP   bool
	PreferUDP   bool
}

// TransportParams is what the peer needs to build its side of a transport.
type TransportParams struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// ConsumerParams is what the peer needs to build its consumer.
type ConsumerParams struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}
