package rtcengine

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/stun"
)

// remoteUfrag learns the peer's ICE username fragment from the USERNAME
// attribute of its first binding request ("local:remote"). Peers that send
// only DTLS parameters on connect never tell us their ICE credentials.
type remoteUfrag struct {
	once  sync.Once
	ready chan struct{}
	value string
}

func newRemoteUfrag() *remoteUfrag {
	return &remoteUfrag{ready: make(chan struct{})}
}

func (r *remoteUfrag) learned() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// observe inspects one inbound datagram. Anything but a well formed binding
// request is ignored.
func (r *remoteUfrag) observe(packet []byte) {
	if r.learned() {
		return
	}
	m, ok := bindingRequest(packet)
	if !ok {
		return
	}
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return
	}
	_, remote, ok := strings.Cut(username.String(), ":")
	if !ok || remote == "" {
		return
	}
	r.once.Do(func() {
		r.value = remote
		close(r.ready)
	})
}

func bindingRequest(packet []byte) (*stun.Message, bool) {
	if !stun.IsMessage(packet) {
		return nil, false
	}
	m := &stun.Message{Raw: append([]byte(nil), packet...)}
	if err := m.Decode(); err != nil || m.Type != stun.BindingRequest {
		return nil, false
	}
	return m, true
}

type datagram struct {
	raw  []byte
	from net.Addr
}

// litePacketConn is the UDP socket under a transport's ICE mux. It learns
// the remote ufrag from inbound checks and, while the remote password is
// unknown, answers the agent's own outgoing checks itself: those are signed
// with a password the peer never issued and would be rejected. A lite agent
// takes the peer's successful check as proof of the path.
type litePacketConn struct {
	net.PacketConn
	ufrag *remoteUfrag

	answerPwd atomic.Pointer[string]
	answers   chan datagram
	woken     atomic.Bool
}

func newLitePacketConn(conn net.PacketConn) *litePacketConn {
	return &litePacketConn{
		PacketConn: conn,
		ufrag:      newRemoteUfrag(),
		answers:    make(chan datagram, 16),
	}
}

// answerLocally turns on local answers for checks signed with pwd.
func (c *litePacketConn) answerLocally(pwd string) {
	c.answerPwd.Store(&pwd)
}

func (c *litePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		select {
		case d := <-c.answers:
			return copy(b, d.raw), d.from, nil
		default:
		}
		n, addr, err := c.PacketConn.ReadFrom(b)
		if err != nil && c.woken.CompareAndSwap(true, false) {
			_ = c.PacketConn.SetReadDeadline(time.Time{})
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
		}
		if n > 0 {
			c.ufrag.observe(b[:n])
		}
		return n, addr, err
	}
}

func (c *litePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if pwd := c.answerPwd.Load(); pwd != nil && c.answer(b, addr, *pwd) {
		return len(b), nil
	}
	return c.PacketConn.WriteTo(b, addr)
}

// answer queues a success response for an outgoing check signed with pwd
// and wakes the reader so the mux picks it up.
func (c *litePacketConn) answer(b []byte, addr net.Addr, pwd string) bool {
	req, ok := bindingRequest(b)
	if !ok {
		return false
	}
	integrity := stun.NewShortTermIntegrity(pwd)
	if integrity.Check(req) != nil {
		return false
	}
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	resp, err := stun.Build(req, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
		integrity,
		stun.Fingerprint,
	)
	if err != nil {
		return false
	}
	select {
	case c.answers <- datagram{raw: resp.Raw, from: addr}:
	default:
		return true
	}
	c.woken.Store(true)
	_ = c.PacketConn.SetReadDeadline(time.Now())
	return true
}
