package rtcengine

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindingCheck(t *testing.T, username, pwd string) *stun.Message {
	t.Helper()
	m, err := stun.Build(stun.TransactionID, stun.BindingRequest,
		stun.NewUsername(username),
		stun.NewShortTermIntegrity(pwd),
		stun.Fingerprint,
	)
	require.NoError(t, err)
	return m
}

func TestRemoteUfrag_LearnsFromFirstCheck(t *testing.T) {
	r := newRemoteUfrag()

	r.observe([]byte{0x16, 0xfe, 0xfd, 0x00})
	r.observe(bindingCheck(t, "local", "pw").Raw)
	assert.False(t, r.learned(), "a username without the remote half is ignored")

	success, err := stun.Build(stun.TransactionID, stun.BindingSuccess, stun.NewUsername("local:other"))
	require.NoError(t, err)
	r.observe(success.Raw)
	assert.False(t, r.learned(), "only requests carry the peer's ufrag")

	r.observe(bindingCheck(t, "local:peer", "pw").Raw)
	require.True(t, r.learned())
	assert.Equal(t, "peer", r.value)

	r.observe(bindingCheck(t, "local:later", "pw").Raw)
	assert.Equal(t, "peer", r.value)
}

func loopbackPair(t *testing.T) (*litePacketConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return newLitePacketConn(a), b
}

func TestLitePacketConn_ObservesInboundChecks(t *testing.T) {
	conn, peer := loopbackPair(t)

	_, err := peer.WriteTo(bindingCheck(t, "local:peer", "pw").Raw, conn.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, peer.LocalAddr().String(), from.String())

	select {
	case <-conn.ufrag.ready:
	default:
		t.Fatal("ufrag not learned")
	}
	assert.Equal(t, "peer", conn.ufrag.value)
}

func TestLitePacketConn_AnswersOwnChecks(t *testing.T) {
	conn, peer := loopbackPair(t)
	conn.answerLocally("placeholder")

	req := bindingCheck(t, "peer:local", "placeholder")
	n, err := conn.WriteTo(req.Raw, peer.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, len(req.Raw), n)

	buf := make([]byte, 1500)
	n, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, peer.LocalAddr().String(), from.String())

	resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
	require.NoError(t, resp.Decode())
	assert.Equal(t, stun.BindingSuccess, resp.Type)
	assert.Equal(t, req.TransactionID, resp.TransactionID)
	assert.NoError(t, stun.NewShortTermIntegrity("placeholder").Check(resp))

	// Nothing reached the peer.
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = peer.ReadFrom(buf)
	assert.Error(t, err)
}

func TestLitePacketConn_ForwardsChecksSignedByThePeer(t *testing.T) {
	conn, peer := loopbackPair(t)
	conn.answerLocally("placeholder")

	req := bindingCheck(t, "peer:local", "real-password")
	_, err := conn.WriteTo(req.Raw, peer.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, req.Raw, buf[:n])
}

func TestLitePacketConn_ReadResumesAfterWake(t *testing.T) {
	conn, peer := loopbackPair(t)
	conn.answerLocally("placeholder")

	got := make(chan []byte, 2)
	go func() {
		buf := make([]byte, 1500)
		for i := 0; i < 2; i++ {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			got <- append([]byte(nil), buf[:n]...)
		}
	}()

	// Let the reader block on the socket before the answer is queued.
	time.Sleep(50 * time.Millisecond)
	_, err := conn.WriteTo(bindingCheck(t, "peer:local", "placeholder").Raw, peer.LocalAddr())
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.True(t, stun.IsMessage(b))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader was not woken")
	}

	payload := []byte{0x80, 0x60, 0x00, 0x01}
	_, err = peer.WriteTo(payload, conn.LocalAddr())
	require.NoError(t, err)
	select {
	case b := <-got:
		assert.Equal(t, payload, b)
	case <-time.After(2 * time.Second):
		t.Fatal("reader stopped after the wake up")
	}
}
