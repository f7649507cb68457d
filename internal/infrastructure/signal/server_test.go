package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/rtpcaps"
	"sfusignal/internal/core/services"
	"sfusignal/internal/infrastructure/rtcengine/enginetest"
	"sfusignal/internal/infrastructure/worker"
	"sfusignal/pkg/config"
)

type harness struct {
	url      string
	sessions *services.SessionService
	server   *Server
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	logger := zap.NewNop()

	sup, err := worker.NewSupervisor(worker.Config{
		Count:            1,
		RTCMinPort:       2000,
		RTCMaxPort:       2020,
		DeathGracePeriod: time.Second,
	}, enginetest.New().Factory(), logger.Sugar(), worker.WithExitFunc(func(int) {}))
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	sessions := services.NewSessionService(services.ServiceConfig{
		Codecs: rtpcaps.FromConfig(config.DefaultMediaCodecs()),
		Listen: domain.TransportListenConfig{
			ListenIP:    "0.0.0.0",
			AnnouncedIP: "127.0.0.1",
			EnableUDP:   true,
			EnableTCP:   true,
			PreferUDP:   true,
		},
		CallTimeout: time.Second,
	}, sup, logger.Sugar())

	if cfg.Path == "" {
		cfg.Path = "/mediasoup"
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{"*"}
	}
	srv := NewServer(cfg, sessions, logger, opts...)
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, srv)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = sup.Close()
	})
	return &harness{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path,
		sessions: sessions,
		server:   srv,
	}
}

type received struct {
	method string
	params json.RawMessage
}

type client struct {
	conn *jsonrpc2.Conn

	mu      sync.Mutex
	pending []received
	notes   chan received
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	return h.dialURL(t, h.url, nil)
}

func (h *harness) dialURL(t *testing.T, url string, header http.Header) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)

	c := &client{notes: make(chan received, 64)}
	handler := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		if req.Notif {
			n := received{method: req.Method}
			if req.Params != nil {
				n.params = *req.Params
			}
			c.notes <- n
		}
		return nil, nil
	})
	c.conn = jsonrpc2.NewConn(context.Background(), jsonrpc2ws.NewObjectStream(ws), handler)
	t.Cleanup(func() { _ = c.conn.Close() })
	return c
}

func (c *client) call(t *testing.T, method string, params interface{}) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.conn.Call(ctx, method, params, &out))
	return out
}

// expect waits for the next notification named method, keeping others for
// later expectations.
func (c *client) expect(t *testing.T, method string) json.RawMessage {
	t.Helper()
	c.mu.Lock()
	for i, n := range c.pending {
		if n.method == method {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			return n.params
		}
	}
	c.mu.Unlock()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case n := <-c.notes:
			if n.method == method {
				return n.params
			}
			c.mu.Lock()
			c.pending = append(c.pending, n)
			c.mu.Unlock()
		case <-timeout:
			t.Fatalf("no %s notification", method)
			return nil
		}
	}
}

func dtls(seed byte) domain.DtlsParameters {
	parts := make([]string, 32)
	for i := range parts {
		parts[i] = fmt.Sprintf("%02X", seed+byte(i))
	}
	return domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: strings.Join(parts, ":")}},
	}
}

func vp8() domain.RtpParameters {
	return domain.RtpParameters{
		Mid: "0",
		Codecs: []domain.RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
		},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 1111}},
		Rtcp:      domain.RtcpParameters{Cname: "cam"},
	}
}

func capsOf(t *testing.T, res map[string]interface{}) domain.RtpCapabilities {
	t.Helper()
	raw, err := json.Marshal(res["rtpCapabilities"])
	require.NoError(t, err)
	var caps domain.RtpCapabilities
	require.NoError(t, json.Unmarshal(raw, &caps))
	return caps
}

func socketID(t *testing.T, c *client) string {
	t.Helper()
	var hello struct {
		SocketID string `json:"socketId"`
	}
	require.NoError(t, json.Unmarshal(c.expect(t, domain.NotifyConnectionSuccess), &hello))
	return hello.SocketID
}

// publish takes a fresh peer to the producing phase.
func publish(t *testing.T, c *client) string {
	t.Helper()
	c.call(t, MethodGetRtpCapabilities, nil)
	res := c.call(t, MethodCreateWebRtcTransport, map[string]interface{}{"sender": true})
	require.Contains(t, res, "params")
	assert.Empty(t, c.call(t, MethodTransportConnect, map[string]interface{}{"dtlsParameters": dtls(1)}))
	res = c.call(t, MethodTransportProduce, map[string]interface{}{
		"kind":          "video",
		"rtpParameters": vp8(),
		"appData":       map[string]interface{}{"source": "camera"},
	})
	id, _ := res["id"].(string)
	require.NotEmpty(t, id)
	return id
}

// subscribe takes a fresh peer to the point where it can consume.
func subscribe(t *testing.T, c *client) domain.RtpCapabilities {
	t.Helper()
	caps := capsOf(t, c.call(t, MethodGetRtpCapabilities, nil))
	c.call(t, MethodCreateWebRtcTransport, map[string]interface{}{"sender": false})
	assert.Empty(t, c.call(t, MethodTransportRecvConnect, map[string]interface{}{"dtlsParameters": dtls(2)}))
	return caps
}

func TestConnectionSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	id := socketID(t, c)
	require.NotEmpty(t, id)
	_, err := h.sessions.Get(domain.SessionID(id))
	assert.NoError(t, err)

	caps := capsOf(t, c.call(t, MethodGetRtpCapabilities, nil))
	assert.NotEmpty(t, caps.Codecs)
}

func TestPublishAndConsume(t *testing.T) {
	h := newHarness(t, Config{})
	pub := h.dial(t)
	sub := h.dial(t)
	socketID(t, pub)
	socketID(t, sub)

	producerID := publish(t, pub)

	var announced domain.NewProducerNotification
	require.NoError(t, json.Unmarshal(sub.expect(t, domain.NotifyNewProducer), &announced))
	assert.Equal(t, domain.ProducerID(producerID), announced.ProducerID)
	assert.Equal(t, domain.MediaKindVideo, announced.Kind)

	caps := subscribe(t, sub)
	res := sub.call(t, MethodConsume, map[string]interface{}{"rtpCapabilities": caps, "producerId": producerID})
	params, ok := res["params"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, params["id"])
	assert.Equal(t, producerID, params["producerId"])
	assert.Equal(t, "video", params["kind"])

	assert.Empty(t, sub.call(t, MethodConsumerResume, nil))
	assert.Empty(t, sub.call(t, MethodConsumerPause, nil))

	res = sub.call(t, MethodGetProducers, nil)
	assert.Equal(t, []interface{}{producerID}, res["producerIds"])
}

func TestConsume_CannotConsume(t *testing.T) {
	h := newHarness(t, Config{})
	pub := h.dial(t)
	sub := h.dial(t)

	subscribe(t, sub)
	res := sub.call(t, MethodConsume, map[string]interface{}{"rtpCapabilities": domain.RtpCapabilities{}})
	params, ok := res["params"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Cannot Consume", params["error"])
	assert.Equal(t, "CANNOT_CONSUME", params["code"])

	publish(t, pub)
	audioOnly := domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
	}}
	res = sub.call(t, MethodConsume, map[string]interface{}{"rtpCapabilities": audioOnly})
	params = res["params"].(map[string]interface{})
	assert.Equal(t, "Cannot Consume", params["error"])
}

func TestProducerClose_NotifiesConsumer(t *testing.T) {
	h := newHarness(t, Config{})
	pub := h.dial(t)
	sub := h.dial(t)

	producerID := publish(t, pub)
	caps := subscribe(t, sub)
	res := sub.call(t, MethodConsume, map[string]interface{}{"rtpCapabilities": caps})
	consumerID := res["params"].(map[string]interface{})["id"]

	assert.Empty(t, pub.call(t, MethodProducerClose, nil))

	var closed domain.ConsumerClosedNotification
	require.NoError(t, json.Unmarshal(sub.expect(t, domain.NotifyConsumerClosed), &closed))
	assert.Equal(t, consumerID, string(closed.ConsumerID))
	assert.Equal(t, domain.ProducerID(producerID), closed.ProducerID)
	assert.Equal(t, domain.CloseReasonProducerClose, closed.Reason)
}

func TestDisconnect_ClosesSessionAndCascades(t *testing.T) {
	h := newHarness(t, Config{})
	pub := h.dial(t)
	sub := h.dial(t)

	publish(t, pub)
	caps := subscribe(t, sub)
	sub.call(t, MethodConsume, map[string]interface{}{"rtpCapabilities": caps})
	require.Equal(t, 2, h.sessions.Count())

	require.NoError(t, pub.conn.Close())

	var closed domain.ConsumerClosedNotification
	require.NoError(t, json.Unmarshal(sub.expect(t, domain.NotifyConsumerClosed), &closed))
	assert.Equal(t, domain.CloseReasonProducerClose, closed.Reason)
	require.Eventually(t, func() bool { return h.sessions.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestOrderingErrorsAreInBand(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	res := c.call(t, MethodCreateWebRtcTransport, map[string]interface{}{"sender": true})
	params := res["params"].(map[string]interface{})
	assert.Equal(t, "ROUTER_UNAVAILABLE", params["code"])

	res = c.call(t, MethodTransportConnect, map[string]interface{}{"dtlsParameters": dtls(1)})
	assert.Equal(t, "TRANSPORT_NOT_FOUND", res["code"])

	res = c.call(t, MethodTransportProduce, map[string]interface{}{"kind": "video", "rtpParameters": vp8()})
	assert.Equal(t, "TRANSPORT_NOT_FOUND", res["code"])

	assert.Empty(t, c.call(t, MethodConsumerResume, nil))
}

func TestProduceBeforeConnect(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)

	c.call(t, MethodGetRtpCapabilities, nil)
	c.call(t, MethodCreateWebRtcTransport, map[string]interface{}{"sender": true})
	res := c.call(t, MethodTransportProduce, map[string]interface{}{"kind": "video", "rtpParameters": vp8()})
	assert.Equal(t, "PROTOCOL_VIOLATION", res["code"])
}

func TestMalformedRequests(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	ctx := context.Background()

	var out interface{}
	err := c.conn.Call(ctx, "no-such-method", nil, &out)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	err = c.conn.Call(ctx, MethodCreateWebRtcTransport, map[string]interface{}{}, &out)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)

	err = c.conn.Call(ctx, MethodTransportConnect, "not an object", &out)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{MessagesPerSecond: 0.001, Burst: 1})
	c := h.dial(t)

	res := c.call(t, MethodGetRtpCapabilities, nil)
	assert.Contains(t, res, "rtpCapabilities")

	res = c.call(t, MethodGetRtpCapabilities, nil)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", res["code"])
}

func TestAuth(t *testing.T) {
	auth := services.NewAuthService("secret", "sfusignal", time.Minute)
	h := newHarness(t, Config{}, WithAuth(auth))

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.GenerateToken("peer")
	require.NoError(t, err)
	c := h.dialURL(t, h.url+"?token="+token, nil)
	assert.NotEmpty(t, socketID(t, c))

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	c = h.dialURL(t, h.url, header)
	assert.NotEmpty(t, socketID(t, c))
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(Config{AllowedOrigins: []string{"https://app.example"}}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/mediasoup", nil)
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.checkOrigin(req))
}

func TestShutdownClosesPeers(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	socketID(t, c)
	require.Eventually(t, func() bool { return h.server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))

	select {
	case <-c.conn.DisconnectNotify():
	case <-time.After(3 * time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.Equal(t, 0, h.sessions.Count())
}

func TestAdminClose_DisconnectsPeer(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t)
	id := socketID(t, c)
	publish(t, c)
	require.Eventually(t, func() bool { return h.server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	h.sessions.Close(context.Background(), domain.SessionID(id))

	c.expect(t, domain.NotifySessionClosed)
	select {
	case <-c.conn.DisconnectNotify():
	case <-time.After(3 * time.Second):
		t.Fatal("client was not disconnected")
	}
	require.Eventually(t, func() bool { return h.server.ConnectionCount() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.sessions.Count())
}
