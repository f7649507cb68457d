package rtcengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/rtpcaps"
	"sfusignal/pkg/optimize"
)

var (
	subscriberPool = optimize.NewSlicePool[*Consumer](8)
	rtcpBuffers    = optimize.NewBytePool(1500)
)

// Producer receives one RTP stream from a send transport and fans it out
// to the consumers subscribed to it.
type Producer struct {
	id         domain.ProducerID
	kind       domain.MediaKind
	params     domain.RtpParameters
	consumable domain.RtpParameters
	transport  *Transport
	receiver   *webrtc.RTPReceiver
	ssrc       uint32

	mu          sync.RWMutex
	closed      bool
	subscribers map[domain.ConsumerID]*Consumer
}

func newProducer(t *Transport, opts ports.ProduceOptions) (*Producer, error) {
	consumable, err := rtpcaps.ConsumableParameters(t.router.caps, opts.Kind, opts.RtpParameters)
	if err != nil {
		return nil, err
	}
	receiver, err := t.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp receiver: %w", err)
	}
	p := &Producer{
		id:          domain.ProducerID(uuid.NewString()),
		kind:        opts.Kind,
		params:      opts.RtpParameters,
		consumable:  consumable,
		transport:   t,
		receiver:    receiver,
		subscribers: make(map[domain.ConsumerID]*Consumer),
	}
	if len(opts.RtpParameters.Encodings) > 0 {
		p.ssrc = opts.RtpParameters.Encodings[0].Ssrc
	}
	return p, nil
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// decodingParameters describes the first encoding of the producer. Only
// that encoding is forwarded.
func (p *Producer) decodingParameters() webrtc.RTPReceiveParameters {
	coding := webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(p.ssrc)}
	if len(p.params.Encodings) > 0 {
		e := p.params.Encodings[0]
		coding.RID = e.Rid
		if e.Rtx != nil {
			coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(e.Rtx.Ssrc)}
		}
	}
	for _, c := range p.params.Codecs {
		if !c.IsRtx() {
			coding.PayloadType = webrtc.PayloadType(c.PayloadType)
			break
		}
	}
	return webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: coding}},
	}
}

func (p *Producer) start() {
	if p.isClosed() {
		return
	}
	if err := p.receiver.Receive(p.decodingParameters()); err != nil {
		p.transport.logger.Warnw("Producer receive failed", "producer_id", p.id, "error", err)
		return
	}
	go p.forward()
	go p.drainRTCP()
}

func (p *Producer) forward() {
	defer p.transport.worker.guard("producer forward")

	track := p.receiver.Track()
	if track == nil {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.isClosed() {
				p.transport.logger.Debugw("Producer read stopped", "producer_id", p.id, "error", err)
			}
			return
		}
		p.fanOut(pkt)
	}
}

func (p *Producer) fanOut(pkt *rtp.Packet) {
	subs := subscriberPool.Get()
	defer subscriberPool.Put(subs)

	p.mu.RLock()
	for _, c := range p.subscribers {
		*subs = append(*subs, c)
	}
	p.mu.RUnlock()

	for _, c := range *subs {
		c.write(pkt)
	}
}

// drainRTCP keeps the receiver's interceptor chain moving.
func (p *Producer) drainRTCP() {
	buf := rtcpBuffers.Get()
	defer rtcpBuffers.Put(buf)
	for {
		if _, _, err := p.receiver.Read(*buf); err != nil {
			return
		}
	}
}

// requestKeyFrame asks the sending peer for a fresh video key frame.
func (p *Producer) requestKeyFrame() {
	if p.kind != domain.MediaKindVideo || p.isClosed() {
		return
	}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	}); err != nil {
		p.transport.logger.Debugw("PLI write failed", "producer_id", p.id, "error", err)
	}
}

func (p *Producer) subscribe(c *Consumer) {
	p.mu.Lock()
	if !p.closed {
		p.subscribers[c.id] = c
	}
	p.mu.Unlock()
}

func (p *Producer) unsubscribe(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.subscribers, id)
	p.mu.Unlock()
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.subscribers = make(map[domain.ConsumerID]*Consumer)
	p.mu.Unlock()

	p.transport.worker.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	return p.receiver.Stop()
}

// Consumer sends the stream of a producer to a receiving peer.
type Consumer struct {
	id        domain.ConsumerID
	kind      domain.MediaKind
	params    domain.RtpParameters
	source    *Producer
	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender

	mu     sync.RWMutex
	closed bool
	paused bool
}

func newConsumer(t *Transport, source *Producer, opts ports.ConsumeOptions) (*Consumer, error) {
	params, err := rtpcaps.ConsumerParameters(source.consumable, source.kind, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	if err := registerCodecs(t.media, source.kind, params); err != nil {
		return nil, err
	}

	id := domain.ConsumerID(uuid.NewString())
	codec := toCodecParameters(params.Codecs[0])
	track, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, string(id), string(source.id))
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp sender: %w", err)
	}
	return &Consumer{
		id:        id,
		kind:      source.kind,
		params:    params,
		source:    source,
		transport: t,
		track:     track,
		sender:    sender,
		paused:    opts.Paused,
	}, nil
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.source.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

func (c *Consumer) start() {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	enc := c.params.Encodings[0]
	coding := webrtc.RTPCodingParameters{
		SSRC:        webrtc.SSRC(enc.Ssrc),
		PayloadType: webrtc.PayloadType(c.params.Codecs[0].PayloadType),
	}
	if enc.Rtx != nil {
		coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(enc.Rtx.Ssrc)}
	}
	err := c.sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{RTPCodingParameters: coding}},
	})
	if err != nil {
		c.transport.logger.Warnw("Consumer send failed", "consumer_id", c.id, "error", err)
		return
	}
	go c.readRTCP()
}

// readRTCP relays key frame requests of the receiving peer to the source.
func (c *Consumer) readRTCP() {
	defer c.transport.worker.guard("consumer rtcp")
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.source.requestKeyFrame()
			}
		}
	}
}

func (c *Consumer) write(pkt *rtp.Packet) {
	c.mu.RLock()
	skip := c.closed || c.paused
	c.mu.RUnlock()
	if skip {
		return
	}
	if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.transport.logger.Debugw("Consumer write failed", "consumer_id", c.id, "error", err)
	}
}

func (c *Consumer) Pause(ctx context.Context) error {
	return c.setPaused(ctx, true)
}

// Resume unpauses the consumer and asks the source for a key frame so the
// receiver can start decoding right away.
func (c *Consumer) Resume(ctx context.Context) error {
	if err := c.setPaused(ctx, false); err != nil {
		return err
	}
	c.source.requestKeyFrame()
	return nil
}

func (c *Consumer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.paused = paused
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.source.unsubscribe(c.id)
	c.transport.removeConsumer(c.id)
	return c.sender.Stop()
}
