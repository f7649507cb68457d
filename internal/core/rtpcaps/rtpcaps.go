// Package rtpcaps holds the RTP capability arithmetic shared by the
// routing engines: router capability generation, producer parameter
// validation, consumability checks and consumer parameter derivation.
package rtpcaps

import (
	"fmt"
	"math/rand"
	"strings"

	"sfusignal/internal/core/domain"
	"sfusignal/pkg/validation"
)

const (
	dynamicPayloadTypeMin = 100
	dynamicPayloadTypeMax = 127
)

var defaultVideoFeedback = []domain.RtcpFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
	{Type: "transport-cc"},
}

var defaultAudioFeedback = []domain.RtcpFeedback{
	{Type: "transport-cc"},
}

// DefaultHeaderExtensions is the header extension set every router offers.
var DefaultHeaderExtensions = []domain.RtpHeaderExtension{
	{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id", PreferredID: 2, Direction: "recvonly"},
	{Kind: domain.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id", PreferredID: 3, Direction: "recvonly"},
	{Kind: domain.MediaKindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5, Direction: "sendrecv"},
	{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
	{Kind: domain.MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 11, Direction: "sendrecv"},
}

// GenerateRouterCapabilities turns the static codec table into the router
// capability set: dynamic payload types, default RTCP feedback and an RTX
// companion for every video codec.
func GenerateRouterCapabilities(codecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	if len(codecs) == 0 {
		return domain.RtpCapabilities{}, fmt.Errorf("no media codecs configured")
	}

	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(dynamicPayloadTypeMin)
	allocate := func() (uint8, error) {
		for next <= dynamicPayloadTypeMax && used[next] {
			next++
		}
		if next > dynamicPayloadTypeMax {
			return 0, fmt.Errorf("ran out of dynamic payload types")
		}
		pt := next
		used[pt] = true
		next++
		return pt, nil
	}

	caps := domain.RtpCapabilities{}
	for _, c := range codecs {
		if err := validation.ValidateKind(string(c.Kind)); err != nil {
			return domain.RtpCapabilities{}, err
		}
		if err := validation.ValidateMimeType(c.MimeType); err != nil {
			return domain.RtpCapabilities{}, err
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(c.Kind)+"/") {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %s does not match kind %s", c.MimeType, c.Kind)
		}
		if c.IsRtx() {
			return domain.RtpCapabilities{}, fmt.Errorf("rtx codecs are added automatically")
		}

		codec := c
		codec.Parameters = cloneParams(c.Parameters)
		if codec.Kind == domain.MediaKindAudio && codec.Channels == 0 {
			codec.Channels = 1
		}
		if codec.PreferredPayloadType == 0 {
			pt, err := allocate()
			if err != nil {
				return domain.RtpCapabilities{}, err
			}
			codec.PreferredPayloadType = pt
		}
		if len(codec.RtcpFeedback) == 0 {
			if codec.Kind == domain.MediaKindVideo {
				codec.RtcpFeedback = append([]domain.RtcpFeedback(nil), defaultVideoFeedback...)
			} else {
				codec.RtcpFeedback = append([]domain.RtcpFeedback(nil), defaultAudioFeedback...)
			}
		}
		caps.Codecs = append(caps.Codecs, codec)

		if codec.Kind == domain.MediaKindVideo {
			pt, err := allocate()
			if err != nil {
				return domain.RtpCapabilities{}, err
			}
			caps.Codecs = append(caps.Codecs, domain.RtpCodecCapability{
				Kind:                 domain.MediaKindVideo,
				MimeType:             "video/rtx",
				PreferredPayloadType: pt,
				ClockRate:            codec.ClockRate,
				Parameters:           map[string]interface{}{"apt": int(codec.PreferredPayloadType)},
			})
		}
	}
	caps.HeaderExtensions = append([]domain.RtpHeaderExtension(nil), DefaultHeaderExtensions...)
	return caps, nil
}

// ValidateRtpParameters checks producer parameters sent by a peer.
func ValidateRtpParameters(kind domain.MediaKind, params domain.RtpParameters) error {
	if err := validation.ValidateKind(string(kind)); err != nil {
		return err
	}
	if len(params.Codecs) == 0 {
		return fmt.Errorf("rtpParameters.codecs must not be empty")
	}
	seen := make(map[uint8]bool)
	for i, c := range params.Codecs {
		if err := validation.ValidateMimeType(c.MimeType); err != nil {
			return fmt.Errorf("rtpParameters.codecs[%d]: %w", i, err)
		}
		if !c.IsRtx() && !strings.HasPrefix(strings.ToLower(c.MimeType), string(kind)+"/") {
			return fmt.Errorf("rtpParameters.codecs[%d]: %s does not match kind %s", i, c.MimeType, kind)
		}
		if err := validation.ValidatePayloadType(int(c.PayloadType)); err != nil {
			return fmt.Errorf("rtpParameters.codecs[%d]: %w", i, err)
		}
		if seen[c.PayloadType] {
			return fmt.Errorf("rtpParameters.codecs[%d]: duplicate payload type %d", i, c.PayloadType)
		}
		seen[c.PayloadType] = true
		if c.ClockRate == 0 {
			return fmt.Errorf("rtpParameters.codecs[%d]: clockRate must be > 0", i)
		}
	}
	if params.Codecs[0].IsRtx() {
		return fmt.Errorf("rtpParameters.codecs[0] must be a media codec")
	}
	for i, e := range params.Encodings {
		if e.Ssrc == 0 && e.Rid == "" && len(params.Encodings) > 1 {
			return fmt.Errorf("rtpParameters.encodings[%d]: ssrc or rid required with multiple encodings", i)
		}
	}
	return nil
}

// MatchCodecs reports whether two codecs describe the same media format.
// In strict mode codec specific parameters that affect decodability must
// also agree.
func MatchCodecs(aMime string, aClock uint32, aChannels uint16, aParams map[string]interface{},
	bMime string, bClock uint32, bChannels uint16, bParams map[string]interface{}, strict bool) bool {

	mime := strings.ToLower(aMime)
	if mime != strings.ToLower(bMime) || aClock != bClock {
		return false
	}
	if strings.HasPrefix(mime, "audio/") && normChannels(aChannels) != normChannels(bChannels) {
		return false
	}

	switch mime {
	case "video/h264", "video/h264-svc":
		if param(aParams, "packetization-mode", "0") != param(bParams, "packetization-mode", "0") {
			return false
		}
		if strict && !strings.EqualFold(profileOf(aParams), profileOf(bParams)) {
			return false
		}
	case "video/vp9":
		if strict && param(aParams, "profile-id", "0") != param(bParams, "profile-id", "0") {
			return false
		}
	}
	return true
}

// SupportsProducer checks that every media codec of the producer parameters
// is offered by the router.
func SupportsProducer(router domain.RtpCapabilities, kind domain.MediaKind, params domain.RtpParameters) error {
	for _, c := range params.Codecs {
		if c.IsRtx() {
			continue
		}
		if _, ok := findRouterCodec(router, kind, c); !ok {
			return fmt.Errorf("unsupported codec %s/%d", c.MimeType, c.ClockRate)
		}
	}
	return nil
}

// ConsumableParameters maps producer parameters onto router payload types,
// producing the canonical form consumers are derived from.
func ConsumableParameters(router domain.RtpCapabilities, kind domain.MediaKind, params domain.RtpParameters) (domain.RtpParameters, error) {
	out := domain.RtpParameters{
		Rtcp: domain.RtcpParameters{Cname: params.Rtcp.Cname, ReducedSize: true},
	}
	for _, c := range params.Codecs {
		if c.IsRtx() {
			continue
		}
		rc, ok := findRouterCodec(router, kind, c)
		if !ok {
			return domain.RtpParameters{}, fmt.Errorf("unsupported codec %s/%d", c.MimeType, c.ClockRate)
		}
		out.Codecs = append(out.Codecs, domain.RtpCodecParameters{
			MimeType:     rc.MimeType,
			PayloadType:  rc.PreferredPayloadType,
			ClockRate:    rc.ClockRate,
			Channels:     rc.Channels,
			Parameters:   cloneParams(c.Parameters),
			RtcpFeedback: append([]domain.RtcpFeedback(nil), rc.RtcpFeedback...),
		})
		for _, rtx := range router.Codecs {
			if rtx.IsRtx() && param(rtx.Parameters, "apt", "") == fmt.Sprint(rc.PreferredPayloadType) {
				out.Codecs = append(out.Codecs, domain.RtpCodecParameters{
					MimeType:    rtx.MimeType,
					PayloadType: rtx.PreferredPayloadType,
					ClockRate:   rtx.ClockRate,
					Parameters:  cloneParams(rtx.Parameters),
				})
			}
		}
	}
	if len(out.Codecs) == 0 {
		return domain.RtpParameters{}, fmt.Errorf("no media codec in rtpParameters")
	}

	for _, ext := range router.HeaderExtensions {
		if ext.Kind != kind {
			continue
		}
		out.HeaderExtensions = append(out.HeaderExtensions, domain.RtpHeaderExtensionParameters{
			URI:     ext.URI,
			ID:      ext.PreferredID,
			Encrypt: ext.PreferredEncrypt,
		})
	}

	encodings := params.Encodings
	if len(encodings) == 0 {
		encodings = []domain.RtpEncodingParameters{{}}
	}
	for _, e := range encodings {
		out.Encodings = append(out.Encodings, domain.RtpEncodingParameters{
			Ssrc:            randomSsrc(),
			Dtx:             e.Dtx,
			ScalabilityMode: e.ScalabilityMode,
			MaxBitrate:      e.MaxBitrate,
		})
	}
	return out, nil
}

// CanConsume reports whether an endpoint with caps can receive media
// described by the consumable parameters.
func CanConsume(consumable domain.RtpParameters, caps domain.RtpCapabilities) bool {
	var matching []domain.RtpCodecParameters
	for _, c := range consumable.Codecs {
		for _, cc := range caps.Codecs {
			if MatchCodecs(cc.MimeType, cc.ClockRate, cc.Channels, cc.Parameters,
				c.MimeType, c.ClockRate, c.Channels, c.Parameters, true) {
				matching = append(matching, c)
				break
			}
		}
	}
	return len(matching) > 0 && !matching[0].IsRtx()
}

// ConsumerParameters derives the parameters a consumer sends to an endpoint
// with caps. The result carries a single encoding.
func ConsumerParameters(consumable domain.RtpParameters, kind domain.MediaKind, caps domain.RtpCapabilities) (domain.RtpParameters, error) {
	out := domain.RtpParameters{
		Rtcp: domain.RtcpParameters{Cname: consumable.Rtcp.Cname, ReducedSize: true},
	}

	media := make(map[uint8]bool)
	for _, c := range consumable.Codecs {
		if c.IsRtx() {
			continue
		}
		cc, ok := findCapCodec(caps, c)
		if !ok {
			continue
		}
		c.Parameters = cloneParams(c.Parameters)
		c.RtcpFeedback = intersectFeedback(c.RtcpFeedback, cc.RtcpFeedback)
		out.Codecs = append(out.Codecs, c)
		media[c.PayloadType] = true
	}
	if len(out.Codecs) == 0 {
		return domain.RtpParameters{}, fmt.Errorf("no compatible media codecs")
	}

	capsHasRtx := false
	for _, cc := range caps.Codecs {
		if cc.IsRtx() {
			capsHasRtx = true
			break
		}
	}
	withRtx := false
	if capsHasRtx {
		for _, c := range consumable.Codecs {
			if c.IsRtx() && media[aptOf(c)] {
				out.Codecs = append(out.Codecs, c)
				withRtx = true
			}
		}
	}

	for _, ext := range consumable.HeaderExtensions {
		for _, ce := range caps.HeaderExtensions {
			if ce.Kind == kind && ce.URI == ext.URI && ce.PreferredID == ext.ID {
				out.HeaderExtensions = append(out.HeaderExtensions, ext)
				break
			}
		}
	}

	enc := domain.RtpEncodingParameters{Ssrc: randomSsrc()}
	if withRtx {
		enc.Rtx = &domain.RtxParameters{Ssrc: enc.Ssrc + 1}
	}
	if len(consumable.Encodings) > 0 {
		enc.Dtx = consumable.Encodings[0].Dtx
	}
	out.Encodings = []domain.RtpEncodingParameters{enc}
	return out, nil
}

func findRouterCodec(router domain.RtpCapabilities, kind domain.MediaKind, c domain.RtpCodecParameters) (domain.RtpCodecCapability, bool) {
	for _, rc := range router.Codecs {
		if rc.Kind != kind || rc.IsRtx() {
			continue
		}
		if MatchCodecs(rc.MimeType, rc.ClockRate, rc.Channels, rc.Parameters,
			c.MimeType, c.ClockRate, c.Channels, c.Parameters, false) {
			return rc, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func findCapCodec(caps domain.RtpCapabilities, c domain.RtpCodecParameters) (domain.RtpCodecCapability, bool) {
	for _, cc := range caps.Codecs {
		if MatchCodecs(cc.MimeType, cc.ClockRate, cc.Channels, cc.Parameters,
			c.MimeType, c.ClockRate, c.Channels, c.Parameters, true) {
			return cc, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func intersectFeedback(a, b []domain.RtcpFeedback) []domain.RtcpFeedback {
	var out []domain.RtcpFeedback
	for _, fa := range a {
		for _, fb := range b {
			if fa == fb {
				out = append(out, fa)
				break
			}
		}
	}
	return out
}

func aptOf(c domain.RtpCodecParameters) uint8 {
	var apt int
	if _, err := fmt.Sscan(param(c.Parameters, "apt", "-1"), &apt); err != nil || apt < 0 || apt > 127 {
		return 0
	}
	return uint8(apt)
}

func param(params map[string]interface{}, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

func profileOf(params map[string]interface{}) string {
	p := param(params, "profile-level-id", "42e01f")
	if len(p) >= 4 {
		return p[:4]
	}
	return p
}

func normChannels(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

func cloneParams(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func randomSsrc() uint32 {
	return 100000000 + uint32(rand.Int63n(800000000))
}
