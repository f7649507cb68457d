package rtcengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v3"

	"sfusignal/internal/core/domain"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters as an SDP fmtp line with sorted keys.
func fmtpLine(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func toCodecParameters(c domain.RtpCodecParameters) webrtc.RTPCodecParameters {
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
	for _, fb := range c.RtcpFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: feedback,
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

// registerCodecs makes the payload types of params known to the media
// engine of one transport.
func registerCodecs(me *webrtc.MediaEngine, kind domain.MediaKind, params domain.RtpParameters) error {
	for _, c := range params.Codecs {
		if err := me.RegisterCodec(toCodecParameters(c), codecType(kind)); err != nil {
			return fmt.Errorf("register %s/%d: %w", c.MimeType, c.PayloadType, err)
		}
	}
	return nil
}

func toDomainCandidate(c webrtc.ICECandidate) domain.IceCandidate {
	return domain.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

// orderCandidates puts UDP candidates first when UDP is preferred.
func orderCandidates(cands []domain.IceCandidate, preferUDP bool) []domain.IceCandidate {
	if !preferUDP {
		return cands
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Protocol == "udp" && cands[j].Protocol != "udp"
	})
	return cands
}

func toDomainIce(p webrtc.ICEParameters) domain.IceParameters {
	return domain.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          p.ICELite,
	}
}

func toWebrtcIce(p domain.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func toDomainDtls(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{Role: domain.DtlsRoleAuto}
	switch p.Role {
	case webrtc.DTLSRoleClient:
		out.Role = domain.DtlsRoleClient
	case webrtc.DTLSRoleServer:
		out.Role = domain.DtlsRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func toWebrtcDtls(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case domain.DtlsRoleClient:
		out.Role = webrtc.DTLSRoleClient
	case domain.DtlsRoleServer:
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func toDomainState(s webrtc.DTLSTransportState) domain.TransportState {
	switch s {
	case webrtc.DTLSTransportStateConnecting:
		return domain.TransportConnecting
	case webrtc.DTLSTransportStateConnected:
		return domain.TransportConnected
	case webrtc.DTLSTransportStateFailed:
		return domain.TransportFailed
	case webrtc.DTLSTransportStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}
