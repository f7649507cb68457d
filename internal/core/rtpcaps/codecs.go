package rtpcaps

import (
	"sfusignal/internal/core/domain"
	"sfusignal/pkg/config"
)

// FromConfig converts the configured codec table to capability entries.
func FromConfig(codecs []config.MediaCodec) []domain.RtpCodecCapability {
	out := make([]domain.RtpCodecCapability, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, domain.RtpCodecCapability{
			Kind:       domain.MediaKind(c.Kind),
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: cloneParams(c.Parameters),
		})
	}
	return out
}
