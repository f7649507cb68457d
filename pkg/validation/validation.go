package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates session, transport, producer and consumer ids
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// FingerprintRegex validates a colon separated hex DTLS fingerprint
	FingerprintRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2})(:[0-9A-Fa-f]{2}){15,63}$`)

	// MimeTypeRegex validates "audio/opus" style codec names
	MimeTypeRegex = regexp.MustCompile(`^(audio|video)/[A-Za-z0-9.+_-]+$`)
)

var fingerprintAlgorithms = map[string]bool{
	"sha-1":   true,
	"sha-224": true,
	"sha-256": true,
	"sha-384": true,
	"sha-512": true,
}

// ValidateID validates an entity id
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateKind validates a media kind
func ValidateKind(kind string) error {
	if kind != "audio" && kind != "video" {
		return fmt.Errorf("invalid kind %q (must be audio or video)", kind)
	}
	return nil
}

// ValidateMimeType validates a codec mime type
func ValidateMimeType(mimeType string) error {
	if !MimeTypeRegex.MatchString(mimeType) {
		return fmt.Errorf("invalid mimeType %q", mimeType)
	}
	return nil
}

// ValidateFingerprint validates a DTLS fingerprint algorithm and value
func ValidateFingerprint(algorithm, value string) error {
	if !fingerprintAlgorithms[strings.ToLower(algorithm)] {
		return fmt.Errorf("unsupported fingerprint algorithm %q", algorithm)
	}
	if !FingerprintRegex.MatchString(value) {
		return fmt.Errorf("invalid fingerprint value")
	}
	return nil
}

// ValidateDtlsRole validates a DTLS role
func ValidateDtlsRole(role string) error {
	switch role {
	case "", "auto", "client", "server":
		return nil
	}
	return fmt.Errorf("invalid dtls role %q (must be auto, client or server)", role)
}

// ValidateIP validates an IP literal
func ValidateIP(ip, fieldName string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%s %q is not a valid IP address", fieldName, ip)
	}
	return nil
}

// ValidatePayloadType validates a dynamic or static RTP payload type
func ValidatePayloadType(pt int) error {
	if pt < 0 || pt > 127 {
		return fmt.Errorf("payload type %d out of range [0, 127]", pt)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
