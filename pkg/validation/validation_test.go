package validation

import (
	"strings"
	"testing"
)

const sha256Fingerprint = "AF:1B:2C:3D:4E:5F:60:71:82:93:A4:B5:C6:D7:E8:F9:0A:1B:2C:3D:4E:5F:60:71:82:93:A4:B5:C6:D7:E8:F9"

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "6f1c7e2a-8f4e-4a51-9d0d-3e3b2b7c1a10", false},
		{"underscore", "producer_1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"spaces", "producer 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "producerId")
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateKind(t *testing.T) {
	for _, kind := range []string{"audio", "video"} {
		if err := ValidateKind(kind); err != nil {
			t.Errorf("ValidateKind(%q) error = %v", kind, err)
		}
	}
	for _, kind := range []string{"", "data", "Audio"} {
		if err := ValidateKind(kind); err == nil {
			t.Errorf("ValidateKind(%q) expected error", kind)
		}
	}
}

func TestValidateMimeType(t *testing.T) {
	tests := []struct {
		mime    string
		wantErr bool
	}{
		{"audio/opus", false},
		{"video/VP8", false},
		{"video/H264", false},
		{"application/json", true},
		{"opus", true},
	}
	for _, tt := range tests {
		if err := ValidateMimeType(tt.mime); (err != nil) != tt.wantErr {
			t.Errorf("ValidateMimeType(%q) error = %v, wantErr %v", tt.mime, err, tt.wantErr)
		}
	}
}

func TestValidateFingerprint(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		value     string
		wantErr   bool
	}{
		{"sha-256", "sha-256", sha256Fingerprint, false},
		{"uppercase algorithm", "SHA-256", sha256Fingerprint, false},
		{"unknown algorithm", "md5", sha256Fingerprint, true},
		{"garbage value", "sha-256", "not-a-fingerprint", true},
		{"too short", "sha-256", "AF:1B", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFingerprint(tt.algorithm, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFingerprint() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDtlsRole(t *testing.T) {
	for _, role := range []string{"", "auto", "client", "server"} {
		if err := ValidateDtlsRole(role); err != nil {
			t.Errorf("ValidateDtlsRole(%q) error = %v", role, err)
		}
	}
	if err := ValidateDtlsRole("peer"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestValidateIP(t *testing.T) {
	if err := ValidateIP("127.0.0.1", "announced_ip"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateIP("localhost", "announced_ip"); err == nil {
		t.Error("expected error for hostname")
	}
}

func TestValidatePayloadType(t *testing.T) {
	if err := ValidatePayloadType(100); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePayloadType(128); err == nil {
		t.Error("expected error for 128")
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("abc", 1, 3, "name"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStringLength("abcd", 1, 3, "name"); err == nil {
		t.Error("expected error for long string")
	}
	if err := ValidateNonEmptyString("   ", "name"); err == nil {
		t.Error("expected error for blank string")
	}
}
