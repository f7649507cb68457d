package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if cfg.Signal.Path != "/mediasoup" {
		t.Errorf("signal path = %q, want /mediasoup", cfg.Signal.Path)
	}
	if cfg.Worker.RTCMinPort != 2000 || cfg.Worker.RTCMaxPort != 2020 {
		t.Errorf("worker port range = %d-%d, want 2000-2020", cfg.Worker.RTCMinPort, cfg.Worker.RTCMaxPort)
	}
	if cfg.Worker.DeathGracePeriod != 2*time.Second {
		t.Errorf("death grace period = %v, want 2s", cfg.Worker.DeathGracePeriod)
	}
	if len(cfg.Router.MediaCodecs) != 2 {
		t.Fatalf("expected 2 default codecs, got %d", len(cfg.Router.MediaCodecs))
	}
	if cfg.Router.MediaCodecs[1].Parameters["x-google-start-bitrate"] != 1000 {
		t.Errorf("VP8 start bitrate = %v", cfg.Router.MediaCodecs[1].Parameters["x-google-start-bitrate"])
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "empty server address",
			mutate: func(c *Config) { c.Server.Address = "" },
		},
		{
			name:   "signal path without slash",
			mutate: func(c *Config) { c.Signal.Path = "mediasoup" },
		},
		{
			name:   "pong timeout not above ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "burst missing with rate",
			mutate: func(c *Config) { c.Signal.Burst = 0 },
		},
		{
			name:   "zero workers",
			mutate: func(c *Config) { c.Worker.Count = 0 },
		},
		{
			name:   "inverted port range",
			mutate: func(c *Config) { c.Worker.RTCMinPort, c.Worker.RTCMaxPort = 3000, 2000 },
		},
		{
			name: "port range smaller than worker count",
			mutate: func(c *Config) {
				c.Worker.RTCMinPort, c.Worker.RTCMaxPort = 2000, 2001
				c.Worker.Count = 3
			},
		},
		{
			name:   "grace period above five seconds",
			mutate: func(c *Config) { c.Worker.DeathGracePeriod = 6 * time.Second },
		},
		{
			name:   "no codecs",
			mutate: func(c *Config) { c.Router.MediaCodecs = nil },
		},
		{
			name: "codec kind mismatch",
			mutate: func(c *Config) {
				c.Router.MediaCodecs[0].MimeType = "video/opus"
			},
		},
		{
			name: "no transport protocol",
			mutate: func(c *Config) {
				c.Transport.EnableUDP = false
				c.Transport.EnableTCP = false
			},
		},
		{
			name:   "zero engine timeout",
			mutate: func(c *Config) { c.Engine.CallTimeout = 0 },
		},
		{
			name: "auth without secret",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.JWTSecret = ""
			},
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  address: ":4000"
worker:
  count: 2
  rtc_min_port: 40000
  rtc_max_port: 40100
router:
  media_codecs:
    - kind: audio
      mime_type: audio/opus
      clock_rate: 48000
      channels: 2
engine:
  call_timeout: 3s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != ":4000" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
	if cfg.Worker.Count != 2 || cfg.Worker.RTCMinPort != 40000 {
		t.Errorf("worker config not applied: %+v", cfg.Worker)
	}
	if len(cfg.Router.MediaCodecs) != 1 {
		t.Errorf("expected codec table to be replaced, got %d entries", len(cfg.Router.MediaCodecs))
	}
	if cfg.Engine.CallTimeout != 3*time.Second {
		t.Errorf("call timeout = %v", cfg.Engine.CallTimeout)
	}
	// untouched sections keep defaults
	if cfg.Signal.Path != "/mediasoup" {
		t.Errorf("signal path = %q", cfg.Signal.Path)
	}
}

func TestLoad_InvalidFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  count: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid worker count")
	}
}

func TestLoadFromPaths_FallsBackToDefaults(t *testing.T) {
	cfg, used, err := LoadFromPaths(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if used != "" {
		t.Errorf("expected no path to be used, got %q", used)
	}
	if cfg.Transport.AnnouncedIP == "" {
		t.Error("expected defaults to be populated")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SFU_ANNOUNCED_IP", "203.0.113.7")
	t.Setenv("SFU_WORKER_COUNT", "3")
	t.Setenv("SFU_JWT_SECRET", "s3cret")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Transport.AnnouncedIP != "203.0.113.7" {
		t.Errorf("announced ip = %q", cfg.Transport.AnnouncedIP)
	}
	if cfg.Worker.Count != 3 {
		t.Errorf("worker count = %d", cfg.Worker.Count)
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("auth override not applied: %+v", cfg.Auth)
	}
}
