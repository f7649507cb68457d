package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// MediaCodec is one entry of the router codec table.
type MediaCodec struct {
	Kind       string                 `yaml:"kind"`
	MimeType   string                 `yaml:"mime_type"`
	ClockRate  uint32                 `yaml:"clock_rate"`
	Channels   uint16                 `yaml:"channels,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path                string        `yaml:"path"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
		MessagesPerSecond   float64       `yaml:"messages_per_second"`
		Burst               int           `yaml:"burst"`
	} `yaml:"signal"`

	Worker struct {
		Count            int           `yaml:"count"`
		RTCMinPort       uint16        `yaml:"rtc_min_port"`
		RTCMaxPort       uint16        `yaml:"rtc_max_port"`
		DeathGracePeriod time.Duration `yaml:"death_grace_period"`
	} `yaml:"worker"`

	Router struct {
		MediaCodecs []MediaCodec `yaml:"media_codecs"`
	} `yaml:"router"`

	Transport struct {
		ListenIP    string `yaml:"listen_ip"`
		AnnouncedIP string `yaml:"announced_ip"`
		EnableUDP   bool   `yaml:"enable_udp"`
		EnableTCP   bool   `yaml:"enable_tcp"`
		PreferUDP   bool   `yaml:"prefer_udp"`
	} `yaml:"transport"`

	Engine struct {
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"engine"`

	Admin struct {
		RateLimitEnabled  bool    `yaml:"rate_limit_enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"admin"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled    bool          `yaml:"enabled"`
		Address    string        `yaml:"address"`
		Password   string        `yaml:"password"`
		DB         int           `yaml:"db"`
		PoolSize   int           `yaml:"pool_size"`
		SessionTTL time.Duration `yaml:"session_ttl"`
		Channel    string        `yaml:"channel"`
		// Heartbeat is how often this instance refreshes its registry entry.
		Heartbeat time.Duration `yaml:"heartbeat"`
	} `yaml:"redis"`

	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with '/'")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be >= 0")
	}
	if c.Signal.MessagesPerSecond < 0 {
		return fmt.Errorf("signal.messages_per_second must be >= 0")
	}
	if c.Signal.MessagesPerSecond > 0 && c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0 when messages_per_second is set")
	}

	// Worker
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.RTCMinPort == 0 || c.Worker.RTCMaxPort == 0 {
		return fmt.Errorf("worker.rtc_min_port and rtc_max_port must both be set")
	}
	if c.Worker.RTCMinPort > c.Worker.RTCMaxPort {
		return fmt.Errorf("worker.rtc_min_port must be <= rtc_max_port")
	}
	if span := int(c.Worker.RTCMaxPort) - int(c.Worker.RTCMinPort) + 1; span < c.Worker.Count {
		return fmt.Errorf("worker port range %d-%d is too small for %d workers",
			c.Worker.RTCMinPort, c.Worker.RTCMaxPort, c.Worker.Count)
	}
	if c.Worker.DeathGracePeriod <= 0 || c.Worker.DeathGracePeriod > 5*time.Second {
		return fmt.Errorf("worker.death_grace_period must be in (0, 5s]")
	}

	// Router
	if len(c.Router.MediaCodecs) == 0 {
		return fmt.Errorf("router.media_codecs must not be empty")
	}
	for i, codec := range c.Router.MediaCodecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("router.media_codecs[%d].kind must be audio or video", i)
		}
		if !strings.HasPrefix(strings.ToLower(codec.MimeType), codec.Kind+"/") {
			return fmt.Errorf("router.media_codecs[%d].mime_type %q does not match kind %s", i, codec.MimeType, codec.Kind)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("router.media_codecs[%d].clock_rate must be > 0", i)
		}
	}

	// Transport
	if c.Transport.ListenIP == "" {
		return fmt.Errorf("transport.listen_ip must not be empty")
	}
	if !c.Transport.EnableUDP && !c.Transport.EnableTCP {
		return fmt.Errorf("transport must enable udp, tcp or both")
	}

	// Engine
	if c.Engine.CallTimeout <= 0 {
		return fmt.Errorf("engine.call_timeout must be > 0")
	}

	// Admin
	if c.Admin.RateLimitEnabled && (c.Admin.RequestsPerSecond <= 0 || c.Admin.Burst <= 0) {
		return fmt.Errorf("admin.requests_per_second and admin.burst must be > 0 when rate limiting is enabled")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromPaths tries each path in order and falls back to defaults
// (with env overrides) when none can be read. The returned path is empty
// in the fallback case.
func LoadFromPaths(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, "", nil
}

// DefaultMediaCodecs is the static codec table offered by every router.
func DefaultMediaCodecs() []MediaCodec {
	return []MediaCodec{
		{
			Kind:      "audio",
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      "video",
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"x-google-start-bitrate": 1000,
			},
		},
	}
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signal.Path = "/mediasoup"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.MessagesPerSecond = 50
	cfg.Signal.Burst = 100

	cfg.Worker.Count = 1
	cfg.Worker.RTCMinPort = 2000
	cfg.Worker.RTCMaxPort = 2020
	cfg.Worker.DeathGracePeriod = 2 * time.Second

	cfg.Router.MediaCodecs = DefaultMediaCodecs()

	cfg.Transport.ListenIP = "0.0.0.0"
	cfg.Transport.AnnouncedIP = "127.0.0.1"
	cfg.Transport.EnableUDP = true
	cfg.Transport.EnableTCP = true
	cfg.Transport.PreferUDP = true

	cfg.Engine.CallTimeout = 5 * time.Second

	cfg.Admin.RateLimitEnabled = true
	cfg.Admin.RequestsPerSecond = 20
	cfg.Admin.Burst = 40
	cfg.Admin.MaxConcurrent = 100

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "sfusignal"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.SessionTTL = 24 * time.Hour
	cfg.Redis.Channel = "sfusignal:events"
	cfg.Redis.Heartbeat = 10 * time.Second

	cfg.Auth.Enabled = false
	cfg.Auth.Issuer = "sfusignal"
	cfg.Auth.TokenTTL = time.Hour

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("SFU_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("SFU_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if ip := os.Getenv("SFU_ANNOUNCED_IP"); ip != "" {
		c.Transport.AnnouncedIP = ip
	}
	if v := os.Getenv("SFU_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Count = n
		}
	}
	if addr := os.Getenv("SFU_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if secret := os.Getenv("SFU_JWT_SECRET"); secret != "" {
		c.Auth.Enabled = true
		c.Auth.JWTSecret = secret
	}
}
