package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// PortHuntAttempts is how many consecutive ports to try when
		// the configured one is busy.
		PortHuntAttempts int           `yaml:"port_hunt_attempts"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
		// StateFile, when set, receives a JSON document describing the
		// bound port so a frontend can discover the server.
		StateFile string `yaml:"state_file"`

		TLS struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`

	Signaling struct {
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		SettleDelay       time.Duration `yaml:"settle_delay"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		MessageBurst      int           `yaml:"message_burst"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Relay struct {
		SubscriptionBuffer int `yaml:"subscription_buffer"`
	} `yaml:"relay"`

	Reaper struct {
		Interval time.Duration `yaml:"interval"`
		IdleTTL  time.Duration `yaml:"idle_ttl"`
	} `yaml:"reaper"`

	Transcode struct {
		FFmpegPath  string `yaml:"ffmpeg_path"`
		BitrateKbps int    `yaml:"bitrate_kbps"`
		SampleRate  int    `yaml:"sample_rate"`
		Channels    int    `yaml:"channels"`
	} `yaml:"transcode"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		HTTP    struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// DefaultConfig mirrors the behavior of a config-less deployment.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.PortHuntAttempts = 10
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.SettleDelay = time.Second
	cfg.Signaling.MessagesPerSecond = 50
	cfg.Signaling.MessageBurst = 100

	cfg.Relay.SubscriptionBuffer = 256

	cfg.Reaper.Interval = 5 * time.Minute
	cfg.Reaper.IdleTTL = 10 * time.Minute

	cfg.Transcode.FFmpegPath = "ffmpeg"
	cfg.Transcode.BitrateKbps = 128
	cfg.Transcode.SampleRate = 44100
	cfg.Transcode.Channels = 2

	cfg.Logging.Level = "info"

	cfg.Tracing.ServiceName = "lancast"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv layers environment overrides used by the add-on packaging:
// PORT, SSL_CERT_FILE, SSL_KEY_FILE, LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SSL_CERT_FILE"); v != "" {
		c.Server.TLS.CertFile = v
	}
	if v := os.Getenv("SSL_KEY_FILE"); v != "" {
		c.Server.TLS.KeyFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.PortHuntAttempts <= 0 {
		return fmt.Errorf("server.port_hunt_attempts must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= c.Signaling.PingInterval {
		return fmt.Errorf("signaling.pong_timeout must be greater than ping_interval")
	}
	if c.Signaling.SettleDelay <= 0 {
		return fmt.Errorf("signaling.settle_delay must be > 0")
	}

	if c.WebRTC.PortRange.Min > c.WebRTC.PortRange.Max {
		return fmt.Errorf("webrtc.port_range.min must not exceed max")
	}

	if c.Relay.SubscriptionBuffer <= 0 {
		return fmt.Errorf("relay.subscription_buffer must be > 0")
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be > 0")
	}
	if c.Reaper.IdleTTL <= 0 {
		return fmt.Errorf("reaper.idle_ttl must be > 0")
	}

	if c.Transcode.BitrateKbps <= 0 {
		return fmt.Errorf("transcode.bitrate_kbps must be > 0")
	}
	if c.Transcode.SampleRate <= 0 {
		return fmt.Errorf("transcode.sample_rate must be > 0")
	}
	if c.Transcode.Channels != 1 && c.Transcode.Channels != 2 {
		return fmt.Errorf("transcode.channels must be 1 or 2")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	return nil
}
