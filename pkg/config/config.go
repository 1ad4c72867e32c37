package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Relay struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"relay"`

	Signaling struct {
		URL          string        `yaml:"url"`
		Room         string        `yaml:"room"`
		Token        string        `yaml:"token"`
		DialAttempts int           `yaml:"dial_attempts"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signaling"`

	ICE struct {
		STUNURLs       []string `yaml:"stun_urls"`
		TURNURLs       []string `yaml:"turn_urls"`
		TURNUsername   string   `yaml:"turn_username"`
		TURNCredential string   `yaml:"turn_credential"`
		ForceRelay     bool     `yaml:"force_relay"`
		PortRange      struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"ice"`

	Media struct {
		Profiles     []string `yaml:"profiles"`
		MaxWidth     int      `yaml:"max_width"`
		MaxHeight    int      `yaml:"max_height"`
		MaxFrameRate int      `yaml:"max_frame_rate"`
		Microphone   bool     `yaml:"microphone"`
	} `yaml:"media"`

	Negotiation struct {
		MaxRestartAttempts int `yaml:"max_restart_attempts"`
	} `yaml:"negotiation"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		RoomTTL  time.Duration `yaml:"room_ttl"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled             bool    `yaml:"enabled"`
		MessagesPerSecond   float64 `yaml:"messages_per_second"`
		Burst               int     `yaml:"burst"`
		MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		JoinsPerMinute      float64 `yaml:"joins_per_minute"`
		JoinBurst           int     `yaml:"join_burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.ReadTimeout <= 0 {
		return fmt.Errorf("relay.read_timeout must be > 0")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}

	// Signaling
	if c.Signaling.DialAttempts < 0 {
		return fmt.Errorf("signaling.dial_attempts must be >= 0")
	}
	if c.Signaling.DialTimeout <= 0 {
		return fmt.Errorf("signaling.dial_timeout must be > 0")
	}
	if c.Signaling.WriteTimeout <= 0 {
		return fmt.Errorf("signaling.write_timeout must be > 0")
	}

	// ICE
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls entry %q must use stun: or stuns: scheme", u)
		}
	}
	for _, u := range c.ICE.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("ice.turn_urls entry %q must use turn: or turns: scheme", u)
		}
	}
	if c.ICE.PortRange.Min > 0 || c.ICE.PortRange.Max > 0 {
		if c.ICE.PortRange.Min == 0 || c.ICE.PortRange.Max == 0 {
			return fmt.Errorf("ice.port_range.min and max must both be set when one is set")
		}
		if c.ICE.PortRange.Min >= c.ICE.PortRange.Max {
			return fmt.Errorf("ice.port_range.min must be < max")
		}
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.MaxFrameRate < 0 {
		return fmt.Errorf("media capability ceilings must be >= 0")
	}

	// Negotiation
	if c.Negotiation.MaxRestartAttempts <= 0 {
		return fmt.Errorf("negotiation.max_restart_attempts must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.RoomTTL <= 0 {
			return fmt.Errorf("redis.room_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

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

// LoadFirst tries each path in order and returns the first configuration that loads.
func LoadFirst(paths ...string) (*Config, string, error) {
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			lastErr = err
			continue
		}
		return cfg, path, nil
	}
	if lastErr != nil {
		return nil, "", lastErr
	}

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Relay.Address = ":8081"
	cfg.Relay.ReadTimeout = 30 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 15 * time.Second
	cfg.Relay.PingInterval = 20 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.Signaling.URL = "ws://localhost:8081"
	cfg.Signaling.DialAttempts = 3
	cfg.Signaling.DialTimeout = 10 * time.Second
	cfg.Signaling.WriteTimeout = 5 * time.Second

	cfg.ICE.STUNURLs = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}

	cfg.Media.Profiles = []string{"hd", "sd", "low", "video-only"}
	cfg.Media.MaxWidth = 1280
	cfg.Media.MaxHeight = 720
	cfg.Media.MaxFrameRate = 30
	cfg.Media.Microphone = true

	cfg.Negotiation.MaxRestartAttempts = 3

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.RoomTTL = 4 * time.Hour

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.MessagesPerSecond = 50
	cfg.RateLimiting.Burst = 200
	cfg.RateLimiting.MaxMessageSizeBytes = 64 * 1024
	cfg.RateLimiting.JoinsPerMinute = 30
	cfg.RateLimiting.JoinBurst = 5

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CARELINK_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("CARELINK_SIGNAL_URL"); v != "" {
		c.Signaling.URL = v
	}
	if v := os.Getenv("CARELINK_STUN_URLS"); v != "" {
		c.ICE.STUNURLs = splitList(v)
	}
	if v := os.Getenv("CARELINK_TURN_URLS"); v != "" {
		c.ICE.TURNURLs = splitList(v)
	}
	if v := os.Getenv("CARELINK_TURN_USERNAME"); v != "" {
		c.ICE.TURNUsername = v
	}
	if v := os.Getenv("CARELINK_TURN_CREDENTIAL"); v != "" {
		c.ICE.TURNCredential = v
	}
	if v := os.Getenv("CARELINK_FORCE_RELAY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ICE.ForceRelay = b
		}
	}
	if v := os.Getenv("CARELINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CARELINK_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("CARELINK_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
