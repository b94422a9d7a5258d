package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                         int    `env:"PORT" envDefault:"8080"`
	DatabaseURL                  string `env:"DATABASE_URL"`
	RedisURL                     string `env:"REDIS_URL"`
	LogLevel                     string `env:"LOG_LEVEL" envDefault:"info"`
	AnonymousControllers         bool   `env:"ANONYMOUS_CONTROLLERS" envDefault:"false"`
	AuthGraceSeconds             int    `env:"AUTH_GRACE_SECONDS" envDefault:"10"`
	PingIntervalSeconds          int    `env:"PING_INTERVAL_SECONDS" envDefault:"25"`
	IdleTimeoutSeconds           int    `env:"IDLE_TIMEOUT_SECONDS" envDefault:"75"`
	PendingSessionTimeoutSeconds int    `env:"PENDING_SESSION_TIMEOUT_SECONDS" envDefault:"60"`
	CloseSupersededHost          bool   `env:"CLOSE_SUPERSEDED_HOST" envDefault:"true"`
	FrameBacklogBytes            int64  `env:"FRAME_BACKLOG_BYTES" envDefault:"51200"`
	SendQueueSize                int    `env:"SEND_QUEUE_SIZE" envDefault:"64"`
	MaxMessageBytes              int64  `env:"MAX_MESSAGE_BYTES" envDefault:"8388608"`
	PairingCodeTTLSeconds        int    `env:"PAIRING_CODE_TTL_SECONDS" envDefault:"900"`
	PairAttemptsPerMinute        int    `env:"PAIR_ATTEMPTS_PER_MINUTE" envDefault:"10"`
	AllowedOrigins               string `env:"ALLOWED_ORIGINS" envDefault:""`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) AuthGrace() time.Duration {
	return time.Duration(c.AuthGraceSeconds) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c *Config) PendingSessionTimeout() time.Duration {
	return time.Duration(c.PendingSessionTimeoutSeconds) * time.Second
}

func (c *Config) PairingCodeTTL() time.Duration {
	return time.Duration(c.PairingCodeTTLSeconds) * time.Second
}

// Origins returns the configured WebSocket origin allowlist. Nil means any origin.
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) Validate() error {
	if c.PingIntervalSeconds <= 0 {
		return fmt.Errorf("PING_INTERVAL_SECONDS must be positive")
	}
	if c.IdleTimeoutSeconds < 2*c.PingIntervalSeconds {
		return fmt.Errorf("IDLE_TIMEOUT_SECONDS must be at least twice PING_INTERVAL_SECONDS")
	}
	if c.FrameBacklogBytes <= 0 {
		return fmt.Errorf("FRAME_BACKLOG_BYTES must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}
	if c.AuthGraceSeconds <= 0 {
		return fmt.Errorf("AUTH_GRACE_SECONDS must be positive")
	}

	if c.AnonymousControllers {
		log.Warn().Msg("ANONYMOUS_CONTROLLERS is enabled: any caller may list and drive any device")
	}
	if c.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL is empty: using in-memory store, devices will not survive restarts")
	}
	if c.RedisURL != "" && strings.HasPrefix(c.RedisURL, "redis://") {
		log.Debug().Msg("REDIS_URL uses redis:// (not TLS)")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
