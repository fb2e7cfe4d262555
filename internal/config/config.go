package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Priority: environment variables > .env file > defaults.
type Config struct {
	// Server basics
	Addr string `env:"ASTERIAN_ADDR" envDefault:":3002"`

	// Capacity
	MaxPlayers int `env:"ASTERIAN_MAX_PLAYERS" envDefault:"20"`

	// Heartbeat protocol. A session that has not answered a ping within
	// HeartbeatTimeout is evicted; connections that never join are closed
	// after JoinDeadline.
	HeartbeatInterval time.Duration `env:"ASTERIAN_HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeout  time.Duration `env:"ASTERIAN_HEARTBEAT_TIMEOUT" envDefault:"30s"`
	JoinDeadline      time.Duration `env:"ASTERIAN_JOIN_DEADLINE" envDefault:"30s"`

	// Per-connection I/O limits
	SendBuffer    int     `env:"ASTERIAN_SEND_BUFFER" envDefault:"64"`
	MaxFrameBytes int64   `env:"ASTERIAN_MAX_FRAME_BYTES" envDefault:"8192"`
	MessageRate   float64 `env:"ASTERIAN_MESSAGE_RATE" envDefault:"20"`
	MessageBurst  int     `env:"ASTERIAN_MESSAGE_BURST" envDefault:"40"`

	// Connection-attempt rate limiting (per source IP)
	ConnRatePerIP  float64 `env:"ASTERIAN_CONN_RATE_PER_IP" envDefault:"1"`
	ConnBurstPerIP int     `env:"ASTERIAN_CONN_BURST_PER_IP" envDefault:"10"`

	// Admission guard thresholds
	CPURejectThreshold float64 `env:"ASTERIAN_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64   `env:"ASTERIAN_MEMORY_LIMIT" envDefault:"268435456"` // 256MB RSS

	// Ops announcements (disabled when URL is empty)
	NATSURL         string `env:"ASTERIAN_NATS_URL" envDefault:""`
	AnnounceSubject string `env:"ASTERIAN_ANNOUNCE_SUBJECT" envDefault:"asterian.announce"`

	// Logging
	LogLevel  string `env:"ASTERIAN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ASTERIAN_LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ASTERIAN_ENV" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment,
// then validates it. The logger may be nil during early bootstrap.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ASTERIAN_ADDR is required")
	}

	if c.MaxPlayers < 1 {
		return fmt.Errorf("ASTERIAN_MAX_PLAYERS must be > 0, got %d", c.MaxPlayers)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("ASTERIAN_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("ASTERIAN_HEARTBEAT_TIMEOUT (%s) must be >= ASTERIAN_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("ASTERIAN_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MaxFrameBytes < 512 {
		return fmt.Errorf("ASTERIAN_MAX_FRAME_BYTES must be >= 512, got %d", c.MaxFrameBytes)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("ASTERIAN_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("ASTERIAN_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("ASTERIAN_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_players", c.MaxPlayers).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("join_deadline", c.JoinDeadline).
		Int("send_buffer", c.SendBuffer).
		Int64("max_frame_bytes", c.MaxFrameBytes).
		Float64("message_rate", c.MessageRate).
		Int("message_burst", c.MessageBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Str("nats_url", c.NATSURL).
		Str("announce_subject", c.AnnounceSubject).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("server configuration loaded")
}
