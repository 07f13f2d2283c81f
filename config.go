package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Priority: CLI flags > ENV vars > .env file > defaults.
type Config struct {
	// Identity and topology
	Host     string `env:"CHAT_HOST" envDefault:"localhost"`
	Port     int    `env:"CHAT_PORT" envDefault:"50051"`
	Replicas string `env:"CHAT_REPLICAS" envDefault:""` // comma-separated host:port, excluding self
	DataDir  string `env:"CHAT_DATA_DIR" envDefault:"./data"`

	// Protocol timing
	ElectionTimeoutMin time.Duration `env:"CHAT_ELECTION_TIMEOUT_MIN" envDefault:"150ms"`
	ElectionTimeoutMax time.Duration `env:"CHAT_ELECTION_TIMEOUT_MAX" envDefault:"300ms"`
	HeartbeatInterval  time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"50ms"`
	PeerRPCTimeout     time.Duration `env:"CHAT_PEER_RPC_TIMEOUT" envDefault:"1s"`
	VoteRPCTimeout     time.Duration `env:"CHAT_VOTE_RPC_TIMEOUT" envDefault:"2s"`

	// Client surface
	WriteDeadline     time.Duration `env:"CHAT_WRITE_DEADLINE" envDefault:"2s"`
	MaxContentBytes   int           `env:"CHAT_MAX_CONTENT_BYTES" envDefault:"4096"`
	MessagesPerSecond float64       `env:"CHAT_MESSAGES_PER_SECOND" envDefault:"20"`
	MessageBurst      int           `env:"CHAT_MESSAGE_BURST" envDefault:"50"`

	// Admission control
	MaxConnections     int64         `env:"CHAT_MAX_CONNECTIONS" envDefault:"500"`
	CPURejectThreshold float64       `env:"CHAT_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MemoryLimit        int64         `env:"CHAT_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	GuardInterval      time.Duration `env:"CHAT_GUARD_INTERVAL" envDefault:"15s"`

	// Logging. Heartbeats get their own level so the 50ms cadence can be
	// silenced without losing election and replication logs.
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"json"`
	HeartbeatLogLevel string `env:"HEARTBEAT_LOG_LEVEL" envDefault:"warn"`
}

// LoadConfig reads configuration from .env file and environment variables.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors. Called after flag overrides.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("election timeout range [%s, %s] is invalid", c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeat interval %s must be positive and well below election timeout %s",
			c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max connections must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("cpu reject threshold must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log level must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	if !validLevels[c.HeartbeatLogLevel] {
		return fmt.Errorf("heartbeat log level must be one of: debug, info, warn, error (got: %s)", c.HeartbeatLogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log format must be json or pretty (got: %s)", c.LogFormat)
	}

	for _, peer := range c.Peers() {
		if peer == c.ServerID() {
			return fmt.Errorf("replica list must not include this node's own address %s", peer)
		}
	}
	return nil
}

// ServerID is this node's identity: its client-facing host:port.
func (c *Config) ServerID() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Peers parses the replica list into individual addresses.
func (c *Config) Peers() []string {
	out := []string{}
	for _, p := range strings.Split(c.Replicas, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("server_id", c.ServerID()).
		Strs("replicas", c.Peers()).
		Str("data_dir", c.DataDir).
		Dur("election_timeout_min", c.ElectionTimeoutMin).
		Dur("election_timeout_max", c.ElectionTimeoutMax).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("write_deadline", c.WriteDeadline).
		Int("max_content_bytes", c.MaxContentBytes).
		Int64("max_connections", c.MaxConnections).
		Str("log_level", c.LogLevel).
		Str("heartbeat_log_level", c.HeartbeatLogLevel).
		Msg("server configuration loaded")
}
