package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// NewLogger creates the structured server logger.
//
// Output is JSON by default (log-aggregation friendly); "pretty" switches to
// a console writer for local development. The returned logger carries the
// service name and the node identity so logs from a co-located cluster can
// be told apart.
func NewLogger(config LoggerConfig, nodeID string) zerolog.Logger {
	var output io.Writer = os.Stdout

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp().
		Str("service", "replichat").
		Str("node", nodeID).
		Logger()

	return logger
}

// NewHeartbeatLogger derives the heartbeat logger from the server logger.
//
// Heartbeats fire every 50ms on the leader; at steady state they would
// drown everything else. They get their own level (--heartbeat-log-level,
// default warn) so the main log level can stay at info.
func NewHeartbeatLogger(parent zerolog.Logger, level string) zerolog.Logger {
	return parent.Level(ParseLevel(level)).With().Str("component", "heartbeat").Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
