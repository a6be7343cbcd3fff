package core

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger from cfg. Human output goes to out (stdout
// when nil) in the configured format; every writer in taps receives the raw
// JSON lines regardless of format.
func NewLogger(cfg LoggingConfig, out io.Writer, taps ...io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var w io.Writer = out
	if len(taps) > 0 {
		writers := append([]io.Writer{out}, taps...)
		w = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))
}

// ParseLevel maps a config level string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
