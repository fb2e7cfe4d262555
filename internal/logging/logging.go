package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root structured logger. Components derive child
// loggers from it via .With().Str("component", ...).
//
// Format "json" is the production default (Loki-compatible); "pretty"
// enables the console writer for local development.
func NewLogger(level, format string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "asterian-server").
		Logger()
}

// LogPanic logs a recovered panic with its stack trace. Used at goroutine
// boundaries where a handler fault must not take the process down.
func LogPanic(logger zerolog.Logger, recovered any, msg string) {
	logger.Error().
		Interface("panic", recovered).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
}
