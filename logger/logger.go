package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger configured by Init.
var Log = zerolog.Nop()

// Init configures the global logger.
//
// Development builds get pretty console output on stderr, everything else
// gets JSON lines.
func Init(env, level string) zerolog.Logger {
	Log = New(os.Stderr, env, level)
	return Log
}

// New builds a logger writing to w.
func New(w io.Writer, env, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}

	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			Level(parsed).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(w).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
