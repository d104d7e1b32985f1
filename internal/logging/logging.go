// Package logging provides a small leveled-logger wrapper around zerolog.
//
// The API shape (Debug/Info/Warn/Error/WithPrefix) mirrors the logger this
// codebase grew from, so call sites read the same everywhere, but every
// event is a structured zerolog event rather than a formatted line.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a leveled, component-tagged logger.
type Logger struct {
	log zerolog.Logger
}

// New builds a Logger writing to stderr at the given level ("debug",
// "info", "warn", "error"; unrecognized values default to "info").
func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter builds a Logger writing to an arbitrary writer, primarily
// for tests that want to capture output.
func NewWithWriter(level string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	l := zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
	return &Logger{log: l}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithPrefix returns a Logger tagged with a "component" field, the
// structured equivalent of a textual log prefix.
func (l *Logger) WithPrefix(component string) *Logger {
	return &Logger{log: l.log.With().Str("component", component).Logger()}
}

// WithField returns a Logger with one extra structured field attached to
// every subsequent event, used for per-child / per-request tagging.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{log: l.log.With().Interface(key, value).Logger()}
}

func (l *Logger) Debug(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log.Info().Msgf(format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log.Error().Msgf(format, args...) }

// Fatal logs at error level; the supervisor is responsible for the
// actual os.Exit so that shutdown ordering (health NOT_SERVING first)
// is respected.
func (l *Logger) Fatal(format string, args ...any) { l.log.Error().Msgf(format, args...) }
