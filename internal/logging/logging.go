// Package logging provides structured logging using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger instance.
var Logger zerolog.Logger

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level to emit.
	Level zerolog.Level
	// Output is where log lines are written. Defaults to os.Stderr.
	Output io.Writer
	// Pretty enables human-readable console output instead of JSON.
	Pretty bool
}

// Init initializes the process logger.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// ParseLevel parses a level string (case-insensitive). Unrecognized
// values fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// For returns a child logger tagged with a component name.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Debug starts a debug level log message.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts an info level log message.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a warn level log message.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts an error level log message.
func Error() *zerolog.Event { return Logger.Error() }

// Fatal starts a fatal level log message. Msg or Send on the returned
// event calls os.Exit(1).
func Fatal() *zerolog.Event { return Logger.Fatal() }

func init() {
	Init(Config{Level: zerolog.InfoLevel})
}
