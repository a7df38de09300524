// Package logging sets up the zerolog loggers used by pps-mock.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format is the log output format
type Format string

// Output formats
const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config holds logging configuration
type Config struct {
	Level  string
	Format Format
	// Output defaults to os.Stderr
	Output io.Writer
}

// New returns a logger for cfg. Unknown levels fall back to info and unknown
// formats to console output.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if ParseFormat(string(cfg.Format)) == FormatConsole {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel parses a log level name, case-insensitively
func ParseLevel(s string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// ParseFormat parses a log format name
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatConsole
}
