package server

import (
	"log"
	"os"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal logging surface the server needs.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(Level, string, ...interface{}) {}

// StdLogger adapts the standard library logger.
type StdLogger struct {
	L   *log.Logger
	Min Level
}

func (s StdLogger) Logf(level Level, format string, args ...interface{}) {
	if s.L == nil || level < s.Min {
		return
	}
	s.L.Printf("[%s] "+format, append([]interface{}{level.String()}, args...)...)
}

// LoggerFromEnv builds a StdLogger whose minimum level comes from the
// PULLSERVE_LOG environment variable. Unset or unrecognized means warn.
func LoggerFromEnv() Logger {
	min := LevelWarn
	switch strings.ToLower(os.Getenv("PULLSERVE_LOG")) {
	case "debug":
		min = LevelDebug
	case "info":
		min = LevelInfo
	case "warn", "warning":
		min = LevelWarn
	case "error":
		min = LevelError
	}

	return StdLogger{L: log.Default(), Min: min}
}
