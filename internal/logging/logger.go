package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger.
// level is one of debug, info, warn, error; an empty level falls back to
// MJ_LOG_LEVEL and then to info.
func Init(level string) {
	InitTo(os.Stderr, level)
}

// InitTo is Init with an explicit console destination.
func InitTo(w io.Writer, level string) {
	if level == "" {
		level = os.Getenv("MJ_LOG_LEVEL")
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// ParseLevel maps a level name to a zerolog level (default: info).
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
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
