package bullyelection

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel names the environment variable read by NewConsoleLogger.
const EnvLogLevel = "BULLY_LOG_LEVEL"

const defaultLogLevel = zerolog.InfoLevel

// LevelFromEnv maps the value of EnvLogLevel to a zerolog level.
func LevelFromEnv() zerolog.Level {
	switch os.Getenv(EnvLogLevel) {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "no":
		return zerolog.Disabled
	default:
		return defaultLogLevel
	}
}

// NewConsoleLogger returns a human-readable, timestamped logger writing to
// out at the level selected by EnvLogLevel.
func NewConsoleLogger(out io.Writer) *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).Level(LevelFromEnv()).With().Timestamp().Logger()
	return &l
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
