package bullyelection

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevelFromEnv(t *testing.T) {
	for val, want := range map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"warn":    zerolog.WarnLevel,
		"no":      zerolog.Disabled,
		"garbage": zerolog.InfoLevel,
	} {
		t.Setenv(EnvLogLevel, val)
		if got := LevelFromEnv(); got != want {
			t.Errorf("%s=%q: got %s; want %s", EnvLogLevel, val, got, want)
		}
	}
}

func TestConsoleLoggerHonorsLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	buf := bytes.Buffer{}
	lg := NewConsoleLogger(&buf)
	lg.Info().Msg("quiet")
	lg.Warn().Msg("loud")
	if strings.Contains(buf.String(), "quiet") {
		t.Error("info message written at warn level")
	}
	if !strings.Contains(buf.String(), "loud") {
		t.Errorf("warn message missing from %q", buf.String())
	}
}
