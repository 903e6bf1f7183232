// Package logging builds the zerolog loggers of a horde node.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "HORDE_LOG_LEVEL"
	EnvLogNoColor = "HORDE_LOG_NOCOLOR"
)

type Config struct {
	Level   zerolog.Level
	NoColor bool
	Out     io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level: zerolog.InfoLevel,
		Out:   os.Stderr,
	}
}

// New returns a console logger tagged with app. The environment overrides
// cfg.
func New(app string, cfg Config) zerolog.Logger {
	ApplyEnv(&cfg)
	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}

	output := zerolog.ConsoleWriter{
		Out:        cfg.Out,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}
	return zerolog.New(output).Level(cfg.Level).With().Timestamp().Str("app", app).Logger()
}

func ApplyEnv(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

// ParseLevel accepts the usual level names plus a few aliases for "off".
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

// ForTests logs to w at debug level, without colors.
func ForTests(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}
