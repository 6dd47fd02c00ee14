// Package logging builds the zerolog loggers used by the server and the wasm
// program.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "WEBSERVER_LOG_LEVEL"
	EnvLogTimestamp = "WEBSERVER_LOG_TIMESTAMP"
	EnvLogNoColor   = "WEBSERVER_LOG_NOCOLOR"
)

// Config controls logger output.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Out       io.Writer
}

// DefaultConfig logs at info with timestamps to stdout.
func DefaultConfig() Config {
	return Config{
		Level:     zerolog.InfoLevel,
		Timestamp: true,
		Out:       os.Stdout,
	}
}

// New builds a console logger tagged with app and installs it as the global
// log.Logger.
func New(app string, cfg Config) zerolog.Logger {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	output := zerolog.ConsoleWriter{
		Out:        cfg.Out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		output.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	ctx := zerolog.New(output).Level(cfg.Level).With().Str("app", app)
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// ApplyEnv overrides cfg from the WEBSERVER_LOG_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if raw, ok := lookup(EnvLogLevel); ok {
		if lvl, ok := ParseLevel(raw); ok {
			cfg.Level = lvl
		}
	}
	if raw, ok := lookup(EnvLogTimestamp); ok {
		if v, ok := parseBool(raw); ok {
			cfg.Timestamp = v
		}
	}
	if raw, ok := lookup(EnvLogNoColor); ok {
		if v, ok := parseBool(raw); ok {
			cfg.NoColor = v
		}
	}
}

// ParseLevel accepts the usual level names plus a few spellings of "off".
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
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
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
