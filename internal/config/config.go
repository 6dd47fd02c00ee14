// Package config loads the dev server's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/mbridgwater/webserver/internal/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the dev server configuration.
type Config struct {
	Listen  string
	SrcDir  string
	Package string
	Prefix  string
	Metrics bool

	// Env is handed to the wasm program as its environment.
	Env map[string]string

	Log logging.Config
}

type fileConfig struct {
	Listen  string            `toml:"listen"`
	SrcDir  string            `toml:"src_dir"`
	Package string            `toml:"package"`
	Prefix  string            `toml:"prefix"`
	Metrics bool              `toml:"metrics"`
	Env     map[string]string `toml:"env"`
	Log     struct {
		Level     string `toml:"level"`
		Timestamp bool   `toml:"timestamp"`
		NoColor   bool   `toml:"no_color"`
	} `toml:"log"`
}

// Default serves ./hello on an ephemeral localhost port.
func Default() Config {
	return Config{
		Listen:  "localhost:0",
		Package: "./hello",
		Env:     map[string]string{},
		Log:     logging.DefaultConfig(),
	}
}

// Load reads the file at path over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("src_dir") {
		cfg.SrcDir = strings.TrimSpace(raw.SrcDir)
	}
	if meta.IsDefined("package") {
		cfg.Package = strings.TrimSpace(raw.Package)
	}
	if meta.IsDefined("prefix") {
		cfg.Prefix = strings.TrimRight(strings.TrimSpace(raw.Prefix), "/")
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	for k, v := range raw.Env {
		cfg.Env[k] = v
	}
	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("%w: log.level %q", ErrInvalid, raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the server cannot start without.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("%w: listen is required", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalid, cfg.Listen, err)
	}
	if cfg.Package == "" {
		return fmt.Errorf("%w: package is required", ErrInvalid)
	}
	if cfg.Prefix != "" && !strings.HasPrefix(cfg.Prefix, "/") {
		return fmt.Errorf("%w: prefix %q must start with /", ErrInvalid, cfg.Prefix)
	}
	if cfg.Log.Level < zerolog.TraceLevel || cfg.Log.Level > zerolog.Disabled {
		return fmt.Errorf("%w: log level %v", ErrInvalid, cfg.Log.Level)
	}
	return nil
}
