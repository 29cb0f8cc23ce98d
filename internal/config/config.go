// Package config parses the PBX server's runtime configuration from CLI
// flags and environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the PBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	Addr             string // PBX client listen address, e.g. ":5000"
	AdminAddr        string // admin HTTP listen address; empty disables the admin surface
	MaxExtensions    int    // size of the extension registry, extensions numbered [0, MaxExtensions)
	LogLevel         string // debug, info, warn, error
	LogFormat        string // text or json
	AcceptRate       float64
	AcceptBurst      int
	AdminCORSOrigins string // comma-separated list of allowed admin CORS origins
}

// defaults
const (
	defaultAddr          = ":5000"
	defaultAdminAddr     = ""
	defaultMaxExtensions = 1000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultAcceptRate    = 20
	defaultAcceptBurst   = 40
)

// envPrefix is the prefix for all PBX environment variables.
const envPrefix = "PBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbx", flag.ContinueOnError)

	fs.StringVar(&cfg.Addr, "addr", defaultAddr, "PBX client listen address")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", defaultAdminAddr, "admin HTTP listen address (disabled if empty)")
	fs.IntVar(&cfg.MaxExtensions, "max-extensions", defaultMaxExtensions, "number of extension slots in the registry")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", defaultAcceptRate, "new connections allowed per second per source IP")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", defaultAcceptBurst, "accept burst size per source IP")
	fs.StringVar(&cfg.AdminCORSOrigins, "admin-cors-origins", "", "comma-separated list of allowed admin CORS origins")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"addr":               envPrefix + "ADDR",
		"admin-addr":         envPrefix + "ADMIN_ADDR",
		"max-extensions":     envPrefix + "MAX_EXTENSIONS",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
		"accept-rate":        envPrefix + "ACCEPT_RATE",
		"accept-burst":       envPrefix + "ACCEPT_BURST",
		"admin-cors-origins": envPrefix + "ADMIN_CORS_ORIGINS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "addr":
			cfg.Addr = val
		case "admin-addr":
			cfg.AdminAddr = val
		case "max-extensions":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxExtensions = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "accept-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.AcceptRate = v
			}
		case "accept-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AcceptBurst = v
			}
		case "admin-cors-origins":
			cfg.AdminCORSOrigins = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.MaxExtensions < 1 {
		return fmt.Errorf("max-extensions must be at least 1, got %d", c.MaxExtensions)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.AcceptRate < 0 {
		return fmt.Errorf("accept-rate must be non-negative, got %f", c.AcceptRate)
	}
	if c.AcceptBurst < 1 {
		return fmt.Errorf("accept-burst must be at least 1, got %d", c.AcceptBurst)
	}

	return nil
}

// AdminEnabled reports whether the admin HTTP surface should be started.
func (c *Config) AdminEnabled() bool {
	return c.AdminAddr != ""
}

// CORSOriginList splits AdminCORSOrigins on commas, trimming whitespace
// and dropping empty entries.
func (c *Config) CORSOriginList() []string {
	if c.AdminCORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AdminCORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
