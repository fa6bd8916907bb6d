// Package config loads the PBX core's runtime configuration from CLI
// flags and environment variables (flag precedence over env, env over
// defaults), exactly the teacher's precedence rule, and exposes it as an
// atomically-swappable Snapshot so a SIGHUP reload never races a Context
// goroutine reading the current settings mid-request.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Snapshot holds one fully-parsed, validated configuration. Load and
// Reload each produce a new Snapshot; callers read the current one
// through Config.Current(), never by holding a Snapshot across a reload.
type Snapshot struct {
	DataDir string

	Address string // --address: bind address for every Context
	Port    int    // --port: base SIP port
	Host    string // --host: advertised hostname, defaults to os.Hostname()
	Network string // --network: realm fallback when not provisioned in Config

	ConfigPath string // --config: accepted per spec.md §6, not parsed as an INI file (see DESIGN.md)

	Detached   bool // run under the NOTIFY_SOCKET-aware service supervisor
	Foreground bool // stay attached to the controlling terminal
	Debug      bool // force log level to debug regardless of LogLevel

	LogLevel  string
	LogFormat string // "text" | "json"

	Aliases []string // additional local hostnames a Context treats as itself
}

// Config is the process-wide configuration holder: Load populates it,
// Reload swaps in a freshly-parsed Snapshot, and Current hands out the
// active one without locking.
type Config struct {
	current atomic.Pointer[Snapshot]
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultPort      = 5060
	defaultNetwork   = ""
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all pbxcore environment variables.
const envPrefix = "PBXCORE_"

// Load parses configuration from CLI flags and environment variables
// into a new Config holding the resulting Snapshot.
func Load() (*Config, error) {
	snap, err := parse()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	cfg.current.Store(snap)
	return cfg, nil
}

// Reload re-parses flags/env into a fresh Snapshot and swaps it in
// atomically — the Go realization of spec.md §4.8's "re-reads config,
// collapses with defaults, emits changeConfig" without a file-watcher or
// INI parser (general config-file parsing is an explicit Non-goal).
func (c *Config) Reload() error {
	snap, err := parse()
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	c.current.Store(snap)
	return nil
}

// Current returns the active Snapshot. Safe for concurrent use from any
// Context goroutine.
func (c *Config) Current() *Snapshot {
	return c.current.Load()
}

func parse() (*Snapshot, error) {
	snap := &Snapshot{}

	fs := flag.NewFlagSet("pbxcore", flag.ContinueOnError)

	fs.StringVar(&snap.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite store")
	fs.StringVar(&snap.Address, "address", "0.0.0.0", "bind address for every SIP context")
	fs.IntVar(&snap.Port, "port", defaultPort, "base SIP listen port")
	fs.StringVar(&snap.Host, "host", "", "advertised hostname (defaults to the machine hostname)")
	fs.StringVar(&snap.Network, "network", defaultNetwork, "realm fallback when no realm is provisioned in the database")
	fs.StringVar(&snap.ConfigPath, "config", "", "path to a config file (stored only; not read or watched)")
	fs.BoolVar(&snap.Detached, "detached", false, "run under a service supervisor, notifying via NOTIFY_SOCKET")
	fs.BoolVar(&snap.Foreground, "foreground", false, "stay attached to the controlling terminal")
	fs.BoolVar(&snap.Debug, "debug", false, "force debug-level logging")
	fs.StringVar(&snap.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&snap.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	var aliases string
	fs.StringVar(&aliases, "aliases", "", "comma-separated list of additional local hostnames")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, snap, &aliases)

	if aliases != "" {
		snap.Aliases = strings.Split(aliases, ",")
	}
	if snap.Host == "" {
		if hostname, err := os.Hostname(); err == nil {
			snap.Host = hostname
		} else {
			snap.Host = "localhost"
		}
	}
	if snap.Debug {
		snap.LogLevel = "debug"
	}

	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return snap, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line, preserving the
// flag > env > default precedence.
func applyEnvOverrides(fs *flag.FlagSet, snap *Snapshot, aliases *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":   envPrefix + "DATA_DIR",
		"address":    envPrefix + "ADDRESS",
		"port":       envPrefix + "PORT",
		"host":       envPrefix + "HOST",
		"network":    envPrefix + "NETWORK",
		"config":     envPrefix + "CONFIG",
		"detached":   envPrefix + "DETACHED",
		"foreground": envPrefix + "FOREGROUND",
		"debug":      envPrefix + "DEBUG",
		"log-level":  envPrefix + "LOG_LEVEL",
		"log-format": envPrefix + "LOG_FORMAT",
		"aliases":    envPrefix + "ALIASES",
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
		case "data-dir":
			snap.DataDir = val
		case "address":
			snap.Address = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				snap.Port = v
			}
		case "host":
			snap.Host = val
		case "network":
			snap.Network = val
		case "config":
			snap.ConfigPath = val
		case "detached":
			snap.Detached = val == "1" || strings.EqualFold(val, "true")
		case "foreground":
			snap.Foreground = val == "1" || strings.EqualFold(val, "true")
		case "debug":
			snap.Debug = val == "1" || strings.EqualFold(val, "true")
		case "log-level":
			snap.LogLevel = val
		case "log-format":
			snap.LogFormat = val
		case "aliases":
			*aliases = val
		}
	}
}

// validate checks that the Snapshot's values are sane. A failure here is
// a ConfigFatal condition per spec.md §7 — the caller maps it to an
// exit code in the 90-99 range.
func (s *Snapshot) validate() error {
	if s.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(s.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", s.LogLevel)
	}
	s.LogLevel = strings.ToLower(s.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(s.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", s.LogFormat)
	}
	s.LogFormat = strings.ToLower(s.LogFormat)

	return nil
}

// SlogHandler returns a slog.Handler configured with the Snapshot's
// format and level.
func (s *Snapshot) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: s.SlogLevel()}
	if s.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (s *Snapshot) SlogLevel() slog.Level {
	switch s.LogLevel {
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
