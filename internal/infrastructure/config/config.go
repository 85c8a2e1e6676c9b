package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	// File is an optional TOML or YAML overlay applied on top of the
	// environment.
	File string `envconfig:"SHELLD_CONFIG"`

	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Shell     ShellConfig
	Session   SessionConfig
	VCS       VCSConfig
	SSH       SSHConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8420"`
	Host            string        `envconfig:"HOST" default:"127.0.0.1"`
	LockFile        string        `envconfig:"LOCK_FILE"`
	AllowOrigins    []string      `envconfig:"ALLOW_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// ShellConfig controls how commands are spawned and terminated.
type ShellConfig struct {
	Path             string        `envconfig:"SHELL_PATH" default:"/bin/sh"`
	Term             string        `envconfig:"SHELL_TERM" default:"xterm-256color"`
	FallbackPath     string        `envconfig:"SHELL_FALLBACK_PATH" default:"/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"`
	ElevationKeyword string        `envconfig:"SHELL_ELEVATION_KEYWORD" default:"sudo"`
	GraceWindow      time.Duration `envconfig:"SHELL_GRACE_WINDOW" default:"100ms"`
	KillWait         time.Duration `envconfig:"SHELL_KILL_WAIT" default:"3s"`
	DrainTimeout     time.Duration `envconfig:"SHELL_DRAIN_TIMEOUT" default:"2s"`
	MaxLineBytes     int           `envconfig:"SHELL_MAX_LINE_BYTES" default:"65536"`
	TTY              bool          `envconfig:"SHELL_TTY" default:"false"`
}

// SessionConfig bounds per-session state.
type SessionConfig struct {
	MaxSessions  int `envconfig:"SESSION_MAX" default:"64"`
	HistoryLimit int `envconfig:"SESSION_HISTORY_LIMIT" default:"500"`
	OutputLimit  int `envconfig:"SESSION_OUTPUT_LIMIT" default:"5000"`
	RecallLimit  int `envconfig:"SESSION_RECALL_LIMIT" default:"30"`
}

// VCSConfig controls the branch probe.
type VCSConfig struct {
	Timeout         time.Duration `envconfig:"VCS_TIMEOUT" default:"2s"`
	BreakerFailures uint32        `envconfig:"VCS_BREAKER_FAILURES" default:"5"`
	BreakerCooldown time.Duration `envconfig:"VCS_BREAKER_COOLDOWN" default:"30s"`
}

// SSHConfig controls persistent ssh shells.
type SSHConfig struct {
	Enabled        bool          `envconfig:"SSH_ENABLED" default:"true"`
	KnownHostsFile string        `envconfig:"SSH_KNOWN_HOSTS"`
	ConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
}

// Load loads configuration from environment variables, then applies the
// overlay file named by SHELLD_CONFIG if present.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.File != "" {
		if err := cfg.ApplyFile(cfg.File); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8420",
			Host:            "127.0.0.1",
			AllowOrigins:    []string{"*"},
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
		Shell: ShellConfig{
			Path:             "/bin/sh",
			Term:             "xterm-256color",
			FallbackPath:     "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin",
			ElevationKeyword: "sudo",
			GraceWindow:      100 * time.Millisecond,
			KillWait:         3 * time.Second,
			DrainTimeout:     2 * time.Second,
			MaxLineBytes:     64 * 1024,
		},
		Session: SessionConfig{
			MaxSessions:  64,
			HistoryLimit: 500,
			OutputLimit:  5000,
			RecallLimit:  30,
		},
		VCS: VCSConfig{
			Timeout:         2 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		SSH: SSHConfig{
			Enabled:        true,
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// Validate rejects limits and durations that would disable a safety bound.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Shell.Path == "" {
		errs = append(errs, errors.New("shell path is required"))
	}
	if c.Shell.ElevationKeyword == "" {
		errs = append(errs, errors.New("elevation keyword is required"))
	}
	positiveDur("shell grace window", c.Shell.GraceWindow)
	positiveDur("shell kill wait", c.Shell.KillWait)
	positiveDur("shell drain timeout", c.Shell.DrainTimeout)
	positiveDur("vcs timeout", c.VCS.Timeout)
	if c.SSH.Enabled {
		positiveDur("ssh connect timeout", c.SSH.ConnectTimeout)
	}
	positive("shell max line bytes", c.Shell.MaxLineBytes)
	positive("session max", c.Session.MaxSessions)
	positive("session history limit", c.Session.HistoryLimit)
	positive("session output limit", c.Session.OutputLimit)
	positive("session recall limit", c.Session.RecallLimit)
	if c.RateLimit.Enabled {
		positive("rate limit rps", c.RateLimit.RequestsPerSecond)
		positive("rate limit burst", c.RateLimit.Burst)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
