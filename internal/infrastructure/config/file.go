package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config with optional fields so that only keys present
// in the file override the environment.
type fileConfig struct {
	Server *struct {
		Port            *string   `toml:"port" yaml:"port"`
		Host            *string   `toml:"host" yaml:"host"`
		LockFile        *string   `toml:"lock_file" yaml:"lock_file"`
		AllowOrigins    *[]string `toml:"allow_origins" yaml:"allow_origins"`
		ShutdownTimeout *string   `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	} `toml:"server" yaml:"server"`

	Logging *struct {
		Level       *string `toml:"level" yaml:"level"`
		Development *bool   `toml:"development" yaml:"development"`
	} `toml:"logging" yaml:"logging"`

	RateLimit *struct {
		RequestsPerSecond *int  `toml:"rps" yaml:"rps"`
		Burst             *int  `toml:"burst" yaml:"burst"`
		Enabled           *bool `toml:"enabled" yaml:"enabled"`
	} `toml:"rate_limit" yaml:"rate_limit"`

	Shell *struct {
		Path             *string `toml:"path" yaml:"path"`
		Term             *string `toml:"term" yaml:"term"`
		FallbackPath     *string `toml:"fallback_path" yaml:"fallback_path"`
		ElevationKeyword *string `toml:"elevation_keyword" yaml:"elevation_keyword"`
		GraceWindow      *string `toml:"grace_window" yaml:"grace_window"`
		KillWait         *string `toml:"kill_wait" yaml:"kill_wait"`
		DrainTimeout     *string `toml:"drain_timeout" yaml:"drain_timeout"`
		MaxLineBytes     *int    `toml:"max_line_bytes" yaml:"max_line_bytes"`
		TTY              *bool   `toml:"tty" yaml:"tty"`
	} `toml:"shell" yaml:"shell"`

	Session *struct {
		MaxSessions  *int `toml:"max" yaml:"max"`
		HistoryLimit *int `toml:"history_limit" yaml:"history_limit"`
		OutputLimit  *int `toml:"output_limit" yaml:"output_limit"`
		RecallLimit  *int `toml:"recall_limit" yaml:"recall_limit"`
	} `toml:"session" yaml:"session"`

	VCS *struct {
		Timeout         *string `toml:"timeout" yaml:"timeout"`
		BreakerFailures *uint32 `toml:"breaker_failures" yaml:"breaker_failures"`
		BreakerCooldown *string `toml:"breaker_cooldown" yaml:"breaker_cooldown"`
	} `toml:"vcs" yaml:"vcs"`

	SSH *struct {
		Enabled        *bool   `toml:"enabled" yaml:"enabled"`
		KnownHostsFile *string `toml:"known_hosts" yaml:"known_hosts"`
		ConnectTimeout *string `toml:"connect_timeout" yaml:"connect_timeout"`
	} `toml:"ssh" yaml:"ssh"`
}

// ApplyFile overlays the TOML (.toml) or YAML (.yaml, .yml) file at path.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return fc.apply(c)
}

func (fc *fileConfig) apply(c *Config) error {
	var derr error
	dur := func(dst *time.Duration, src *string, name string) {
		if src == nil || derr != nil {
			return
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			derr = fmt.Errorf("config file: %s: %w", name, err)
			return
		}
		*dst = d
	}

	if s := fc.Server; s != nil {
		set(&c.Server.Port, s.Port)
		set(&c.Server.Host, s.Host)
		set(&c.Server.LockFile, s.LockFile)
		set(&c.Server.AllowOrigins, s.AllowOrigins)
		dur(&c.Server.ShutdownTimeout, s.ShutdownTimeout, "server.shutdown_timeout")
	}
	if l := fc.Logging; l != nil {
		set(&c.Logging.Level, l.Level)
		set(&c.Logging.Development, l.Development)
	}
	if r := fc.RateLimit; r != nil {
		set(&c.RateLimit.RequestsPerSecond, r.RequestsPerSecond)
		set(&c.RateLimit.Burst, r.Burst)
		set(&c.RateLimit.Enabled, r.Enabled)
	}
	if s := fc.Shell; s != nil {
		set(&c.Shell.Path, s.Path)
		set(&c.Shell.Term, s.Term)
		set(&c.Shell.FallbackPath, s.FallbackPath)
		set(&c.Shell.ElevationKeyword, s.ElevationKeyword)
		set(&c.Shell.MaxLineBytes, s.MaxLineBytes)
		set(&c.Shell.TTY, s.TTY)
		dur(&c.Shell.GraceWindow, s.GraceWindow, "shell.grace_window")
		dur(&c.Shell.KillWait, s.KillWait, "shell.kill_wait")
		dur(&c.Shell.DrainTimeout, s.DrainTimeout, "shell.drain_timeout")
	}
	if s := fc.Session; s != nil {
		set(&c.Session.MaxSessions, s.MaxSessions)
		set(&c.Session.HistoryLimit, s.HistoryLimit)
		set(&c.Session.OutputLimit, s.OutputLimit)
		set(&c.Session.RecallLimit, s.RecallLimit)
	}
	if v := fc.VCS; v != nil {
		set(&c.VCS.BreakerFailures, v.BreakerFailures)
		dur(&c.VCS.Timeout, v.Timeout, "vcs.timeout")
		dur(&c.VCS.BreakerCooldown, v.BreakerCooldown, "vcs.breaker_cooldown")
	}
	if s := fc.SSH; s != nil {
		set(&c.SSH.Enabled, s.Enabled)
		set(&c.SSH.KnownHostsFile, s.KnownHostsFile)
		dur(&c.SSH.ConnectTimeout, s.ConnectTimeout, "ssh.connect_timeout")
	}

	return derr
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
