package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	DataDir  string         `yaml:"data_dir"`
	Backends BackendsConfig `yaml:"backends"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AdvertiseHost is the host:port baked into the --sdk-url passed to
	// claude-style subprocesses. Defaults to Listen with 0.0.0.0 replaced
	// by 127.0.0.1.
	AdvertiseHost string `yaml:"advertise_host"`
}

type AuthConfig struct {
	// TokenSecret enables HS256 bearer-token checks on the browser
	// WebSocket and the REST API when non-empty. Loopback CLI sockets are
	// always exempt.
	TokenSecret string `yaml:"token_secret"`
	Audience    string `yaml:"audience"`
}

type BackendsConfig struct {
	Claude ClaudeConfig `yaml:"claude"`
	Codex  CodexConfig  `yaml:"codex"`
}

type ClaudeConfig struct {
	Binary    string   `yaml:"binary"`
	ExtraArgs []string `yaml:"extra_args"`
}

type CodexConfig struct {
	Binary    string `yaml:"binary"`
	WebSearch bool   `yaml:"web_search"`
}

type SessionsConfig struct {
	RingSize        int    `yaml:"ring_size"`
	IntentQueueSize int    `yaml:"intent_queue_size"`
	ConnQueueSize   int    `yaml:"conn_queue_size"`
	DedupeWindow    int    `yaml:"dedupe_window"`
	KillGrace       string `yaml:"kill_grace"`
	RelaunchGrace   string `yaml:"relaunch_grace"`
	// ResumeCrashWindow is how soon after a resumed spawn an exit counts as
	// a crash loop, clearing the stored resume token.
	ResumeCrashWindow string `yaml:"resume_crash_window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// ParseDuration parses a duration string with a fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8750"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Backends.Claude.Binary == "" {
		cfg.Backends.Claude.Binary = "claude"
	}
	if cfg.Backends.Codex.Binary == "" {
		cfg.Backends.Codex.Binary = "codex"
	}
	if cfg.Sessions.RingSize == 0 {
		cfg.Sessions.RingSize = 512
	}
	if cfg.Sessions.IntentQueueSize == 0 {
		cfg.Sessions.IntentQueueSize = 256
	}
	if cfg.Sessions.ConnQueueSize == 0 {
		cfg.Sessions.ConnQueueSize = 256
	}
	if cfg.Sessions.DedupeWindow == 0 {
		cfg.Sessions.DedupeWindow = 128
	}
	if cfg.Sessions.KillGrace == "" {
		cfg.Sessions.KillGrace = "5s"
	}
	if cfg.Sessions.RelaunchGrace == "" {
		cfg.Sessions.RelaunchGrace = "2s"
	}
	if cfg.Sessions.ResumeCrashWindow == "" {
		cfg.Sessions.ResumeCrashWindow = "5s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
