// Package config provides configuration for the viewer client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds the viewer configuration.
type Config struct {
	// Collaborator endpoints
	ChatURL       string `toml:"chat_url" env:"CHAT_URL"`
	MonitoringURL string `toml:"monitoring_url" env:"MONITORING_URL"`
	DevicesURL    string `toml:"devices_url" env:"DEVICES_URL"`
	WSURL         string `toml:"ws_url" env:"WS_URL"`

	// Sync core
	EchoTTLMs            int    `toml:"echo_ttl_ms" env:"ECHO_TTL_MS"`
	PollIntervalMs       int    `toml:"poll_interval_ms" env:"POLL_INTERVAL_MS"`
	OwnershipConcurrency int    `toml:"ownership_concurrency" env:"OWNERSHIP_CONCURRENCY"`
	TimeZone             string `toml:"time_zone" env:"TIME_ZONE"`

	// WebSocket settings
	PingIntervalMs int   `toml:"ws_ping_interval_ms" env:"WS_PING_INTERVAL_MS"`
	WriteTimeoutMs int   `toml:"ws_write_timeout_ms" env:"WS_WRITE_TIMEOUT_MS"`
	ReadTimeoutMs  int   `toml:"ws_read_timeout_ms" env:"WS_READ_TIMEOUT_MS"`
	MaxMessageSize int64 `toml:"ws_max_message_size" env:"WS_MAX_MESSAGE_SIZE"`

	// Command/query path
	CommandTimeoutMs int `toml:"command_timeout_ms" env:"COMMAND_TIMEOUT_MS"`

	// Credentials
	TokenPath string `toml:"token_path" env:"TOKEN_PATH"`

	// Local surfaces
	ConsoleAddr     string `toml:"console_addr" env:"CONSOLE_ADDR"`
	StubAddr        string `toml:"stub_addr" env:"STUB_ADDR"`
	StubDatabaseURL string `toml:"stub_database_url" env:"STUB_DATABASE_URL"`

	// Logging
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ChatURL:              "http://localhost:8000",
		MonitoringURL:        "http://localhost:8000",
		DevicesURL:           "http://localhost:8000",
		WSURL:                "ws://localhost:8000",
		EchoTTLMs:            3000,
		PollIntervalMs:       3000,
		OwnershipConcurrency: 8,
		TimeZone:             "Local",
		PingIntervalMs:       30000,
		WriteTimeoutMs:       10000,
		ReadTimeoutMs:        60000,
		MaxMessageSize:       65536,
		CommandTimeoutMs:     30000,
		ConsoleAddr:          "127.0.0.1:8095",
		StubAddr:             ":8000",
		StubDatabaseURL:      "file:gridview-stub.db?cache=shared&mode=rwc",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, then environment variables, each layer overriding the previous.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the core misbehave.
func (c *Config) Validate() error {
	if c.EchoTTLMs <= 0 {
		return fmt.Errorf("echo_ttl_ms must be positive, got %d", c.EchoTTLMs)
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", c.PollIntervalMs)
	}
	if c.OwnershipConcurrency <= 0 {
		return fmt.Errorf("ownership_concurrency must be positive, got %d", c.OwnershipConcurrency)
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("ws_url must use ws:// or wss://, got %q", c.WSURL)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json", "auto":
	default:
		return fmt.Errorf("log_format must be text, json or auto, got %q", c.LogFormat)
	}
	return nil
}

// Location resolves the viewer's local time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

func (c *Config) EchoTTL() time.Duration      { return ms(c.EchoTTLMs) }
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMs) }
func (c *Config) PingInterval() time.Duration { return ms(c.PingIntervalMs) }
func (c *Config) WriteTimeout() time.Duration { return ms(c.WriteTimeoutMs) }
func (c *Config) ReadTimeout() time.Duration  { return ms(c.ReadTimeoutMs) }

func (c *Config) CommandTimeout() time.Duration { return ms(c.CommandTimeoutMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
