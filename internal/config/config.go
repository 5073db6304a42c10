// Package config loads the proxy configuration file and applies
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults for the model alias table. Overridable via config file or
// HAIKU_MODEL / SONNET_MODEL / OPUS_MODEL.
const (
	DefaultHaikuModel  = "antigravity-gemini-3-flash"
	DefaultSonnetModel = "antigravity-claude-sonnet-4-5-thinking"
	DefaultOpusModel   = "antigravity-claude-opus-4-5-thinking"
)

// ProxyConfig holds the listener settings.
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	LogDir   string `json:"log_dir,omitempty"`
}

// AuthConfig selects the active account.
type AuthConfig struct {
	Enabled      bool   `json:"enabled"`
	AccountEmail string `json:"account_email,omitempty"`
}

// ModelsConfig is the alias table for haiku/sonnet/opus routing.
type ModelsConfig struct {
	Haiku  string `json:"haiku"`
	Sonnet string `json:"sonnet"`
	Opus   string `json:"opus"`
}

// RepairConfig feature-flags the tool argument repair heuristics.
type RepairConfig struct {
	Enabled bool `json:"enabled"`
}

// Config is the root configuration document.
type Config struct {
	Version string       `json:"version"`
	Proxy   ProxyConfig  `json:"proxy"`
	Auth    AuthConfig   `json:"auth"`
	Models  ModelsConfig `json:"models"`
	Repair  RepairConfig `json:"repair"`

	// Streaming and timeout knobs. Not part of the on-disk document by
	// default; populated from env overrides or left at defaults.
	RequestTimeout      time.Duration `json:"-"`
	TotalDeadline       time.Duration `json:"-"`
	ConnectTimeout      time.Duration `json:"-"`
	MaxStreamingRetries int           `json:"-"`
	ForceNonStreaming   bool          `json:"-"`
	ChunkBufferLimit    int           `json:"-"`
	TokenCounterModel   string        `json:"-"`
	ThinkingBudget      int           `json:"thinking_budget,omitempty"`

	// TokenStorePath is where OAuth accounts are persisted.
	TokenStorePath string `json:"-"`
}

// Default returns a configuration with every knob at its documented
// default.
func Default() *Config {
	return &Config{
		Version: "1",
		Proxy: ProxyConfig{
			Host:     "127.0.0.1",
			Port:     8741,
			LogLevel: "info",
		},
		Auth: AuthConfig{Enabled: true},
		Models: ModelsConfig{
			Haiku:  DefaultHaikuModel,
			Sonnet: DefaultSonnetModel,
			Opus:   DefaultOpusModel,
		},
		Repair:              RepairConfig{Enabled: true},
		RequestTimeout:      90 * time.Second,
		TotalDeadline:       3000000 * time.Millisecond,
		ConnectTimeout:      10 * time.Second,
		MaxStreamingRetries: 12,
		ChunkBufferLimit:    1 << 20,
		TokenCounterModel:   "gpt-4o",
		TokenStorePath:      DefaultTokenStorePath(),
	}
}

// DefaultTokenStorePath returns the canonical token store location
// under the user's home directory.
func DefaultTokenStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "accounts.json"
	}
	return filepath.Join(home, ".antigravity-proxy", "accounts.json")
}

// DefaultConfigPath returns the canonical config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".antigravity-proxy", "config.json")
}

// Load reads the configuration file at path (when it exists), then
// applies environment overrides. A missing file is not an error; the
// defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err = json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Proxy.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			c.Proxy.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Proxy.LogLevel = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.RequestTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("MAX_STREAMING_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxStreamingRetries = n
		}
	}
	if isTruthy(os.Getenv("FORCE_DISABLE_STREAMING")) || isTruthy(os.Getenv("EMERGENCY_DISABLE_STREAMING")) {
		c.ForceNonStreaming = true
	}
	if v := os.Getenv("HAIKU_MODEL"); v != "" {
		c.Models.Haiku = v
	}
	if v := os.Getenv("SONNET_MODEL"); v != "" {
		c.Models.Sonnet = v
	}
	if v := os.Getenv("OPUS_MODEL"); v != "" {
		c.Models.Opus = v
	}
	if v := os.Getenv("TOKEN_COUNTER_MODEL"); v != "" {
		c.TokenCounterModel = v
	}
}

func (c *Config) validate() error {
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Proxy.Port)
	}
	if c.Models.Haiku == "" || c.Models.Sonnet == "" || c.Models.Opus == "" {
		return fmt.Errorf("model alias table must name haiku, sonnet and opus targets")
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
