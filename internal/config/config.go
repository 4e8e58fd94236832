// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete ragchat configuration.
type Config struct {
	// Backend configures the RAG streaming endpoint.
	Backend BackendConfig `toml:"backend"`

	// Auth configures the credential service.
	Auth AuthConfig `toml:"auth"`

	// Storage configures local persistence.
	Storage StorageConfig `toml:"storage"`

	// Stream configures exchange behavior.
	Stream StreamConfig `toml:"stream"`
}

// BackendConfig points at the RAG backend.
type BackendConfig struct {
	// BaseURL is the backend base URL, e.g. "https://rag.example.com".
	BaseURL string `toml:"base_url"`
	// Pipeline is the retrieval pipeline name sent with each query.
	Pipeline string `toml:"pipeline"`
	// UseReranker is forwarded verbatim to the backend.
	UseReranker bool `toml:"use_reranker"`
}

// AuthConfig configures how bearer tokens are obtained.
type AuthConfig struct {
	// URL is the auth service base URL. Empty with AccessToken set means
	// a static token is used.
	URL string `toml:"url"`
	// APIKey is the auth service public API key.
	APIKey string `toml:"api_key"`
	// RefreshToken seeds the refreshing token source.
	RefreshToken string `toml:"refresh_token"`
	// AccessToken, when set, is used as-is without refreshing.
	AccessToken string `toml:"access_token"`
}

// StorageConfig configures the local database.
type StorageConfig struct {
	// DBPath is the SQLite file path; default ~/.ragchat/chats.db.
	DBPath string `toml:"db_path"`
}

// StreamConfig tunes exchange behavior.
type StreamConfig struct {
	// IdleTimeoutSecs bounds the silence between stream events.
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
	// RetryPerMinute paces how often a failed exchange may be re-issued.
	RetryPerMinute int `toml:"retry_per_minute"`
}

// IdleTimeout returns the idle timeout as a duration.
func (s StreamConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: BackendConfig{
			Pipeline: "default",
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(home, ".ragchat", "chats.db"),
		},
		Stream: StreamConfig{
			IdleTimeoutSecs: 90,
			RetryPerMinute:  6,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ragchat", "config.toml")
}

// Load reads configuration from path (DefaultPath when empty), applies
// defaults for unset fields and environment overrides on top. A missing
// file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from RAGCHAT_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RAGCHAT_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("RAGCHAT_PIPELINE"); v != "" {
		cfg.Backend.Pipeline = v
	}
	if v := os.Getenv("RAGCHAT_USE_RERANKER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backend.UseReranker = b
		}
	}
	if v := os.Getenv("RAGCHAT_AUTH_URL"); v != "" {
		cfg.Auth.URL = v
	}
	if v := os.Getenv("RAGCHAT_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("RAGCHAT_REFRESH_TOKEN"); v != "" {
		cfg.Auth.RefreshToken = v
	}
	if v := os.Getenv("RAGCHAT_ACCESS_TOKEN"); v != "" {
		cfg.Auth.AccessToken = v
	}
	if v := os.Getenv("RAGCHAT_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("RAGCHAT_IDLE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.IdleTimeoutSecs = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid backend base_url: %q", c.Backend.BaseURL)
		}
	}
	if c.Auth.URL != "" {
		u, err := url.Parse(c.Auth.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid auth url: %q", c.Auth.URL)
		}
	}
	if c.Stream.IdleTimeoutSecs < 0 {
		return errors.New("idle_timeout_secs must not be negative")
	}
	if c.Stream.RetryPerMinute < 0 {
		return errors.New("retry_per_minute must not be negative")
	}
	return nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration to path (DefaultPath when empty).
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}
