package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the per-profile config.toml.
type Config struct {
	Remote    Remote    `toml:"remote"`
	Cache     Cache     `toml:"cache"`
	Outbox    Outbox    `toml:"outbox"`
	Reconcile Reconcile `toml:"reconcile"`
	Sync      Sync      `toml:"sync"`
}

// Remote configures the backend endpoints and identity.
type Remote struct {
	BaseURL     string `toml:"base_url"`
	StreamURL   string `toml:"stream_url"`
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// Cache configures the TTL caches in front of the aggregate reads.
type Cache struct {
	ConversationTTLSecs int `toml:"conversation_ttl_secs"`
	MessagePageTTLSecs  int `toml:"message_page_ttl_secs"`
	FetchTimeoutSecs    int `toml:"fetch_timeout_secs"`
}

// Outbox configures the send retry budget.
type Outbox struct {
	MaxAttempts   int `toml:"max_attempts"`
	BaseBackoffMS int `toml:"base_backoff_ms"`
	MaxBackoffMS  int `toml:"max_backoff_ms"`
}

// Reconcile configures the unread reconciliation cadence.
type Reconcile struct {
	LiveIntervalSecs    int `toml:"live_interval_secs"`
	OfflineIntervalSecs int `toml:"offline_interval_secs"`
	StaleThresholdSecs  int `toml:"stale_threshold_secs"`
}

// Sync configures fetch page sizes.
type Sync struct {
	PageSize        int `toml:"page_size"`
	CatchupPageSize int `toml:"catchup_page_size"`
}

// Default returns a config with every tunable at its default. Remote
// identity fields have no default and must come from the file.
func Default() *Config {
	return &Config{
		Remote:    Remote{TimeoutSecs: 15},
		Cache:     Cache{ConversationTTLSecs: 60, MessagePageTTLSecs: 60, FetchTimeoutSecs: 10},
		Outbox:    Outbox{MaxAttempts: 6, BaseBackoffMS: 500, MaxBackoffMS: 30000},
		Reconcile: Reconcile{LiveIntervalSecs: 60, OfflineIntervalSecs: 300, StaleThresholdSecs: 30},
		Sync:      Sync{PageSize: 50, CatchupPageSize: 100},
	}
}

// Load reads config from the given path, applying defaults for any
// tunable the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	switch {
	case c.Remote.BaseURL == "":
		return fmt.Errorf("config: remote.base_url is required")
	case c.Remote.StreamURL == "":
		return fmt.Errorf("config: remote.stream_url is required")
	case c.Remote.UserID == "":
		return fmt.Errorf("config: remote.user_id is required")
	case c.Remote.Token == "":
		return fmt.Errorf("config: remote.token is required")
	}
	return nil
}

func (r Remote) Timeout() time.Duration { return time.Duration(r.TimeoutSecs) * time.Second }

func (c Cache) ConversationTTL() time.Duration {
	return time.Duration(c.ConversationTTLSecs) * time.Second
}
func (c Cache) MessagePageTTL() time.Duration {
	return time.Duration(c.MessagePageTTLSecs) * time.Second
}
func (c Cache) FetchTimeout() time.Duration { return time.Duration(c.FetchTimeoutSecs) * time.Second }

func (o Outbox) BaseBackoff() time.Duration { return time.Duration(o.BaseBackoffMS) * time.Millisecond }
func (o Outbox) MaxBackoff() time.Duration  { return time.Duration(o.MaxBackoffMS) * time.Millisecond }

func (r Reconcile) LiveInterval() time.Duration {
	return time.Duration(r.LiveIntervalSecs) * time.Second
}
func (r Reconcile) OfflineInterval() time.Duration {
	return time.Duration(r.OfflineIntervalSecs) * time.Second
}
func (r Reconcile) StaleThreshold() time.Duration {
	return time.Duration(r.StaleThresholdSecs) * time.Second
}
