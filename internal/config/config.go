package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration, loaded once at boot and
// immutable afterwards.
type Config struct {
	Store      StoreConfig     `yaml:"store"`
	Broker     BrokerConfig    `yaml:"broker"`
	HTTP       HTTPConfig      `yaml:"http"`
	Identities Identities      `yaml:"identities"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	WS         WSConfig        `yaml:"ws"`
	Collector  CollectorConfig `yaml:"collector"`
	Aliases    AliasConfig     `yaml:"symbol_aliases"`
	LogLevel   string          `yaml:"log_level"`
}

// StoreConfig configures the time-series store connection.
type StoreConfig struct {
	URL       string `yaml:"url"`
	PoolSize  int    `yaml:"pool_size"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Timeout returns the per-operation store deadline.
func (c StoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// BrokerConfig configures the cache/broker connection.
type BrokerConfig struct {
	URL              string `yaml:"url"`
	CacheLatestTTLS  int    `yaml:"cache_latest_ttl_s"`
	TimeoutMS        int    `yaml:"timeout_ms"`
}

// LatestTTL returns the TTL for latest-observation cache entries.
func (c BrokerConfig) LatestTTL() time.Duration {
	return time.Duration(c.CacheLatestTTLS) * time.Second
}

// Timeout returns the per-command cache/broker deadline.
func (c BrokerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeoutS int    `yaml:"read_timeout_s"`
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Identities lists the authorized API keys per tier.
type Identities struct {
	Internal []string `yaml:"internal"`
	Public   []string `yaml:"public"`
	Admin    []string `yaml:"admin"`
}

// RateLimitConfig holds per-tier request budgets (requests/minute, 0 means
// unlimited).
type RateLimitConfig struct {
	Internal   int `yaml:"internal"`
	PublicFree int `yaml:"public_free"`
	Admin      int `yaml:"admin"`
}

// WSConfig configures the subscription plane.
type WSConfig struct {
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	MaxConnections      int `yaml:"max_connections"`
}

// HeartbeatInterval returns the server pong cadence.
func (c WSConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// CollectorConfig configures one edge collector process.
type CollectorConfig struct {
	Exchange             string   `yaml:"exchange"`
	Symbols              []string `yaml:"symbols"`
	IngestURL            string   `yaml:"ingest_url"`
	APIKey               string   `yaml:"api_key"`
	WorkerID             string   `yaml:"worker_id"`
	BatchMaxSize         int      `yaml:"batch_max_size"`
	BatchMaxAgeMS        int      `yaml:"batch_max_age_ms"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
}

// BatchMaxAge returns the oldest-pending-age flush trigger.
func (c CollectorConfig) BatchMaxAge() time.Duration {
	return time.Duration(c.BatchMaxAgeMS) * time.Millisecond
}

// AliasConfig maps exchange-local asset codes to canonical ones. Quote
// merging (e.g. USDT onto USD) only happens when listed here explicitly.
type AliasConfig struct {
	Assets map[string]string `yaml:"assets"`
	Quotes map[string]string `yaml:"quotes"`
}

// Default returns the built-in defaults; required options (connection
// strings, identities) stay empty and are caught by Validate.
func Default() Config {
	return Config{
		Store: StoreConfig{
			PoolSize:  20,
			TimeoutMS: 5000,
		},
		Broker: BrokerConfig{
			CacheLatestTTLS: 60,
			TimeoutMS:       2000,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeoutS: 10,
		},
		RateLimit: RateLimitConfig{
			Internal:   5000,
			PublicFree: 1000,
			Admin:      0,
		},
		WS: WSConfig{
			HeartbeatIntervalMS: 30000,
			MaxConnections:      10000,
		},
		Collector: CollectorConfig{
			BatchMaxSize:         50,
			BatchMaxAgeMS:        1000,
			MaxReconnectAttempts: 10,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides for the connection strings.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("FEEDLINE_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("FEEDLINE_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}

	return cfg, nil
}

// Validate rejects configurations a serve node cannot start with.
func (c Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Store.PoolSize <= 0 {
		return fmt.Errorf("store.pool_size must be positive")
	}
	if len(c.Identities.Internal)+len(c.Identities.Public)+len(c.Identities.Admin) == 0 {
		return fmt.Errorf("at least one identity key must be configured")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("log_level %q is not one of trace|debug|info|warn|error|fatal", c.LogLevel)
	}
	return nil
}

// ValidateCollector rejects configurations an edge collector cannot start
// with.
func (c Config) ValidateCollector() error {
	if c.Collector.Exchange == "" {
		return fmt.Errorf("collector.exchange is required")
	}
	if len(c.Collector.Symbols) == 0 {
		return fmt.Errorf("collector.symbols must not be empty")
	}
	if c.Collector.IngestURL == "" {
		return fmt.Errorf("collector.ingest_url is required")
	}
	if c.Collector.BatchMaxSize <= 0 || c.Collector.BatchMaxSize > 100 {
		return fmt.Errorf("collector.batch_max_size must be within 1..100")
	}
	return nil
}
