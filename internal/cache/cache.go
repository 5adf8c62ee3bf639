package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/feedline/feedline/internal/model"
)

// TTLs for the derived-result caches. Latest-observation TTL comes from
// configuration.
const rangeTTL = 300 * time.Second

// Client is the cache + broker adapter. It maintains three logical
// connections: one for general commands, one reserved for publish, and one
// reserved for subscribe (a subscribing connection cannot issue commands).
type Client struct {
	cmd       *redis.Client
	pub       *redis.Client
	sub       *redis.Client
	latestTTL time.Duration
	timeout   time.Duration
}

// Config holds broker connection settings.
type Config struct {
	URL       string
	LatestTTL time.Duration
	Timeout   time.Duration
}

// New connects the three logical clients and verifies connectivity on the
// command connection. Commands fail fast on a dead connection rather than
// blocking; reconnection is handled by the driver with backoff.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = cfg.Timeout
	opts.WriteTimeout = cfg.Timeout
	opts.MaxRetries = 1
	opts.MaxRetryBackoff = 30 * time.Second

	c := &Client{
		cmd:       redis.NewClient(opts),
		pub:       redis.NewClient(opts),
		sub:       redis.NewClient(opts),
		latestTTL: cfg.LatestTTL,
		timeout:   cfg.Timeout,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.cmd.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("broker connection failed: %w", err)
	}
	return c, nil
}

// NewWithClients wraps pre-built clients, used by tests.
func NewWithClients(cmd, pub, sub *redis.Client, latestTTL time.Duration) *Client {
	return &Client{cmd: cmd, pub: pub, sub: sub, latestTTL: latestTTL, timeout: 2 * time.Second}
}

// Key and channel layout.

func LatestKey(symbol string) string {
	return "latest:" + symbol
}

func RangeKey(symbol string, from, to time.Time, interval string) string {
	if interval == "" {
		interval = "raw"
	}
	return fmt.Sprintf("range:%s:%d:%d:%s", symbol, from.UnixMilli(), to.UnixMilli(), interval)
}

func ConsensusKey(symbol string, at time.Time) string {
	return fmt.Sprintf("consensus:%s:%d", symbol, at.UnixMilli())
}

func RateLimitKey(apiKey string) string {
	return "ratelimit:" + apiKey
}

// SymbolChannel is the per-symbol broker channel for price updates.
func SymbolChannel(symbol string) string {
	return "price_updates:" + symbol
}

// AllChannel carries every published update.
const AllChannel = "price_updates:all"

// SetLatest overwrites the latest-observation entry for the symbol.
func (c *Client) SetLatest(ctx context.Context, obs model.PriceObservation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal latest: %w", err)
	}
	if err := c.cmd.Set(ctx, LatestKey(obs.Symbol), data, c.latestTTL).Err(); err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	return nil
}

// GetLatest returns the cached latest observation for the symbol; the bool
// reports whether the key was present.
func (c *Client) GetLatest(ctx context.Context, symbol string) (*model.PriceObservation, bool, error) {
	val, err := c.cmd.Get(ctx, LatestKey(symbol)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get latest: %w", err)
	}

	var obs model.PriceObservation
	if err := json.Unmarshal([]byte(val), &obs); err != nil {
		return nil, false, fmt.Errorf("unmarshal latest: %w", err)
	}
	return &obs, true, nil
}

// SetRange caches a serialized range-query result.
func (c *Client) SetRange(ctx context.Context, key string, payload []byte) error {
	if err := c.cmd.Set(ctx, key, payload, rangeTTL).Err(); err != nil {
		return fmt.Errorf("set range: %w", err)
	}
	return nil
}

// GetRange returns a cached range-query result as opaque bytes.
func (c *Client) GetRange(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.cmd.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get range: %w", err)
	}
	return []byte(val), true, nil
}

// SetConsensus caches an aggregate under its (symbol, ts) key.
func (c *Client) SetConsensus(ctx context.Context, key string, agg model.AggregatedPrice) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal consensus: %w", err)
	}
	if err := c.cmd.Set(ctx, key, data, c.latestTTL).Err(); err != nil {
		return fmt.Errorf("set consensus: %w", err)
	}
	return nil
}

// GetConsensus returns a cached aggregate.
func (c *Client) GetConsensus(ctx context.Context, key string) (*model.AggregatedPrice, bool, error) {
	val, err := c.cmd.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get consensus: %w", err)
	}

	var agg model.AggregatedPrice
	if err := json.Unmarshal([]byte(val), &agg); err != nil {
		return nil, false, fmt.Errorf("unmarshal consensus: %w", err)
	}
	return &agg, true, nil
}

// Publish sends the payload to the symbol channel and the firehose channel
// on the dedicated publish connection.
func (c *Client) Publish(ctx context.Context, symbol string, payload []byte) error {
	if err := c.pub.Publish(ctx, SymbolChannel(symbol), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", SymbolChannel(symbol), err)
	}
	if err := c.pub.Publish(ctx, AllChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", AllChannel, err)
	}
	return nil
}

// IncrRateCounter atomically increments the fixed-window counter for the
// key, arming the 60s expiry on the first increment of a window. It returns
// the post-increment count and the remaining window TTL.
func (c *Client) IncrRateCounter(ctx context.Context, key string) (int64, time.Duration, error) {
	count, err := c.cmd.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("incr rate counter: %w", err)
	}
	if count == 1 {
		if err := c.cmd.Expire(ctx, key, time.Minute).Err(); err != nil {
			return count, time.Minute, fmt.Errorf("expire rate counter: %w", err)
		}
		return count, time.Minute, nil
	}

	ttl, err := c.cmd.TTL(ctx, key).Result()
	if err != nil {
		return count, time.Minute, fmt.Errorf("ttl rate counter: %w", err)
	}
	if ttl < 0 {
		// Expiry was lost (e.g. flushed counter); re-arm the window.
		ttl = time.Minute
		if err := c.cmd.Expire(ctx, key, ttl).Err(); err != nil {
			return count, ttl, fmt.Errorf("expire rate counter: %w", err)
		}
	}
	return count, ttl, nil
}

// Ping probes the command connection for health checks.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.cmd.Ping(ctx).Err()
}

// Close releases all three connections.
func (c *Client) Close() error {
	var firstErr error
	for _, cl := range []*redis.Client{c.cmd, c.pub, c.sub} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FormatResetHeader renders an epoch-ms reset timestamp for rate-limit
// response headers.
func FormatResetHeader(now time.Time, ttl time.Duration) string {
	return strconv.FormatInt(now.Add(ttl).UnixMilli(), 10)
}
