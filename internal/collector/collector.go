package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/config"
	"github.com/feedline/feedline/internal/exchange"
	"github.com/feedline/feedline/internal/metrics"
	"github.com/feedline/feedline/internal/model"
)

const (
	backoffBase   = time.Second
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
	flushPoll     = 100 * time.Millisecond
)

// conn is the slice of a WebSocket connection the read loop uses.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// dialFunc opens the upstream connection, injectable for tests.
type dialFunc func(ctx context.Context, url string) (conn, error)

func gorillaDial(ctx context.Context, url string) (conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return c, err
}

// Collector maintains one upstream exchange connection, normalizes its
// frames, and ships batches to the ingestion endpoint.
type Collector struct {
	cfg     config.CollectorConfig
	adapter exchange.Adapter
	batcher *Batcher
	sender  *Sender
	metrics *metrics.Registry
	dial    dialFunc
}

// New wires a collector for one exchange.
func New(cfg config.CollectorConfig, adapter exchange.Adapter, batcher *Batcher, sender *Sender, m *metrics.Registry) *Collector {
	return &Collector{
		cfg:     cfg,
		adapter: adapter,
		batcher: batcher,
		sender:  sender,
		metrics: m,
		dial:    gorillaDial,
	}
}

// Run connects, reads, and reconnects with exponential backoff until the
// context is canceled or the attempt budget is spent. Pending observations
// are flushed on the way out.
func (c *Collector) Run(ctx context.Context) error {
	go c.flushLoop(ctx)
	defer c.drain()

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := c.runConnection(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if connected {
			// A held connection resets the reconnect budget.
			attempts = 0
		}

		attempts++
		c.metrics.CollectorReconnects.WithLabelValues(c.adapter.Name()).Inc()
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("gave up after %d reconnect attempts: %w", attempts, err)
		}

		delay := backoffDelay(attempts)
		log.Warn().Err(err).
			Str("exchange", c.adapter.Name()).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("upstream connection lost, reconnecting")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// runConnection dials, subscribes, and reads until the connection drops.
// The bool reports whether the connection was fully established.
func (c *Collector) runConnection(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	wc, err := c.dial(dialCtx, c.adapter.URL())
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.adapter.Name(), err)
	}
	defer wc.Close()

	msgs, err := c.adapter.SubscribeMessages()
	if err != nil {
		return false, fmt.Errorf("build subscribe messages: %w", err)
	}
	for _, msg := range msgs {
		if err := wc.WriteMessage(websocket.TextMessage, msg); err != nil {
			return false, fmt.Errorf("send subscribe: %w", err)
		}
	}
	log.Info().Str("exchange", c.adapter.Name()).Msg("upstream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			wc.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := wc.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read frame: %w", err)
		}
		c.handleFrame(frame)
	}
}

func (c *Collector) handleFrame(frame []byte) {
	obs, err := c.adapter.Parse(frame)
	if err != nil {
		c.metrics.CollectorFramesDropped.WithLabelValues(c.adapter.Name()).Inc()
		log.Debug().Err(err).Str("exchange", c.adapter.Name()).Msg("frame dropped")
		return
	}
	if obs == nil {
		return
	}

	normalized := model.Canonicalize(*obs)
	normalized.WorkerID = c.cfg.WorkerID
	if err := model.Validate(normalized); err != nil {
		c.metrics.CollectorFramesDropped.WithLabelValues(c.adapter.Name()).Inc()
		log.Debug().Err(err).Str("exchange", c.adapter.Name()).Msg("observation invalid, dropped")
		return
	}

	c.metrics.CollectorFramesParsed.WithLabelValues(c.adapter.Name()).Inc()
	c.batcher.Add(normalized)
}

// flushLoop polls the batcher and ships due batches.
func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushOnce(ctx, false)
		}
	}
}

func (c *Collector) flushOnce(ctx context.Context, force bool) {
	batch := c.batcher.Take(force)
	if len(batch) == 0 {
		return
	}
	if err := c.sender.Send(ctx, batch); err != nil {
		if errors.Is(err, ErrPoison) {
			log.Error().Err(err).Int("size", len(batch)).Msg("poison batch dropped")
			return
		}
		if ctx.Err() == nil {
			log.Warn().Err(err).Int("size", len(batch)).Msg("batch delivery failed, requeueing")
			c.batcher.Requeue(batch)
		}
	}
}

// drain makes a best-effort final delivery of pending observations.
func (c *Collector) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for c.batcher.Len() > 0 {
		batch := c.batcher.Take(true)
		if len(batch) == 0 {
			return
		}
		if err := c.sender.Send(ctx, batch); err != nil {
			log.Warn().Err(err).Int("size", len(batch)).Msg("final flush failed, dropping")
			return
		}
	}
}

// backoffDelay computes exponential backoff with jitter: base 1s, doubling
// per attempt, capped at 30s, spread by plus or minus 20 percent.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt-1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
