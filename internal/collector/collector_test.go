package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/internal/config"
	"github.com/feedline/feedline/internal/exchange"
	"github.com/feedline/feedline/internal/metrics"
)

type scriptedConn struct {
	frames [][]byte
	idx    int
	wrote  [][]byte
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	if c.idx >= len(c.frames) {
		return 0, nil, errors.New("connection reset")
	}
	frame := c.frames[c.idx]
	c.idx++
	return 1, frame, nil
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	c.wrote = append(c.wrote, data)
	return nil
}

func (c *scriptedConn) Close() error { return nil }

func newTestCollector(t *testing.T, dial dialFunc, maxAttempts int) *Collector {
	t.Helper()
	adapter, err := exchange.New("coinbase", []string{"BTC/USD"}, config.AliasConfig{})
	require.NoError(t, err)

	m := metrics.NewRegistry()
	cfg := config.CollectorConfig{
		Exchange:             "coinbase",
		Symbols:              []string{"BTC/USD"},
		WorkerID:             "worker-1",
		BatchMaxSize:         50,
		BatchMaxAgeMS:        1000,
		MaxReconnectAttempts: maxAttempts,
	}
	c := New(cfg, adapter, NewBatcher(50, time.Second, m), nil, m)
	c.dial = dial
	return c
}

func TestRunConnectionParsesFrames(t *testing.T) {
	sc := &scriptedConn{frames: [][]byte{
		[]byte(`{"type":"subscriptions"}`),
		[]byte(`{"type":"ticker","product_id":"BTC-USD","price":"67234.56","time":"2026-08-24T12:00:00Z"}`),
		[]byte(`{"type":"ticker","product_id":"BTC-USD","price":"garbage"}`),
	}}
	c := newTestCollector(t, func(ctx context.Context, url string) (conn, error) {
		return sc, nil
	}, 1)

	connected, err := c.runConnection(context.Background())
	assert.True(t, connected)
	require.Error(t, err) // scripted connection ends with a reset

	require.Len(t, sc.wrote, 1) // the subscribe frame
	assert.Equal(t, 1, c.batcher.Len())
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	var dials int
	c := newTestCollector(t, func(ctx context.Context, url string) (conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}, 3)

	start := time.Now()
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, dials)
	// Two backoff sleeps happened (roughly 1s then 2s, with jitter).
	assert.Greater(t, time.Since(start), 2*time.Second)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestCollector(t, func(ctx context.Context, url string) (conn, error) {
		return nil, errors.New("unreachable")
	}, 0)

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(backoffBase)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(backoffCap)*1.2))
	}
}
