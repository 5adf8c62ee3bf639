package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/internal/model"
)

func newMockClient(t *testing.T) (*Client, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return NewWithClients(db, db, db, 60*time.Second), mock
}

func sampleObservation() model.PriceObservation {
	return model.PriceObservation{
		Symbol:    "BTC/USD",
		Price:     decimal.RequireFromString("67234.56"),
		Source:    "coinbase",
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestKeyLayout(t *testing.T) {
	from := time.UnixMilli(1700000000000).UTC()
	to := time.UnixMilli(1700003600000).UTC()

	assert.Equal(t, "latest:BTC/USD", LatestKey("BTC/USD"))
	assert.Equal(t, "range:BTC/USD:1700000000000:1700003600000:raw", RangeKey("BTC/USD", from, to, ""))
	assert.Equal(t, "range:BTC/USD:1700000000000:1700003600000:1h", RangeKey("BTC/USD", from, to, "1h"))
	assert.Equal(t, "consensus:BTC/USD:1700000000000", ConsensusKey("BTC/USD", from))
	assert.Equal(t, "ratelimit:some-key", RateLimitKey("some-key"))
	assert.Equal(t, "price_updates:BTC/USD", SymbolChannel("BTC/USD"))
	assert.Equal(t, "price_updates:all", AllChannel)
}

func TestSetGetLatest(t *testing.T) {
	c, mock := newMockClient(t)
	obs := sampleObservation()
	payload, err := json.Marshal(obs)
	require.NoError(t, err)

	mock.ExpectSet(LatestKey(obs.Symbol), payload, 60*time.Second).SetVal("OK")
	require.NoError(t, c.SetLatest(context.Background(), obs))

	mock.ExpectGet(LatestKey(obs.Symbol)).SetVal(string(payload))
	got, found, err := c.GetLatest(context.Background(), obs.Symbol)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, obs.Symbol, got.Symbol)
	assert.True(t, got.Price.Equal(obs.Price))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestMiss(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectGet(LatestKey("XRP/USD")).RedisNil()
	got, found, err := c.GetLatest(context.Background(), "XRP/USD")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestPublishFansOutBothChannels(t *testing.T) {
	c, mock := newMockClient(t)
	payload := []byte(`{"type":"price_update"}`)

	mock.ExpectPublish(SymbolChannel("BTC/USD"), payload).SetVal(1)
	mock.ExpectPublish(AllChannel, payload).SetVal(1)

	require.NoError(t, c.Publish(context.Background(), "BTC/USD", payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrRateCounter(t *testing.T) {
	t.Run("first increment arms the window", func(t *testing.T) {
		c, mock := newMockClient(t)
		key := RateLimitKey("k1")

		mock.ExpectIncr(key).SetVal(1)
		mock.ExpectExpire(key, time.Minute).SetVal(true)

		count, ttl, err := c.IncrRateCounter(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, time.Minute, ttl)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("subsequent increments read the ttl", func(t *testing.T) {
		c, mock := newMockClient(t)
		key := RateLimitKey("k1")

		mock.ExpectIncr(key).SetVal(42)
		mock.ExpectTTL(key).SetVal(37 * time.Second)

		count, ttl, err := c.IncrRateCounter(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int64(42), count)
		assert.Equal(t, 37*time.Second, ttl)
	})

	t.Run("lost expiry is re-armed", func(t *testing.T) {
		c, mock := newMockClient(t)
		key := RateLimitKey("k1")

		mock.ExpectIncr(key).SetVal(7)
		mock.ExpectTTL(key).SetVal(-1)
		mock.ExpectExpire(key, time.Minute).SetVal(true)

		count, ttl, err := c.IncrRateCounter(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
		assert.Equal(t, time.Minute, ttl)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSetGetConsensus(t *testing.T) {
	c, mock := newMockClient(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	key := ConsensusKey("BTC/USD", at)
	agg := model.AggregatedPrice{
		Symbol:     "BTC/USD",
		Price:      decimal.RequireFromString("67250"),
		Median:     decimal.RequireFromString("67250"),
		Mean:       decimal.RequireFromString("67245.5"),
		NumSources: 3,
		Sources:    []string{"binance", "coinbase", "kraken"},
		Timestamp:  at,
	}
	payload, err := json.Marshal(agg)
	require.NoError(t, err)

	mock.ExpectSet(key, payload, 60*time.Second).SetVal("OK")
	require.NoError(t, c.SetConsensus(context.Background(), key, agg))

	mock.ExpectGet(key).SetVal(string(payload))
	got, found, err := c.GetConsensus(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, got.NumSources)
	assert.Nil(t, got.StdDev)
}
