package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validObservation() PriceObservation {
	return PriceObservation{
		Symbol:    "BTC/USD",
		Price:     decimal.RequireFromString("67234.56"),
		Source:    "coinbase",
		Timestamp: time.Now().UTC(),
	}
}

func TestValidSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		want   bool
	}{
		{"BTC/USD", true},
		{"ETH/USDT", true},
		{"DOGE/EUR", true},
		{"btc/usd", false},
		{"BTC-USD", false},
		{"BTC/", false},
		{"B/USD", false},
		{"BTC/USD/EXTRA", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidSymbol(tt.symbol), tt.symbol)
	}
}

func TestCanonicalize(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))
	obs := Canonicalize(PriceObservation{
		Symbol:    "  btc/usd ",
		Source:    " Coinbase ",
		WorkerID:  " worker-1 ",
		Timestamp: ts,
	})

	assert.Equal(t, "BTC/USD", obs.Symbol)
	assert.Equal(t, "coinbase", obs.Source)
	assert.Equal(t, "worker-1", obs.WorkerID)
	assert.Equal(t, time.UTC, obs.Timestamp.Location())
	assert.Equal(t, 123000000, obs.Timestamp.Nanosecond())
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, Validate(validObservation()))
	})

	t.Run("lowercase symbol rejected", func(t *testing.T) {
		obs := validObservation()
		obs.Symbol = "btc/usd"
		err := Validate(obs)
		require.Error(t, err)
		fe := err.(*FieldError)
		assert.Equal(t, "symbol", fe.Field)
	})

	t.Run("negative price", func(t *testing.T) {
		obs := validObservation()
		obs.Price = decimal.RequireFromString("-1")
		err := Validate(obs)
		require.Error(t, err)
		assert.Equal(t, "price", err.(*FieldError).Field)
	})

	t.Run("zero price allowed", func(t *testing.T) {
		obs := validObservation()
		obs.Price = decimal.Zero
		require.NoError(t, Validate(obs))
	})

	t.Run("negative volume", func(t *testing.T) {
		obs := validObservation()
		vol := decimal.RequireFromString("-0.5")
		obs.Volume = &vol
		err := Validate(obs)
		require.Error(t, err)
		assert.Equal(t, "volume", err.(*FieldError).Field)
	})

	t.Run("missing source", func(t *testing.T) {
		obs := validObservation()
		obs.Source = ""
		err := Validate(obs)
		require.Error(t, err)
		assert.Equal(t, "source", err.(*FieldError).Field)
	})

	t.Run("missing timestamp", func(t *testing.T) {
		obs := validObservation()
		obs.Timestamp = time.Time{}
		err := Validate(obs)
		require.Error(t, err)
		assert.Equal(t, "timestamp", err.(*FieldError).Field)
	})
}

func TestValidateSkew(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	t.Run("within tolerance", func(t *testing.T) {
		obs := validObservation()
		obs.Timestamp = now.Add(-23 * time.Hour)
		require.NoError(t, ValidateSkew(obs, now))
	})

	t.Run("too old", func(t *testing.T) {
		obs := validObservation()
		obs.Timestamp = now.Add(-25 * time.Hour)
		require.Error(t, ValidateSkew(obs, now))
	})

	t.Run("too far in the future", func(t *testing.T) {
		obs := validObservation()
		obs.Timestamp = now.Add(25 * time.Hour)
		require.Error(t, ValidateSkew(obs, now))
	})
}

func TestPriceMarshalsAsString(t *testing.T) {
	obs := validObservation()
	data, err := obs.Price.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"67234.56"`, string(data))
}
