package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AggregatedPrice is the consensus price for a symbol over a trailing
// window, computed across distinct sources.
type AggregatedPrice struct {
	Symbol     string          `json:"symbol" db:"symbol"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Median     decimal.Decimal `json:"median" db:"median"`
	Mean       decimal.Decimal `json:"mean" db:"mean"`
	StdDev     *float64        `json:"std_dev" db:"std_dev"`
	NumSources int             `json:"num_sources" db:"num_sources"`
	Sources    []string        `json:"sources" db:"-"`
	Timestamp  time.Time       `json:"timestamp" db:"ts"`
}

// OHLCV is a rollup bucket over a time range for one symbol.
type OHLCV struct {
	Symbol   string           `json:"symbol"`
	Open     decimal.Decimal  `json:"open"`
	High     decimal.Decimal  `json:"high"`
	Low      decimal.Decimal  `json:"low"`
	Close    decimal.Decimal  `json:"close"`
	Volume   decimal.Decimal  `json:"volume"`
	NumFeeds int              `json:"num_feeds"`
	Source   string           `json:"source,omitempty"`
	Time     time.Time        `json:"timestamp"`
}

// RollupIntervals are the bucket widths accepted by the range query.
var RollupIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}
