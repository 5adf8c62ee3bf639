package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedline/feedline/internal/model"
)

const binanceStreamBase = "wss://stream.binance.com:9443/stream?streams="

// binance uses combined trade streams; the subscription is carried in the
// URL, so no subscribe frames are sent.
type binance struct {
	url       string
	bySymbols map[string]string // native pair (BTCUSDT) -> canonical symbol
}

func newBinance(symbols []string, n *normalizer) (*binance, error) {
	b := &binance{bySymbols: make(map[string]string, len(symbols))}
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		base, quote, err := splitSymbol(symbol)
		if err != nil {
			return nil, err
		}
		native := strings.ToUpper(base + quote)
		streams = append(streams, strings.ToLower(native)+"@trade")
		b.bySymbols[native] = n.Canonical(base, quote)
	}
	b.url = binanceStreamBase + strings.Join(streams, "/")
	return b, nil
}

func (b *binance) Name() string { return "binance" }

func (b *binance) URL() string { return b.url }

func (b *binance) SubscribeMessages() ([][]byte, error) { return nil, nil }

type binanceFrame struct {
	Stream string       `json:"stream"`
	Data   binanceTrade `json:"data"`
}

type binanceTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (b *binance) Parse(frame []byte) (*model.PriceObservation, error) {
	var f binanceFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("decode binance frame: %w", err)
	}
	if f.Data.EventType != "trade" {
		return nil, nil
	}

	symbol, ok := b.bySymbols[f.Data.Symbol]
	if !ok {
		return nil, nil
	}
	price, err := decimal.NewFromString(f.Data.Price)
	if err != nil {
		return nil, fmt.Errorf("binance price %q: %w", f.Data.Price, err)
	}

	obs := &model.PriceObservation{
		Symbol:    symbol,
		Price:     price,
		Source:    "binance",
		Timestamp: time.Now().UTC(),
	}
	if f.Data.TradeTime > 0 {
		obs.Timestamp = time.UnixMilli(f.Data.TradeTime).UTC()
	}
	if f.Data.Quantity != "" {
		if vol, err := decimal.NewFromString(f.Data.Quantity); err == nil {
			obs.Volume = &vol
		}
	}
	return obs, nil
}
