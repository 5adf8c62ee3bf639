package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedline/feedline/internal/model"
)

const coinbaseURL = "wss://ws-feed.exchange.coinbase.com"

// coinbase speaks the Coinbase Exchange ticker channel. Products are
// BASE-QUOTE; frames are typed JSON objects.
type coinbase struct {
	products  []string
	bySymbols map[string]string // product id -> canonical symbol
}

func newCoinbase(symbols []string, n *normalizer) (*coinbase, error) {
	c := &coinbase{bySymbols: make(map[string]string, len(symbols))}
	for _, symbol := range symbols {
		base, quote, err := splitSymbol(symbol)
		if err != nil {
			return nil, err
		}
		product := strings.ToUpper(base) + "-" + strings.ToUpper(quote)
		c.products = append(c.products, product)
		c.bySymbols[product] = n.Canonical(base, quote)
	}
	return c, nil
}

func (c *coinbase) Name() string { return "coinbase" }

func (c *coinbase) URL() string { return coinbaseURL }

func (c *coinbase) SubscribeMessages() ([][]byte, error) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": c.products,
		"channels":    []string{"ticker"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

type coinbaseFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
	Message   string `json:"message"`
}

func (c *coinbase) Parse(frame []byte) (*model.PriceObservation, error) {
	var f coinbaseFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("decode coinbase frame: %w", err)
	}

	switch f.Type {
	case "ticker":
	case "error":
		return nil, fmt.Errorf("coinbase error frame: %s", f.Message)
	default:
		// subscriptions ack, heartbeat, l2 noise
		return nil, nil
	}

	symbol, ok := c.bySymbols[f.ProductID]
	if !ok {
		return nil, nil
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return nil, fmt.Errorf("coinbase price %q: %w", f.Price, err)
	}

	obs := &model.PriceObservation{
		Symbol:    symbol,
		Price:     price,
		Source:    "coinbase",
		Timestamp: time.Now().UTC(),
	}
	if f.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, f.Time); err == nil {
			obs.Timestamp = ts.UTC()
		}
	}
	if f.Volume24h != "" {
		if vol, err := decimal.NewFromString(f.Volume24h); err == nil {
			obs.Volume = &vol
		}
	}
	return obs, nil
}
