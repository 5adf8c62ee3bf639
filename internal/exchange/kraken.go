package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedline/feedline/internal/model"
)

const krakenURL = "wss://ws.kraken.com"

// krakenAssetOut maps canonical asset codes to Kraken's legacy names used
// on the wire.
var krakenAssetOut = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// kraken speaks the Kraken public ticker channel. Data frames are JSON
// arrays; control frames are objects with an event field.
type kraken struct {
	pairs     []string
	bySymbols map[string]string // wire pair (XBT/USD) -> canonical symbol
}

func newKraken(symbols []string, n *normalizer) (*kraken, error) {
	k := &kraken{bySymbols: make(map[string]string, len(symbols))}
	for _, symbol := range symbols {
		base, quote, err := splitSymbol(symbol)
		if err != nil {
			return nil, err
		}
		wireBase := strings.ToUpper(base)
		if legacy, ok := krakenAssetOut[wireBase]; ok {
			wireBase = legacy
		}
		pair := wireBase + "/" + strings.ToUpper(quote)
		k.pairs = append(k.pairs, pair)
		k.bySymbols[pair] = n.Canonical(base, quote)
	}
	return k, nil
}

func (k *kraken) Name() string { return "kraken" }

func (k *kraken) URL() string { return krakenURL }

func (k *kraken) SubscribeMessages() ([][]byte, error) {
	msg, err := json.Marshal(map[string]interface{}{
		"event": "subscribe",
		"pair":  k.pairs,
		"subscription": map[string]string{
			"name": "ticker",
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

type krakenTicker struct {
	Close  []string `json:"c"`
	Volume []string `json:"v"`
}

func (k *kraken) Parse(frame []byte) (*model.PriceObservation, error) {
	trimmed := strings.TrimSpace(string(frame))
	if !strings.HasPrefix(trimmed, "[") {
		// Control frame: subscriptionStatus, systemStatus, heartbeat.
		var event struct {
			Event        string `json:"event"`
			Status       string `json:"status"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(frame, &event); err != nil {
			return nil, fmt.Errorf("decode kraken frame: %w", err)
		}
		if event.Status == "error" {
			return nil, fmt.Errorf("kraken error frame: %s", event.ErrorMessage)
		}
		return nil, nil
	}

	// Data frame: [channelID, ticker, channelName, pair]
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("decode kraken data frame: %w", err)
	}
	if len(parts) < 4 {
		return nil, nil
	}

	var channel, pair string
	if err := json.Unmarshal(parts[2], &channel); err != nil || channel != "ticker" {
		return nil, nil
	}
	if err := json.Unmarshal(parts[3], &pair); err != nil {
		return nil, fmt.Errorf("decode kraken pair: %w", err)
	}
	symbol, ok := k.bySymbols[pair]
	if !ok {
		return nil, nil
	}

	var ticker krakenTicker
	if err := json.Unmarshal(parts[1], &ticker); err != nil {
		return nil, fmt.Errorf("decode kraken ticker: %w", err)
	}
	if len(ticker.Close) == 0 {
		return nil, nil
	}
	price, err := decimal.NewFromString(ticker.Close[0])
	if err != nil {
		return nil, fmt.Errorf("kraken price %q: %w", ticker.Close[0], err)
	}

	// Kraken ticker frames carry no event time; stamp at receipt.
	obs := &model.PriceObservation{
		Symbol:    symbol,
		Price:     price,
		Source:    "kraken",
		Timestamp: time.Now().UTC(),
	}
	if len(ticker.Volume) > 0 {
		if vol, err := decimal.NewFromString(ticker.Volume[len(ticker.Volume)-1]); err == nil {
			obs.Volume = &vol
		}
	}
	return obs, nil
}
