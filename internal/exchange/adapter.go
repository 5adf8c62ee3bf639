package exchange

import (
	"fmt"
	"strings"

	"github.com/feedline/feedline/internal/config"
	"github.com/feedline/feedline/internal/model"
)

// Adapter translates one exchange's WebSocket dialect into normalized
// observations. Adapters are built per collector run for a fixed symbol set.
type Adapter interface {
	// Name is the source tag recorded on every observation.
	Name() string

	// URL is the WebSocket endpoint to dial. Some exchanges embed the
	// subscription in the URL.
	URL() string

	// SubscribeMessages are the frames to send after connecting; empty when
	// the URL already carries the subscription.
	SubscribeMessages() ([][]byte, error)

	// Parse decodes one upstream frame. It returns (nil, nil) for frames
	// that carry no price (heartbeats, acks) and an error for frames that
	// should have parsed but did not.
	Parse(frame []byte) (*model.PriceObservation, error)
}

// New builds the adapter for the named exchange.
func New(exchange string, symbols []string, aliases config.AliasConfig) (Adapter, error) {
	n := newNormalizer(aliases)
	switch strings.ToLower(exchange) {
	case "coinbase":
		return newCoinbase(symbols, n)
	case "binance":
		return newBinance(symbols, n)
	case "kraken":
		return newKraken(symbols, n)
	default:
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
}

// normalizer folds exchange-local asset and quote codes onto canonical
// ones. Merges (e.g. USDT onto USD) only happen when configured.
type normalizer struct {
	assets map[string]string
	quotes map[string]string
}

func newNormalizer(cfg config.AliasConfig) *normalizer {
	n := &normalizer{
		assets: make(map[string]string, len(cfg.Assets)),
		quotes: make(map[string]string, len(cfg.Quotes)),
	}
	for from, to := range cfg.Assets {
		n.assets[strings.ToUpper(from)] = strings.ToUpper(to)
	}
	for from, to := range cfg.Quotes {
		n.quotes[strings.ToUpper(from)] = strings.ToUpper(to)
	}
	return n
}

// Canonical joins a base and quote into the canonical BASE/QUOTE symbol.
func (n *normalizer) Canonical(base, quote string) string {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if to, ok := n.assets[base]; ok {
		base = to
	}
	if to, ok := n.quotes[quote]; ok {
		quote = to
	}
	return base + "/" + quote
}

// splitSymbol breaks a canonical BASE/QUOTE symbol apart.
func splitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q is not BASE/QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}
