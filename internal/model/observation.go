package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// symbolPattern is the canonical trading-pair form: uppercase base and quote
// of at least two letters each, joined by a slash (e.g. "BTC/USD").
var symbolPattern = regexp.MustCompile(`^[A-Z]{2,}/[A-Z]{2,}$`)

// ClockSkewTolerance bounds how far an observation timestamp may sit from
// the server clock before ingestion rejects it.
const ClockSkewTolerance = 24 * time.Hour

// PriceObservation is a single normalized price record from one exchange at
// one instant. Price and volume carry arbitrary decimal precision; they are
// never represented as binary floats on the write path.
type PriceObservation struct {
	ID         string                 `json:"id,omitempty" db:"id"`
	Symbol     string                 `json:"symbol" db:"symbol"`
	Price      decimal.Decimal        `json:"price" db:"price"`
	Volume     *decimal.Decimal       `json:"volume,omitempty" db:"volume"`
	Source     string                 `json:"source" db:"source"`
	Timestamp  time.Time              `json:"timestamp" db:"ts"`
	WorkerID   string                 `json:"worker_id,omitempty" db:"worker_id"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"-"`
	IngestedAt time.Time              `json:"ingested_at,omitempty" db:"ingested_at"`
}

// ValidSymbol reports whether s matches the canonical pair pattern.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Canonicalize returns a copy of the observation with its string fields
// trimmed, the symbol upper-cased, the source lower-cased, and the timestamp
// normalized to UTC millisecond precision.
func Canonicalize(obs PriceObservation) PriceObservation {
	obs.Symbol = strings.ToUpper(strings.TrimSpace(obs.Symbol))
	obs.Source = strings.ToLower(strings.TrimSpace(obs.Source))
	obs.WorkerID = strings.TrimSpace(obs.WorkerID)
	obs.Timestamp = obs.Timestamp.UTC().Truncate(time.Millisecond)
	if !obs.IngestedAt.IsZero() {
		obs.IngestedAt = obs.IngestedAt.UTC().Truncate(time.Millisecond)
	}
	return obs
}

// FieldError describes why a single observation field failed validation.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// Validate checks the observation against the canonical record rules. It
// assumes Canonicalize has already run and returns the first violation found.
func Validate(obs PriceObservation) error {
	if obs.Symbol == "" {
		return &FieldError{Field: "symbol", Reason: "required"}
	}
	if !ValidSymbol(obs.Symbol) {
		return &FieldError{Field: "symbol", Reason: "must match BASE/QUOTE with uppercase letters"}
	}
	if obs.Price.IsNegative() {
		return &FieldError{Field: "price", Reason: "must be non-negative"}
	}
	if obs.Volume != nil && obs.Volume.IsNegative() {
		return &FieldError{Field: "volume", Reason: "must be non-negative"}
	}
	if obs.Source == "" {
		return &FieldError{Field: "source", Reason: "required"}
	}
	if obs.Timestamp.IsZero() {
		return &FieldError{Field: "timestamp", Reason: "required"}
	}
	return nil
}

// ValidateSkew rejects timestamps outside the clock-skew tolerance relative
// to now. It is applied at the ingestion boundary, not by edge collectors.
func ValidateSkew(obs PriceObservation, now time.Time) error {
	diff := now.Sub(obs.Timestamp)
	if diff < 0 {
		diff = -diff
	}
	if diff > ClockSkewTolerance {
		return &FieldError{Field: "timestamp", Reason: "outside clock-skew tolerance"}
	}
	return nil
}
