package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/apierr"
	"github.com/feedline/feedline/internal/metrics"
	"github.com/feedline/feedline/internal/model"
)

// MaxBatchSize bounds one ingestion request.
const MaxBatchSize = 100

// Store is the slice of the time-series store the ingestion path writes.
type Store interface {
	InsertBatch(ctx context.Context, observations []model.PriceObservation) (int, error)
}

// Cache is the slice of the cache/broker adapter the ingestion path writes.
type Cache interface {
	SetLatest(ctx context.Context, obs model.PriceObservation) error
	Publish(ctx context.Context, symbol string, payload []byte) error
}

// Request is the ingestion batch submitted by an edge collector.
type Request struct {
	WorkerID  string                   `json:"worker_id"`
	Timestamp time.Time                `json:"timestamp"`
	Feeds     []model.PriceObservation `json:"feeds"`
}

// Response reports the outcome of a successful ingestion.
type Response struct {
	Status    string `json:"status"`
	Ingested  int    `json:"ingested"`
	Failed    int    `json:"failed"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message"`
}

// Update is the price_update message fanned out to subscribers.
type Update struct {
	Type string     `json:"type"`
	Data UpdateData `json:"data"`
}

// UpdateData is the observation subset carried by a price update.
type UpdateData struct {
	Symbol    string                 `json:"symbol"`
	Price     json.RawMessage        `json:"price"`
	Volume    json.RawMessage        `json:"volume,omitempty"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Service runs the ingestion pipeline: validate, persist, cache, publish.
type Service struct {
	store   Store
	cache   Cache
	metrics *metrics.Registry
	now     func() time.Time
}

// NewService wires the ingestion service.
func NewService(store Store, c Cache, m *metrics.Registry) *Service {
	return &Service{store: store, cache: c, metrics: m, now: time.Now}
}

// Ingest validates the whole batch atomically, persists it, refreshes the
// latest-price cache for each symbol, and publishes updates. Cache and
// publish failures never fail the request.
func (s *Service) Ingest(ctx context.Context, req Request) (*Response, error) {
	start := s.now()
	s.metrics.IngestReceived.Add(float64(len(req.Feeds)))

	if len(req.Feeds) == 0 {
		return nil, apierr.Validation("feeds", "must contain at least one observation")
	}
	if len(req.Feeds) > MaxBatchSize {
		return nil, apierr.Validation("feeds", fmt.Sprintf("must contain at most %d observations", MaxBatchSize))
	}

	observations := make([]model.PriceObservation, len(req.Feeds))
	for i, raw := range req.Feeds {
		// Symbols must arrive already canonical; repairing case here would
		// mask broken collectors.
		if !model.ValidSymbol(strings.TrimSpace(raw.Symbol)) {
			s.metrics.IngestDropped.Add(float64(len(req.Feeds)))
			return nil, validationAt(i, &model.FieldError{
				Field:  "symbol",
				Reason: "must match BASE/QUOTE with uppercase letters",
			})
		}

		obs := model.Canonicalize(raw)
		if obs.WorkerID == "" {
			obs.WorkerID = req.WorkerID
		}
		obs.IngestedAt = start.UTC().Truncate(time.Millisecond)

		if err := model.Validate(obs); err != nil {
			s.metrics.IngestDropped.Add(float64(len(req.Feeds)))
			return nil, validationAt(i, err)
		}
		if err := model.ValidateSkew(obs, start); err != nil {
			s.metrics.IngestDropped.Add(float64(len(req.Feeds)))
			return nil, validationAt(i, err)
		}
		observations[i] = obs
	}

	inserted, err := s.store.InsertBatch(ctx, observations)
	if err != nil {
		s.metrics.IngestDropped.Add(float64(len(observations)))
		return nil, apierr.Wrap(apierr.CodeStoreError, "failed to persist batch", err)
	}
	s.metrics.IngestInserted.Add(float64(inserted))

	for _, obs := range newestPerSymbol(observations) {
		if err := s.cache.SetLatest(ctx, obs); err != nil {
			log.Warn().Err(err).Str("symbol", obs.Symbol).Msg("latest cache update failed")
		}
		payload, err := updatePayload(obs)
		if err != nil {
			log.Warn().Err(err).Str("symbol", obs.Symbol).Msg("update payload marshal failed")
			continue
		}
		if err := s.cache.Publish(ctx, obs.Symbol, payload); err != nil {
			s.metrics.BrokerPublishFailures.Inc()
			log.Warn().Err(err).Str("symbol", obs.Symbol).Msg("broker publish failed")
		}
	}

	return &Response{
		Status:    "success",
		Ingested:  inserted,
		Failed:    0,
		LatencyMS: s.now().Sub(start).Milliseconds(),
		Message:   fmt.Sprintf("ingested %d observations", inserted),
	}, nil
}

func validationAt(index int, err error) error {
	if fe, ok := err.(*model.FieldError); ok {
		return apierr.Validation(fe.Field, fe.Reason).
			WithDetails(map[string]interface{}{"index": index, "field": fe.Field, "reason": fe.Reason})
	}
	return apierr.Wrap(apierr.CodeValidation, "validation failed", err)
}

// newestPerSymbol retains, for each symbol, the observation with the
// greatest timestamp.
func newestPerSymbol(observations []model.PriceObservation) map[string]model.PriceObservation {
	newest := make(map[string]model.PriceObservation)
	for _, obs := range observations {
		cur, ok := newest[obs.Symbol]
		if !ok || obs.Timestamp.After(cur.Timestamp) {
			newest[obs.Symbol] = obs
		}
	}
	return newest
}

func updatePayload(obs model.PriceObservation) ([]byte, error) {
	price, err := json.Marshal(obs.Price)
	if err != nil {
		return nil, err
	}
	data := UpdateData{
		Symbol:    obs.Symbol,
		Price:     price,
		Source:    obs.Source,
		Timestamp: obs.Timestamp,
		Metadata:  obs.Metadata,
	}
	if obs.Volume != nil {
		volume, err := json.Marshal(obs.Volume)
		if err != nil {
			return nil, err
		}
		data.Volume = volume
	}
	return json.Marshal(Update{Type: "price_update", Data: data})
}
