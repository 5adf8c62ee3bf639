package query

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/feedline/feedline/internal/apierr"
	"github.com/feedline/feedline/internal/cache"
	"github.com/feedline/feedline/internal/metrics"
	"github.com/feedline/feedline/internal/model"
)

// consensusWindow is the trailing window used when an aggregate must be
// computed on demand from raw observations.
const consensusWindow = 5 * time.Minute

// DefaultRangeLimit applies when a range query omits the limit parameter.
const DefaultRangeLimit = 1000

// Store is the slice of the time-series store the query service reads.
type Store interface {
	LatestMany(ctx context.Context, symbols []string) (map[string]model.PriceObservation, error)
	Range(ctx context.Context, symbol string, from, to time.Time, source string, limit int) ([]model.PriceObservation, error)
	Stats(ctx context.Context, symbol string, from, to time.Time) (*model.OHLCV, error)
	LatestAggregate(ctx context.Context, symbol string, at time.Time) (*model.AggregatedPrice, error)
}

// Cache is the slice of the cache adapter the query service uses.
type Cache interface {
	GetLatest(ctx context.Context, symbol string) (*model.PriceObservation, bool, error)
	SetLatest(ctx context.Context, obs model.PriceObservation) error
	GetRange(ctx context.Context, key string) ([]byte, bool, error)
	SetRange(ctx context.Context, key string, payload []byte) error
	GetConsensus(ctx context.Context, key string) (*model.AggregatedPrice, bool, error)
	SetConsensus(ctx context.Context, key string, agg model.AggregatedPrice) error
}

// Service answers the read plane: latest, range/OHLCV, and consensus.
type Service struct {
	store   Store
	cache   Cache
	metrics *metrics.Registry
	now     func() time.Time
}

// NewService wires the query service.
func NewService(store Store, c Cache, m *metrics.Registry) *Service {
	return &Service{store: store, cache: c, metrics: m, now: time.Now}
}

// LatestRow is one latest-price entry with its staleness relative to the
// serving clock.
type LatestRow struct {
	model.PriceObservation
	StalenessMS int64 `json:"staleness_ms"`
}

// LatestResult is the response of the latest-prices operation.
type LatestResult struct {
	Data      []LatestRow `json:"data"`
	Cached    bool        `json:"cached"`
	LatencyMS int64       `json:"latency_ms"`
}

// Latest serves cache-first reads for the requested symbols. Duplicate
// symbols collapse to one entry; cache misses fall through to the store in
// a single scan and are written back.
func (s *Service) Latest(ctx context.Context, symbols []string) (*LatestResult, error) {
	start := s.now()
	symbols = dedupe(symbols)

	rows := make([]LatestRow, 0, len(symbols))
	var misses []string
	allCached := true

	for _, symbol := range symbols {
		obs, found, err := s.cache.GetLatest(ctx, symbol)
		if err != nil {
			// Read-path cache failures are transparent; fall through to store.
			log.Warn().Err(err).Str("symbol", symbol).Msg("latest cache read failed")
			found = false
		}
		if !found {
			s.metrics.RecordCacheMiss("latest")
			misses = append(misses, symbol)
			allCached = false
			continue
		}
		s.metrics.RecordCacheHit("latest")
		rows = append(rows, s.latestRow(*obs))
	}

	if len(misses) > 0 {
		fetched, err := s.store.LatestMany(ctx, misses)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "latest lookup failed", err)
		}
		for _, symbol := range misses {
			obs, ok := fetched[symbol]
			if !ok {
				continue
			}
			rows = append(rows, s.latestRow(obs))
			if err := s.cache.SetLatest(ctx, obs); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("latest cache write failed")
			}
		}
	}

	return &LatestResult{
		Data:      rows,
		Cached:    allCached,
		LatencyMS: s.now().Sub(start).Milliseconds(),
	}, nil
}

func (s *Service) latestRow(obs model.PriceObservation) LatestRow {
	return LatestRow{
		PriceObservation: obs,
		StalenessMS:      s.now().Sub(obs.Timestamp).Milliseconds(),
	}
}

// RangeRequest parameterizes a range query.
type RangeRequest struct {
	Symbol   string
	From     time.Time
	To       time.Time
	Interval string
	Source   string
	Limit    int
}

// RangeResult is the response of the range operation. Interval echoes the
// rollup actually applied: empty for raw rows, the requested width for a
// single aggregate bucket over the range.
type RangeResult struct {
	Data      []model.OHLCV `json:"data"`
	Interval  string        `json:"interval,omitempty"`
	Count     int           `json:"count"`
	LatencyMS int64         `json:"latency_ms"`
}

// Range serves raw observations or an OHLCV rollup for one symbol.
func (s *Service) Range(ctx context.Context, req RangeRequest) (*RangeResult, error) {
	start := s.now()

	if req.Limit == 0 {
		req.Limit = DefaultRangeLimit
	}
	if req.Interval != "" {
		if _, ok := model.RollupIntervals[req.Interval]; !ok {
			return nil, apierr.Validation("interval", "unsupported rollup interval")
		}
	}

	key := cache.RangeKey(req.Symbol, req.From, req.To, req.Interval)
	if req.Source == "" {
		if payload, found, err := s.cache.GetRange(ctx, key); err == nil && found {
			s.metrics.RecordCacheHit("range")
			var data []model.OHLCV
			if err := json.Unmarshal(payload, &data); err == nil {
				return &RangeResult{
					Data:      data,
					Interval:  req.Interval,
					Count:     len(data),
					LatencyMS: s.now().Sub(start).Milliseconds(),
				}, nil
			}
			log.Warn().Err(err).Str("key", key).Msg("range cache entry corrupt, falling through")
		} else {
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("range cache read failed")
			}
			s.metrics.RecordCacheMiss("range")
		}
	}

	var data []model.OHLCV
	if req.Interval == "" {
		rows, err := s.store.Range(ctx, req.Symbol, req.From, req.To, req.Source, req.Limit)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "range lookup failed", err)
		}
		data = make([]model.OHLCV, 0, len(rows))
		for _, obs := range rows {
			data = append(data, rawRow(obs))
		}
	} else {
		bucket, err := s.store.Stats(ctx, req.Symbol, req.From, req.To)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "stats lookup failed", err)
		}
		if bucket != nil {
			data = []model.OHLCV{*bucket}
		}
	}

	if req.Source == "" {
		if payload, err := json.Marshal(data); err == nil {
			if err := s.cache.SetRange(ctx, key, payload); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("range cache write failed")
			}
		}
	}

	return &RangeResult{
		Data:      data,
		Interval:  req.Interval,
		Count:     len(data),
		LatencyMS: s.now().Sub(start).Milliseconds(),
	}, nil
}

func rawRow(obs model.PriceObservation) model.OHLCV {
	volume := decimal.Zero
	if obs.Volume != nil {
		volume = *obs.Volume
	}
	return model.OHLCV{
		Symbol:   obs.Symbol,
		Open:     obs.Price,
		High:     obs.Price,
		Low:      obs.Price,
		Close:    obs.Price,
		Volume:   volume,
		NumFeeds: 1,
		Source:   obs.Source,
		Time:     obs.Timestamp,
	}
}

// ConsensusResult is the response of the consensus operation. Symbols with
// no observations in the window are omitted.
type ConsensusResult struct {
	Data      []model.AggregatedPrice `json:"data"`
	LatencyMS int64                   `json:"latency_ms"`
}

// Consensus aggregates each symbol across sources at the given instant,
// preferring the cache, then precomputed aggregates, then an on-demand
// computation over the trailing window.
func (s *Service) Consensus(ctx context.Context, symbols []string, at time.Time) (*ConsensusResult, error) {
	start := s.now()
	if at.IsZero() {
		at = start
	}
	at = at.UTC().Truncate(time.Millisecond)
	symbols = dedupe(symbols)

	data := make([]model.AggregatedPrice, 0, len(symbols))
	for _, symbol := range symbols {
		key := cache.ConsensusKey(symbol, at)

		if agg, found, err := s.cache.GetConsensus(ctx, key); err == nil && found {
			s.metrics.RecordCacheHit("consensus")
			data = append(data, *agg)
			continue
		} else if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("consensus cache read failed")
		}
		s.metrics.RecordCacheMiss("consensus")

		agg, err := s.store.LatestAggregate(ctx, symbol, at)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "aggregate lookup failed", err)
		}
		if agg == nil {
			rows, err := s.store.Range(ctx, symbol, at.Add(-consensusWindow), at, "", DefaultRangeLimit)
			if err != nil {
				return nil, apierr.Wrap(apierr.CodeStoreError, "consensus window lookup failed", err)
			}
			agg = Consensus(symbol, rows)
		}
		if agg == nil {
			continue
		}

		data = append(data, *agg)
		if err := s.cache.SetConsensus(ctx, key, *agg); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("consensus cache write failed")
		}
	}

	return &ConsensusResult{
		Data:      data,
		LatencyMS: s.now().Sub(start).Milliseconds(),
	}, nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := symbols[:0:0]
	for _, s := range symbols {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Consensus reduces raw observations to an aggregate across distinct
// sources, or nil when the window is empty.
func Consensus(symbol string, rows []model.PriceObservation) *model.AggregatedPrice {
	if len(rows) == 0 {
		return nil
	}

	prices := make([]decimal.Decimal, len(rows))
	sourceSet := make(map[string]struct{})
	maxTS := rows[0].Timestamp
	sum := decimal.Zero

	for i, obs := range rows {
		prices[i] = obs.Price
		sum = sum.Add(obs.Price)
		sourceSet[obs.Source] = struct{}{}
		if obs.Timestamp.After(maxTS) {
			maxTS = obs.Timestamp
		}
	}

	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	median := medianOf(prices)
	mean := sum.Div(decimal.NewFromInt(int64(len(prices))))

	sources := make([]string, 0, len(sourceSet))
	for src := range sourceSet {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	agg := &model.AggregatedPrice{
		Symbol:     symbol,
		Price:      median,
		Median:     median,
		Mean:       mean,
		NumSources: len(sources),
		Sources:    sources,
		Timestamp:  maxTS,
	}
	if len(sources) >= 2 {
		sd := sampleStdDev(prices, mean)
		agg.StdDev = &sd
	}
	return agg
}

// medianOf returns the 50th percentile with linear interpolation: for an
// even count this is the mean of the two middle values.
func medianOf(sorted []decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}

func sampleStdDev(prices []decimal.Decimal, mean decimal.Decimal) float64 {
	if len(prices) < 2 {
		return 0
	}
	meanF, _ := mean.Float64()
	var sumSq float64
	for _, p := range prices {
		f, _ := p.Float64()
		d := f - meanF
		sumSq += d * d
	}
	variance := sumSq / float64(len(prices)-1)
	return math.Sqrt(variance)
}
