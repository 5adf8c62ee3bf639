package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the postgres driver
	"github.com/shopspring/decimal"

	"github.com/feedline/feedline/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// MaxRangeLimit is the hard ceiling on rows returned by a range query.
// Callers must validate limits before reaching the store; exceeding it here
// is a programmer error.
const MaxRangeLimit = 10_000

const symbolTSIndex = "idx_price_observations_symbol_ts"

// Config holds store connection settings. InitSchema applies the embedded
// DDL before the index check, for first boots and tests.
type Config struct {
	URL        string
	PoolSize   int
	Timeout    time.Duration
	InitSchema bool
}

// Store is the PostgreSQL time-series adapter. All operations run under the
// configured per-operation deadline.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to the store, configures the connection pool, and verifies
// the (symbol, ts DESC) index exists. A missing index is a fatal
// configuration error.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db, timeout: cfg.Timeout}
	if cfg.InitSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := s.checkIndexes(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// EnsureSchema applies the embedded DDL. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) checkIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var count int
	err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM pg_indexes WHERE tablename = 'price_observations' AND indexname = $1`,
		symbolTSIndex).Scan(&count)
	if err != nil {
		return fmt.Errorf("probe indexes: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("required index %s is missing on price_observations", symbolTSIndex)
	}
	return nil
}

// InsertBatch persists the observations atomically and returns the number
// inserted. Duplicates are allowed and preserved.
func (s *Store) InsertBatch(ctx context.Context, observations []model.PriceObservation) (int, error) {
	if len(observations) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_observations (symbol, price, volume, source, ts, worker_id, metadata, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert batch: %w", err)
	}
	defer stmt.Close()

	for i := range observations {
		obs := &observations[i]

		metadataJSON, err := marshalMetadata(obs.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}

		var volume decimal.NullDecimal
		if obs.Volume != nil {
			volume = decimal.NullDecimal{Decimal: *obs.Volume, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			obs.Symbol, obs.Price, volume, obs.Source,
			obs.Timestamp, obs.WorkerID, metadataJSON, obs.IngestedAt); err != nil {
			return 0, fmt.Errorf("insert observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert batch: %w", err)
	}
	return len(observations), nil
}

const observationColumns = `id, symbol, price, volume, source, ts, worker_id, metadata, ingested_at`

// Latest returns the most recent observation for the symbol, or nil when
// none exists. Ties on ts break on ingested_at, then id.
func (s *Store) Latest(ctx context.Context, symbol string) (*model.PriceObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + observationColumns + `
		FROM price_observations
		WHERE symbol = $1
		ORDER BY ts DESC, ingested_at DESC, id DESC
		LIMIT 1`

	obs, err := scanObservation(s.db.QueryRowxContext(ctx, query, symbol))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest: %w", err)
	}
	return obs, nil
}

// LatestMany returns the latest observation per symbol in a single scan.
// Symbols without observations are absent from the result.
func (s *Store) LatestMany(ctx context.Context, symbols []string) (map[string]model.PriceObservation, error) {
	if len(symbols) == 0 {
		return map[string]model.PriceObservation{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (symbol) ` + observationColumns + `
		FROM price_observations
		WHERE symbol = ANY($1)
		ORDER BY symbol, ts DESC, ingested_at DESC, id DESC`

	rows, err := s.db.QueryxContext(ctx, query, pq.Array(symbols))
	if err != nil {
		return nil, fmt.Errorf("query latest many: %w", err)
	}
	defer rows.Close()

	result := make(map[string]model.PriceObservation, len(symbols))
	for rows.Next() {
		obs, err := scanObservationRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan latest many: %w", err)
		}
		result[obs.Symbol] = *obs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest many: %w", err)
	}
	return result, nil
}

// Range returns observations with ts in [from, to], newest first,
// optionally restricted to one source. Limit must be within 1..MaxRangeLimit.
func (s *Store) Range(ctx context.Context, symbol string, from, to time.Time, source string, limit int) ([]model.PriceObservation, error) {
	if limit <= 0 || limit > MaxRangeLimit {
		return nil, fmt.Errorf("range limit %d out of bounds (1..%d)", limit, MaxRangeLimit)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + observationColumns + `
		FROM price_observations
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3`
	args := []interface{}{symbol, from, to}

	if source != "" {
		query += ` AND source = $4`
		args = append(args, source)
	}
	query += fmt.Sprintf(` ORDER BY ts DESC LIMIT %d`, limit)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var result []model.PriceObservation
	for rows.Next() {
		obs, err := scanObservationRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		result = append(result, *obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range: %w", err)
	}
	return result, nil
}

// Stats computes a single OHLCV rollup over [from, to] for the symbol, or
// nil when no observations exist in the range.
func (s *Store) Stats(ctx context.Context, symbol string, from, to time.Time) (*model.OHLCV, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT
			(SELECT price FROM price_observations
			 WHERE symbol = $1 AND ts >= $2 AND ts <= $3
			 ORDER BY ts ASC, ingested_at ASC, id ASC LIMIT 1)  AS open,
			(SELECT price FROM price_observations
			 WHERE symbol = $1 AND ts >= $2 AND ts <= $3
			 ORDER BY ts DESC, ingested_at DESC, id DESC LIMIT 1) AS close,
			MAX(price)               AS high,
			MIN(price)               AS low,
			COALESCE(SUM(volume), 0) AS volume,
			COUNT(*)                 AS num_feeds
		FROM price_observations
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3`

	var row struct {
		Open     decimal.NullDecimal `db:"open"`
		Close    decimal.NullDecimal `db:"close"`
		High     decimal.NullDecimal `db:"high"`
		Low      decimal.NullDecimal `db:"low"`
		Volume   decimal.Decimal     `db:"volume"`
		NumFeeds int                 `db:"num_feeds"`
	}
	if err := s.db.QueryRowxContext(ctx, query, symbol, from, to).
		Scan(&row.Open, &row.Close, &row.High, &row.Low, &row.Volume, &row.NumFeeds); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	if row.NumFeeds == 0 {
		return nil, nil
	}

	return &model.OHLCV{
		Symbol:   symbol,
		Open:     row.Open.Decimal,
		High:     row.High.Decimal,
		Low:      row.Low.Decimal,
		Close:    row.Close.Decimal,
		Volume:   row.Volume,
		NumFeeds: row.NumFeeds,
		Time:     to,
	}, nil
}

// LatestAggregate returns the newest precomputed aggregate for the symbol
// with ts <= at, or nil when none exists.
func (s *Store) LatestAggregate(ctx context.Context, symbol string, at time.Time) (*model.AggregatedPrice, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT symbol, price, median, mean, std_dev, num_sources, sources, ts
		FROM aggregated_prices
		WHERE symbol = $1 AND ts <= $2
		ORDER BY ts DESC
		LIMIT 1`

	var agg model.AggregatedPrice
	var stdDev sql.NullFloat64
	var sources pq.StringArray
	err := s.db.QueryRowxContext(ctx, query, symbol, at).Scan(
		&agg.Symbol, &agg.Price, &agg.Median, &agg.Mean,
		&stdDev, &agg.NumSources, &sources, &agg.Timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest aggregate: %w", err)
	}
	if stdDev.Valid {
		agg.StdDev = &stdDev.Float64
	}
	agg.Sources = sources
	return &agg, nil
}

// InsertAggregate persists a precomputed consensus aggregate.
func (s *Store) InsertAggregate(ctx context.Context, agg model.AggregatedPrice) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdDev sql.NullFloat64
	if agg.StdDev != nil {
		stdDev = sql.NullFloat64{Float64: *agg.StdDev, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregated_prices (symbol, price, median, mean, std_dev, num_sources, sources, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agg.Symbol, agg.Price, agg.Median, agg.Mean, stdDev,
		agg.NumSources, pq.Array(agg.Sources), agg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert aggregate: %w", err)
	}
	return nil
}

// Ping probes connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanObservation(row rowScanner) (*model.PriceObservation, error) {
	var obs model.PriceObservation
	var volume decimal.NullDecimal
	var metadataJSON []byte

	err := row.Scan(
		&obs.ID, &obs.Symbol, &obs.Price, &volume, &obs.Source,
		&obs.Timestamp, &obs.WorkerID, &metadataJSON, &obs.IngestedAt)
	if err != nil {
		return nil, err
	}

	if volume.Valid {
		obs.Volume = &volume.Decimal
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &obs.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &obs, nil
}

func scanObservationRows(rows *sqlx.Rows) (*model.PriceObservation, error) {
	return scanObservation(rows)
}

func marshalMetadata(metadata map[string]interface{}) (interface{}, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
