package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/internal/apierr"
	"github.com/feedline/feedline/internal/auth"
	"github.com/feedline/feedline/internal/cache"
	"github.com/feedline/feedline/internal/config"
	"github.com/feedline/feedline/internal/ingest"
	"github.com/feedline/feedline/internal/metrics"
	"github.com/feedline/feedline/internal/model"
	"github.com/feedline/feedline/internal/query"
	"github.com/feedline/feedline/internal/subs"
)

type fakeQueryStore struct {
	latest map[string]model.PriceObservation
}

func (f *fakeQueryStore) LatestMany(ctx context.Context, symbols []string) (map[string]model.PriceObservation, error) {
	out := make(map[string]model.PriceObservation)
	for _, s := range symbols {
		if obs, ok := f.latest[s]; ok {
			out[s] = obs
		}
	}
	return out, nil
}

func (f *fakeQueryStore) Range(ctx context.Context, symbol string, from, to time.Time, source string, limit int) ([]model.PriceObservation, error) {
	return nil, nil
}

func (f *fakeQueryStore) Stats(ctx context.Context, symbol string, from, to time.Time) (*model.OHLCV, error) {
	return nil, nil
}

func (f *fakeQueryStore) LatestAggregate(ctx context.Context, symbol string, at time.Time) (*model.AggregatedPrice, error) {
	return nil, nil
}

type nullCache struct{}

func (nullCache) GetLatest(ctx context.Context, symbol string) (*model.PriceObservation, bool, error) {
	return nil, false, nil
}
func (nullCache) SetLatest(ctx context.Context, obs model.PriceObservation) error { return nil }
func (nullCache) GetRange(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (nullCache) SetRange(ctx context.Context, key string, payload []byte) error { return nil }
func (nullCache) GetConsensus(ctx context.Context, key string) (*model.AggregatedPrice, bool, error) {
	return nil, false, nil
}
func (nullCache) SetConsensus(ctx context.Context, key string, agg model.AggregatedPrice) error {
	return nil
}

type fakeIngestStore struct{}

func (fakeIngestStore) InsertBatch(ctx context.Context, observations []model.PriceObservation) (int, error) {
	return len(observations), nil
}

type ingestCache struct{}

func (ingestCache) SetLatest(ctx context.Context, obs model.PriceObservation) error { return nil }
func (ingestCache) Publish(ctx context.Context, symbol string, payload []byte) error {
	return nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type noopBroker struct{}

func (noopBroker) OpenSubscription(ctx context.Context) *cache.Subscription { return nil }

type serverOpts struct {
	storeErr  error
	brokerErr error
}

func newTestServer(t *testing.T, opts serverOpts) (*Server, redismock.ClientMock) {
	t.Helper()

	db, mock := redismock.NewClientMock()
	ca := cache.NewWithClients(db, db, db, 60*time.Second)

	m := metrics.NewRegistry()
	cfg := config.Default()
	table := auth.NewTable(
		config.Identities{
			Internal: []string{"collector-key"},
			Public:   []string{"public-key"},
			Admin:    []string{"admin-key"},
		},
		cfg.RateLimit,
	)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	qs := &fakeQueryStore{latest: map[string]model.PriceObservation{
		"BTC/USD": {
			Symbol:    "BTC/USD",
			Price:     decimal.RequireFromString("67234.56"),
			Source:    "coinbase",
			Timestamp: now,
		},
	}}

	return NewServer(cfg.HTTP, Deps{
		Table:   table,
		Limiter: auth.NewLimiter(ca, m),
		Query:   query.NewService(qs, nullCache{}, m),
		Ingest:  ingest.NewService(fakeIngestStore{}, ingestCache{}, m),
		Hub:     subs.NewHub(noopBroker{}, m, cfg.WS),
		Store:   fakePinger{err: opts.storeErr},
		Broker:  fakePinger{err: opts.brokerErr},
		Metrics: m,
	}), mock
}

func doRequest(s *Server, method, target, key string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) apierr.Body {
	t.Helper()
	var body apierr.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestMissingKeyUnauthorized(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	w := doRequest(s, http.MethodGet, "/prices/latest?symbols=BTC/USD", "", "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	body := decodeErrorBody(t, w)
	assert.Equal(t, apierr.CodeUnauthorized, body.Err.Code)
	assert.Equal(t, http.StatusUnauthorized, body.Status)
	assert.NotEmpty(t, body.Err.RequestID)
}

func TestPublicKeyCannotIngest(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	w := doRequest(s, http.MethodPost, "/internal/ingest", "public-key", `{"worker_id":"w1","feeds":[]}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apierr.CodeForbidden, decodeErrorBody(t, w).Err.Code)
}

func TestRateLimitHeaders(t *testing.T) {
	t.Run("allowed request carries headers", func(t *testing.T) {
		s, mock := newTestServer(t, serverOpts{})
		mock.ExpectIncr(cache.RateLimitKey("public-key")).SetVal(5)
		mock.ExpectTTL(cache.RateLimitKey("public-key")).SetVal(40 * time.Second)

		w := doRequest(s, http.MethodGet, "/prices/latest?symbols=BTC/USD", "public-key", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "995", w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("over limit returns 429 with retry-after", func(t *testing.T) {
		s, mock := newTestServer(t, serverOpts{})
		mock.ExpectIncr(cache.RateLimitKey("public-key")).SetVal(1001)
		mock.ExpectTTL(cache.RateLimitKey("public-key")).SetVal(30 * time.Second)

		w := doRequest(s, http.MethodGet, "/prices/latest?symbols=BTC/USD", "public-key", "")

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		assert.Equal(t, apierr.CodeRateLimited, decodeErrorBody(t, w).Err.Code)
	})

	t.Run("broker outage fails open", func(t *testing.T) {
		s, mock := newTestServer(t, serverOpts{})
		mock.ExpectIncr(cache.RateLimitKey("public-key")).SetErr(assert.AnError)

		w := doRequest(s, http.MethodGet, "/prices/latest?symbols=BTC/USD", "public-key", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestLatestEndpoint(t *testing.T) {
	// Admin keys have limit 0, so no broker traffic occurs.
	s, _ := newTestServer(t, serverOpts{})

	w := doRequest(s, http.MethodGet, "/prices/latest?symbols=BTC/USD,XRP/USD", "admin-key", "")
	require.Equal(t, http.StatusOK, w.Code)

	var result query.LatestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Data, 1)
	assert.Equal(t, "BTC/USD", result.Data[0].Symbol)
	assert.False(t, result.Cached)
}

func TestLatestRequiresSymbols(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	w := doRequest(s, http.MethodGet, "/prices/latest", "admin-key", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierr.CodeValidation, decodeErrorBody(t, w).Err.Code)
}

func TestRangeValidation(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})
	base := "/prices/range?symbol=BTC/USD&from=2026-08-24T00:00:00Z&to=2026-08-24T12:00:00Z"

	t.Run("limit over ceiling", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, base+"&limit=10001", "admin-key", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierr.CodeValidation, decodeErrorBody(t, w).Err.Code)
	})

	t.Run("missing from", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/prices/range?symbol=BTC/USD&to=2026-08-24T12:00:00Z", "admin-key", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("from after to", func(t *testing.T) {
		w := doRequest(s, http.MethodGet,
			"/prices/range?symbol=BTC/USD&from=2026-08-24T12:00:00Z&to=2026-08-24T00:00:00Z", "admin-key", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/prices/range?symbol=BTC/USD&from=yesterday&to=now", "admin-key", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("valid request", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, base, "admin-key", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestConsensusTimestampParam(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	t.Run("timestamp accepted", func(t *testing.T) {
		w := doRequest(s, http.MethodGet,
			"/aggregates/consensus?symbols=BTC/USD&timestamp=2026-08-24T12:00:00Z", "admin-key", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("at alias accepted", func(t *testing.T) {
		w := doRequest(s, http.MethodGet,
			"/aggregates/consensus?symbols=BTC/USD&at=2026-08-24T12:00:00Z", "admin-key", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("bad timestamp rejected", func(t *testing.T) {
		w := doRequest(s, http.MethodGet,
			"/aggregates/consensus?symbols=BTC/USD&timestamp=noon", "admin-key", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeErrorBody(t, w)
		assert.Equal(t, apierr.CodeValidation, body.Err.Code)
		assert.Equal(t, "timestamp", body.Err.Details["field"])
	})
}

func TestInternalKeyCannotReadPrices(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	for _, target := range []string{
		"/prices/latest?symbols=BTC/USD",
		"/prices/range?symbol=BTC/USD&from=2026-08-24T00:00:00Z&to=2026-08-24T12:00:00Z",
		"/aggregates/consensus?symbols=BTC/USD",
	} {
		w := doRequest(s, http.MethodGet, target, "collector-key", "")
		assert.Equal(t, http.StatusForbidden, w.Code, target)
		assert.Equal(t, apierr.CodeForbidden, decodeErrorBody(t, w).Err.Code)
	}
}

func TestIngestEndpoint(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})
	body := `{"worker_id":"w1","timestamp":"2026-08-24T12:00:00Z","feeds":[
		{"symbol":"BTC/USD","price":"67234.56","source":"coinbase","timestamp":"2026-08-24T11:59:59Z"}]}`

	w := doRequest(s, http.MethodPost, "/internal/ingest", "collector-key", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ingest.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 1, resp.Ingested)
}

func TestIngestMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	w := doRequest(s, http.MethodPost, "/internal/ingest", "collector-key", `{broken`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s, _ := newTestServer(t, serverOpts{})

		w := doRequest(s, http.MethodGet, "/health", "", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "healthy", resp.Services["store"])
	})

	t.Run("store down degrades", func(t *testing.T) {
		s, _ := newTestServer(t, serverOpts{storeErr: assert.AnError})

		w := doRequest(s, http.MethodGet, "/health", "", "")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Contains(t, resp.Services["store"], "unhealthy")
		assert.Equal(t, "healthy", resp.Services["broker"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	w := doRequest(s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "feedline_")
}

func TestStreamRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, serverOpts{})

	w := doRequest(s, http.MethodGet, "/stream", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
