package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/feedline/feedline/internal/ingest"
	"github.com/feedline/feedline/internal/model"
)

// ErrPoison marks a batch the ingestion endpoint rejected as invalid.
// Retrying cannot help; the batch must be dropped.
var ErrPoison = errors.New("batch rejected by ingestion endpoint")

var retryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Sender delivers batches to the ingestion endpoint with bounded retries, a
// circuit breaker, and request pacing.
type Sender struct {
	url      string
	apiKey   string
	workerID string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewSender wires a sender for one collector process.
func NewSender(url, apiKey, workerID string) *Sender {
	return &Sender{
		url:      url,
		apiKey:   apiKey,
		workerID: workerID,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ingest",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		// Pacing well above any sane flush cadence; guards against a
		// tight requeue loop hammering the endpoint.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		sleep:   sleepCtx,
	}
}

// Send delivers one batch. Transport errors and 5xx responses are retried
// with fixed backoff; a 4xx response returns ErrPoison immediately.
func (s *Sender) Send(ctx context.Context, batch []model.PriceObservation) error {
	body, err := json.Marshal(ingest.Request{
		WorkerID:  s.workerID,
		Timestamp: time.Now().UTC(),
		Feeds:     batch,
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, retryBackoff[attempt-1]); err != nil {
				return err
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.post(ctx, body)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPoison) {
			return ErrPoison
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("batch delivery failed")
	}
	return fmt.Errorf("batch delivery exhausted retries: %w", lastErr)
}

func (s *Sender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrPoison, resp.StatusCode)
	default:
		return fmt.Errorf("ingest endpoint returned %d", resp.StatusCode)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
