package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/apierr"
	"github.com/feedline/feedline/internal/auth"
	"github.com/feedline/feedline/internal/ingest"
	"github.com/feedline/feedline/internal/query"
	"github.com/feedline/feedline/internal/store"
)

// handleIngest accepts one observation batch from an edge collector.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.Validation("body", "malformed JSON"))
		return
	}

	resp, err := s.ingest.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLatest serves GET /prices/latest?symbols=BTC/USD,ETH/USD.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	symbols, err := parseSymbols(r, "symbols")
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.query.Latest(r.Context(), symbols)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRange serves GET /prices/range with optional interval, source and
// limit parameters.
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := strings.TrimSpace(q.Get("symbol"))
	if symbol == "" {
		writeError(w, r, apierr.Validation("symbol", "is required"))
		return
	}

	from, err := parseTime(q.Get("from"), "from", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := parseTime(q.Get("to"), "to", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !from.Before(to) {
		writeError(w, r, apierr.Validation("from", "must be before to"))
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > store.MaxRangeLimit {
			writeError(w, r, apierr.Validation("limit", "must be an integer within 1..10000"))
			return
		}
	}

	result, err := s.query.Range(r.Context(), query.RangeRequest{
		Symbol:   symbol,
		From:     from,
		To:       to,
		Interval: q.Get("interval"),
		Source:   q.Get("source"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleConsensus serves GET /aggregates/consensus?symbols=...&timestamp=...
func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	symbols, err := parseSymbols(r, "symbols")
	if err != nil {
		writeError(w, r, err)
		return
	}

	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		// Legacy alias.
		raw = r.URL.Query().Get("at")
	}
	at, err := parseTime(raw, "timestamp", false)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.query.Consensus(r.Context(), symbols, at)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStream upgrades the connection and hands it to the subscription
// hub. Auth errors are plain HTTP; the capacity limit closes the socket
// after the upgrade with a policy-violation code.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	identity, err := s.table.Authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := auth.RequireTier(identity, auth.TierInternal, auth.TierPublic, auth.TierAdmin); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Sessions outlive the handshake request, so they run on a detached
	// context and are reclaimed by the hub on shutdown.
	session, ok := s.hub.Register(context.Background(), conn, identity)
	if !ok {
		return
	}
	go session.Run(context.Background())
}

// parseSymbols splits a required comma-separated symbol list.
func parseSymbols(r *http.Request, param string) ([]string, error) {
	raw := r.URL.Query().Get(param)
	if strings.TrimSpace(raw) == "" {
		return nil, apierr.Validation(param, "is required")
	}
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			symbols = append(symbols, p)
		}
	}
	if len(symbols) == 0 {
		return nil, apierr.Validation(param, "is required")
	}
	return symbols, nil
}

// parseTime parses an RFC 3339 query parameter. Optional parameters return
// the zero time when absent.
func parseTime(raw, field string, required bool) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		if required {
			return time.Time{}, apierr.Validation(field, "is required")
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apierr.Validation(field, "must be an RFC 3339 timestamp")
	}
	return t, nil
}
