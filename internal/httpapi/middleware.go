package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/apierr"
	"github.com/feedline/feedline/internal/auth"
	"github.com/feedline/feedline/internal/cache"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	identityKey  contextKey = "identity"
)

// RequestID returns the request's correlation ID, or "unknown" outside a
// request scope.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// IdentityFrom returns the authenticated identity placed by the auth
// middleware.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// requestIDMiddleware assigns every request a short correlation ID, echoed
// in the X-Request-ID header and every error body.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWrapper captures the status code for logging and metrics.
type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		duration := time.Since(start)
		s.metrics.RequestDuration.
			WithLabelValues(route, strconv.Itoa(wrapped.status)).
			Observe(duration.Seconds())

		log.Info().
			Str("request_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", duration).
			Msg("request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("request_id", RequestID(r.Context())).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeError(w, r, apierr.New(apierr.CodeInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authorize authenticates the request, enforces the tier policy, and counts
// the request against the key's rate-limit window. The X-RateLimit-* headers
// are set on every authenticated response, allowed or not.
func (s *Server) authorize(next http.HandlerFunc, tiers ...auth.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.table.Authenticate(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := auth.RequireTier(identity, tiers...); err != nil {
			writeError(w, r, err)
			return
		}

		decision := s.limiter.Check(r.Context(), identity)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", cache.FormatResetHeader(time.Now(), time.Until(decision.ResetAt)))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+0.5)))
			writeError(w, r, apierr.New(apierr.CodeRateLimited, "rate limit exceeded"))
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}
