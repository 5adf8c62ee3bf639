package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/auth"
	"github.com/feedline/feedline/internal/config"
	"github.com/feedline/feedline/internal/ingest"
	"github.com/feedline/feedline/internal/metrics"
	"github.com/feedline/feedline/internal/query"
	"github.com/feedline/feedline/internal/subs"
)

// Pinger is a backing service the health endpoint probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API node: REST endpoints, the WebSocket stream, health
// and metrics.
type Server struct {
	router  *mux.Router
	http    *http.Server
	table   *auth.Table
	limiter *auth.Limiter
	query   *query.Service
	ingest  *ingest.Service
	hub     *subs.Hub
	store   Pinger
	broker  Pinger
	metrics *metrics.Registry

	upgrader  websocket.Upgrader
	startedAt time.Time
}

// Deps carries everything the server needs, wired by the serve command.
type Deps struct {
	Table   *auth.Table
	Limiter *auth.Limiter
	Query   *query.Service
	Ingest  *ingest.Service
	Hub     *subs.Hub
	Store   Pinger
	Broker  Pinger
	Metrics *metrics.Registry
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		table:   deps.Table,
		limiter: deps.Limiter,
		query:   deps.Query,
		ingest:  deps.Ingest,
		hub:     deps.Hub,
		store:   deps.Store,
		broker:  deps.Broker,
		metrics: deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	s.routes()

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutS) * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/internal/ingest",
		s.authorize(s.handleIngest, auth.TierInternal, auth.TierAdmin)).Methods(http.MethodPost)

	s.router.HandleFunc("/prices/latest",
		s.authorize(s.handleLatest, auth.TierPublic, auth.TierAdmin)).Methods(http.MethodGet)
	s.router.HandleFunc("/prices/range",
		s.authorize(s.handleRange, auth.TierPublic, auth.TierAdmin)).Methods(http.MethodGet)
	s.router.HandleFunc("/aggregates/consensus",
		s.authorize(s.handleConsensus, auth.TierPublic, auth.TierAdmin)).Methods(http.MethodGet)

	s.router.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("http api listening")
	return s.http.ListenAndServe()
}

// Shutdown stops the listener, then tears down live WebSocket sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.CloseAll(ctx)
	return err
}
