package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/feedline/feedline/internal/auth"
	"github.com/feedline/feedline/internal/cache"
	"github.com/feedline/feedline/internal/config"
	"github.com/feedline/feedline/internal/httpapi"
	"github.com/feedline/feedline/internal/ingest"
	"github.com/feedline/feedline/internal/metrics"
	"github.com/feedline/feedline/internal/query"
	"github.com/feedline/feedline/internal/store"
	"github.com/feedline/feedline/internal/subs"
)

var initSchema bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API node: ingestion, queries, and subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&initSchema, "init-schema", false, "apply the store schema before starting")
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		URL:        cfg.Store.URL,
		PoolSize:   cfg.Store.PoolSize,
		Timeout:    cfg.Store.Timeout(),
		InitSchema: initSchema,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	ca, err := cache.New(ctx, cache.Config{
		URL:       cfg.Broker.URL,
		LatestTTL: cfg.Broker.LatestTTL(),
		Timeout:   cfg.Broker.Timeout(),
	})
	if err != nil {
		return err
	}
	defer ca.Close()

	m := metrics.NewRegistry()
	table := auth.NewTable(cfg.Identities, cfg.RateLimit)
	limiter := auth.NewLimiter(ca, m)
	hub := subs.NewHub(ca, m, cfg.WS)

	server := httpapi.NewServer(cfg.HTTP, httpapi.Deps{
		Table:   table,
		Limiter: limiter,
		Query:   query.NewService(st, ca, m),
		Ingest:  ingest.NewService(st, ca, m),
		Hub:     hub,
		Store:   st,
		Broker:  ca,
		Metrics: m,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
