package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/feedline/feedline/internal/collector"
	"github.com/feedline/feedline/internal/exchange"
	"github.com/feedline/feedline/internal/metrics"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run an edge collector for one exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateCollector(); err != nil {
			return err
		}

		adapter, err := exchange.New(cfg.Collector.Exchange, cfg.Collector.Symbols, cfg.Aliases)
		if err != nil {
			return err
		}

		m := metrics.NewRegistry()
		batcher := collector.NewBatcher(cfg.Collector.BatchMaxSize, cfg.Collector.BatchMaxAge(), m)
		sender := collector.NewSender(cfg.Collector.IngestURL, cfg.Collector.APIKey, cfg.Collector.WorkerID)
		c := collector.New(cfg.Collector, adapter, batcher, sender, m)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("exchange", cfg.Collector.Exchange).
			Strs("symbols", cfg.Collector.Symbols).
			Msg("collector starting")
		if err := c.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}
