package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/feedline/feedline/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "feedline",
	Short: "Real-time price feed aggregation service",
	Long: `Feedline collects price observations from exchange WebSocket feeds,
persists them to a time-series store, and serves latest, range, and
consensus reads over HTTP and WebSocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, collectCmd, versionCmd)
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
