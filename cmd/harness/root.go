package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/evolab/harness/internal/config"
	"github.com/evolab/harness/internal/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "Safety harness for a self-evolving program",
	Long: `Harness supervises an automated code-evolution loop: it validates every
candidate rewrite against a deny-list before it touches disk, keeps
timestamped backups with retention, watches host resources, and records
every cycle to a local history database.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the configuration file")
}

// setup loads configuration and builds the audit logger. A missing or
// malformed config file falls back to defaults, so setup only fails when the
// log destination cannot be opened.
func setup() (*config.Store, zerolog.Logger, io.Closer, error) {
	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	store := config.Load(cfgPath, boot)

	log, closer, err := logger.New(logger.ConfigFrom(store))
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	return store, log, closer, nil
}
