package main

import (
	"log/slog"
	"os"

	"roletracker/internal/config"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "roletracker",
	Short: "Track self-service roles and keep the moderation case log in sync",
	Long: `roletracker records a moderation case whenever a tracked role is granted
or revoked, whether through its own API or by staff acting directly on the
chat platform, and keeps per-role grant records pointing at those cases.`,
	SilenceUsage: true,
}

// loadRuntime reads the environment configuration and installs the process
// logger.
func loadRuntime() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
