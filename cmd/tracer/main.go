package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/query-tracer/internal/pkg/config"
)

var version = "dev"

type rootFlags struct {
	configPath string
	verbose    bool
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "tracer",
		Short:         "Trace the SQL an AI data agent runs against its database",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "path to config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "set debug logging level")

	root.AddCommand(
		newServeCmd(flags),
		newTraceCmd(flags),
		newAgentCmd(flags),
		newRecordCmd(flags),
		newClearCmd(flags),
		newDiagnosticsCmd(flags),
	)
	return root
}

// load reads and validates configuration.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (f *rootFlags) level() slog.Level {
	if f.verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// terminalLogger is used by interactive commands.
func (f *rootFlags) terminalLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      f.level(),
		TimeFormat: time.Kitchen,
	}))
}

// serviceLogger is used by serve.
func (f *rootFlags) serviceLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: f.level(),
	}))
}
