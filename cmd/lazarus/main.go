package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kalambet/lazarus/internal/config"
	"github.com/kalambet/lazarus/internal/metrics"
)

var version = "dev"

var (
	noColor      = !isatty.IsTerminal(os.Stderr.Fd())
	traceEnabled bool
)

var rootCmd = &cobra.Command{
	Use:           "lazarus",
	Short:         "Repair Python packages for new interpreter releases",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", noColor, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&traceEnabled, "trace", false, "write pipeline spans to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// startTracing installs the stdout span exporter when --trace is set. The
// returned func flushes it.
func startTracing() (func(), error) {
	if !traceEnabled {
		return func() {}, nil
	}
	shutdown, err := metrics.InitTracing(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}, nil
}
