package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"chatpipe/pkg/config"
	"chatpipe/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chatpipe",
	Short: "WhatsApp inbound message pipeline",
	Long: `chatpipe receives WhatsApp webhook deliveries, persists every message,
routes it to an AI provider with fallback, and replies through the Cloud API.

Configuration is read from CHATPIPE_CONFIG, ./config.json, or ./config/config.json.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

// Execute runs the root command. It is called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadRuntime loads config and installs the configured logger as the default.
func loadRuntime(component string, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewWithWriter(cfg.Logging, w)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, slog.Default().With("component", component), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
