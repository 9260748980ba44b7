package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "analytics-service",
		Short: "Smart-home event ingestion and graph pattern inference",
		Long: `analytics-service consumes Home Assistant state changes from Kafka and MQTT,
stores them in a temporal property graph and infers co-activations, routines,
energy waste and anomalies, served over HTTP, WebSocket and MCP.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "analytics-service v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Consume the bus, run scheduled inference and serve the query API",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate configuration and probe external services",
		RunE:  runCheck,
	})

	inferCmd := &cobra.Command{
		Use:   "infer",
		Short: "Run inference once and print report summaries",
		RunE:  runInfer,
	}
	inferCmd.Flags().StringSlice("timeframe", nil, `Timeframes to analyze (default: INFERENCE_PERIODS), e.g. "last 7 days"`)
	inferCmd.Flags().Bool("persist", false, "Store inferred AFFECTS_ENERGY edges and publish reports to the cache")
	rootCmd.AddCommand(inferCmd)

	dlqCmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay records that could not be persisted",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print queued dead letters, oldest first",
		RunE:  runDeadLetterList,
	}
	listCmd.Flags().Int("limit", 100, "Maximum entries to print")
	dlqCmd.AddCommand(listCmd)
	dlqCmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Re-ingest queued dead letters into the graph",
		RunE:  runDeadLetterReplay,
	})
	rootCmd.AddCommand(dlqCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
