package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bader1919/smart-home-analytics-ai/internal/deadletter"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/inference"
	"github.com/bader1919/smart-home-analytics-ai/internal/ingest"
	"github.com/bader1919/smart-home-analytics-ai/internal/query"

	"github.com/spf13/cobra"
)

// runCheck validates configuration and reports which services answer.
func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := cfg.ValidateSources(); err != nil {
		fmt.Fprintf(out, "bus: %v\n", err)
	}
	ctx := cmd.Context()
	gs, err := openGraph(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "graph: %v\n", err)
		return err
	}
	defer func() { _ = gs.Close(context.Background()) }()
	fmt.Fprintf(out, "graph: ok (%s)\n", cfg.GraphBackend)

	if m := openMirror(ctx, cfg); m != nil {
		_ = m.Close()
		fmt.Fprintln(out, "timescale: ok")
	}
	for name, err := range probe(ctx, cfg, openNarrator(cfg)) {
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", name)
	}
	return nil
}

func runInfer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	names, _ := cmd.Flags().GetStringSlice("timeframe")
	if len(names) == 0 {
		names = cfg.InferencePeriods
	}
	periods, err := parsePeriods(names)
	if err != nil {
		return err
	}
	persist, _ := cmd.Flags().GetBool("persist")

	ctx := cmd.Context()
	gs, err := openGraph(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = gs.Close(context.Background()) }()

	engine := inference.NewEngine(gs, inferenceParams(cfg))
	opts := inference.SchedulerOptions{Spec: cfg.InferenceSchedule, Periods: periods, Location: cfg.Location()}
	if persist {
		reportCache, closeCache := openCache(ctx, cfg)
		defer closeCache()
		opts.Publisher = query.New(gs, engine, reportCache, query.Options{TTL: cfg.ReportTTL})
		opts.Edges = gs
	}
	sched, err := inference.NewScheduler(engine, opts)
	if err != nil {
		return err
	}
	reports, err := sched.RunOnce(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, rep := range reports {
		if encErr := enc.Encode(inference.Summarize(rep)); encErr != nil {
			return encErr
		}
	}
	return err
}

func runDeadLetterList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	q, err := deadletter.Open(deadletter.Options{Dir: cfg.DeadLetterDir})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	entries, err := q.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func runDeadLetterReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	q, err := deadletter.Open(deadletter.Options{Dir: cfg.DeadLetterDir})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	gs, err := openGraph(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = gs.Close(context.Background()) }()

	writerOpts := graph.WriterOptions{}
	if m := openMirror(ctx, cfg); m != nil {
		defer func() { _ = m.Close() }()
		writerOpts.Mirror = m
	}
	ing := &ingest.Ingestor{Writer: graph.NewWriter(gs, writerOpts), StatePrefix: cfg.MQTTStatePrefix}
	n, err := q.Replay(ctx, ing.Replay)
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d dead letters\n", n)
	return err
}
