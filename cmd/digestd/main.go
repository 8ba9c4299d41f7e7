package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("digestd", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "digest.yaml", "Path to configuration file")
		showVersion = fs.Bool("version", false, "Print version and exit")
		checkOnly   = fs.Bool("check", false, "Validate configuration, print the effective backends and exit")
		digestUser  = fs.String("digest", "", "Ask a running daemon for this user's digest over the bus, print it and exit")
		timeout     = fs.Duration("timeout", time.Minute, "How long -digest waits for the reply")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(stdout, nil)).Error("failed to load config",
			slog.String("path", *configPath), slog.String("error", err.Error()))
		return 1
	}

	if *checkOnly {
		printSummary(stdout, cfg)
		return 0
	}

	if *digestUser != "" {
		logger := runtime.NewLogger(cfg.Telemetry, os.Stderr)
		if err := requestDigest(context.Background(), cfg.Bus, *digestUser, *timeout, stdout, logger); err != nil {
			fmt.Fprintf(stdout, "digest request failed: %v\n", err)
			return 1
		}
		return 0
	}

	logger := runtime.NewLogger(cfg.Telemetry, stdout).With(
		slog.String("runtime", cfg.RuntimeName),
		slog.String("version", version),
		slog.String("node", cfg.Node.ID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, version, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func printSummary(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "config ok\n")
	fmt.Fprintf(w, "  http      %s:%d\n", cfg.HTTP.Bind, cfg.HTTP.Port)
	fmt.Fprintf(w, "  bus       enabled=%t embedded=%t\n", cfg.Bus.Enabled, cfg.Bus.Embedded)
	fmt.Fprintf(w, "  chat      %s (watch=%t)\n", cfg.Chat.SnapshotPath, cfg.Chat.Watch)
	fmt.Fprintf(w, "  llm       %s\n", cfg.LLM.Mode)
	fmt.Fprintf(w, "  summary   %s\n", cfg.Summary.Mode)
	fmt.Fprintf(w, "  speech    %s voice=%s\n", cfg.Speech.Mode, cfg.Speech.DefaultVoiceID)
	fmt.Fprintf(w, "  playback  %s target=%s\n", cfg.Playback.Handle, cfg.Playback.Target)
	fmt.Fprintf(w, "  history   %s (%s)\n", cfg.EventStore.Path, cfg.EventStore.RetentionMode)
}
