// sentry watches Polymarket for informed-money anomalies and leader-follower
// resolution edges. One process runs the trade-stream detectors, the
// scheduled discovery scans, the leader monitor, and the read-only HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"polymarket-sentry/internal/alert"
	"polymarket-sentry/internal/api"
	"polymarket-sentry/internal/config"
	"polymarket-sentry/internal/detect"
	"polymarket-sentry/internal/discovery"
	"polymarket-sentry/internal/engine"
	"polymarket-sentry/internal/exchange"
	"polymarket-sentry/internal/monitor"
	"polymarket-sentry/internal/notify"
	"polymarket-sentry/internal/record"
	"polymarket-sentry/internal/state"
	"polymarket-sentry/internal/stats"
	"polymarket-sentry/pkg/types"
)

// clusterSeed fixes the k-means partition so repeated scans over the same
// market set produce the same clusters.
const clusterSeed = 42

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to YAML config")
	minTrade := flag.Float64("min-trade", 0, "override detector.large_trade_min (USD)")
	minSeverity := flag.String("min-severity", "", "override alerts.min_severity (LOW|MEDIUM|HIGH|CRITICAL)")
	flag.Parse()

	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *minTrade > 0 {
		cfg.Detector.LargeTradeMin = *minTrade
	}
	if *minSeverity != "" {
		cfg.Alerts.MinSeverity = types.ParseSeverity(*minSeverity)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("sentry exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("sentry stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := exchange.NewClient(cfg.API, logger)

	trades := stats.NewTradeStore(cfg.Detector.BaselineWindow)
	baseline := stats.NewBaseline(cfg.Detector.BaselineWindow, cfg.Detector.MinSamplesForBaseline)
	percentile := stats.NewPercentileTracker(
		cfg.Detector.LowPriceThreshold,
		cfg.Detector.PercentileMaxSamples,
		cfg.Detector.PercentileMinSamples,
		cfg.Detector.PercentileP90,
		cfg.Detector.PercentileP95,
		cfg.Detector.PercentileP99,
	)
	detector := detect.New(cfg.Detector, trades, baseline, percentile)

	store, err := alert.OpenStore(cfg.Alerts.SnapshotPath, cfg.Alerts.MaxStored)
	if err != nil {
		return fmt.Errorf("open alert store: %w", err)
	}

	notifier := buildNotifier(cfg.Notifier, logger)
	alerts := alert.NewManager(cfg.Alerts.Cooldown, cfg.Alerts.MaxPerHour, notifier, store, logger)

	var recorder *record.Recorder
	if cfg.Store.RecorderFile != "" {
		if recorder, err = record.Open(cfg.Store.RecorderFile); err != nil {
			logger.Warn("trade recorder disabled", "error", err)
			recorder = nil
		}
	}

	eng := engine.New(cfg, client, trades, baseline, detector, alerts, store, recorder, logger)

	st, err := state.Load(cfg.Store.StateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	mon := monitor.New(client, st, notifier, cfg.Monitor, logger)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(every(cfg.Monitor.CheckInterval), func() {
		if _, err := mon.Check(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("monitor pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}

	if cfg.LLM.APIKey != "" {
		llm := discovery.NewOpenAIClient(cfg.LLM)
		pipeline := discovery.NewPipeline(
			client, llm, llm, st, notifier,
			cfg.Discovery, cfg.Store.RelationsFile, clusterSeed, logger,
		)
		runScan := func() {
			if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("discovery scan failed", "error", err)
			}
		}
		if _, err := scheduler.AddFunc(every(cfg.Discovery.RescanInterval), runScan); err != nil {
			return fmt.Errorf("schedule discovery: %w", err)
		}
		go runScan()
	} else {
		logger.Warn("no LLM api key configured, discovery disabled")
	}
	scheduler.Start()

	var server *api.Server
	if cfg.Health.Enabled {
		server = api.New(cfg.Health.Port, eng, store, st, logger)
		go server.Start()
	}

	runErr := eng.Run(ctx)

	// Orderly shutdown: stop schedules, drain HTTP, flush everything durable.
	cronCtx := scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(10 * time.Second):
		logger.Warn("scheduled jobs did not finish before deadline")
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
		cancel()
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			logger.Warn("recorder close failed", "error", err)
		}
	}
	if err := store.Publish(); err != nil {
		logger.Warn("final alert snapshot failed", "error", err)
	}
	if err := st.Save(); err != nil {
		logger.Warn("final state save failed", "error", err)
	}

	return runErr
}

// buildNotifier prefers Telegram and degrades to stdout logging when the
// token is absent or rejected. Alerting must never be the reason the engine
// cannot start.
func buildNotifier(cfg config.NotifierConfig, logger *slog.Logger) notify.Notifier {
	if cfg.TelegramToken == "" {
		logger.Warn("no telegram token configured, alerts go to stdout")
		return notify.NewStdout(logger)
	}
	tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
	if err != nil {
		logger.Warn("telegram init failed, alerts go to stdout", "error", err)
		return notify.NewStdout(logger)
	}
	return tg
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
