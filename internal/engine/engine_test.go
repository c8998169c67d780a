package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"polymarket-sentry/internal/alert"
	"polymarket-sentry/internal/config"
	"polymarket-sentry/internal/detect"
	"polymarket-sentry/internal/stats"
	"polymarket-sentry/pkg/types"
)

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Send(_ context.Context, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

const engineTestMarket = "mkt-1"

func newTestEngine(t *testing.T, minSeverity types.Severity) (*Engine, *fakeNotifier) {
	t.Helper()

	cfg := &config.Config{
		Detector: config.DetectorConfig{
			LargeTradeMin:      5000,
			LargeTradeHigh:     10000,
			LargeTradeCritical: 25000,

			VolumeSpikeWindow:   5 * time.Minute,
			VolumeSpikeLow:      5,
			VolumeSpikeHigh:     10,
			VolumeSpikeCritical: 20,

			PriceWindow:         5 * time.Minute,
			PriceChangeLow:      0.05,
			PriceChangeHigh:     0.10,
			PriceChangeCritical: 0.20,

			ZScoreHigh: 3,

			BaselineWindow:        24 * time.Hour,
			MinSamplesForBaseline: 100,

			LowPriceThreshold:    0.25,
			PercentileP90:        0.90,
			PercentileP95:        0.95,
			PercentileP99:        0.99,
			PercentileMaxSamples: 10_000,
			PercentileMinSamples: 50,
		},
		Alerts: config.AlertConfig{
			MinSeverity: minSeverity,
			Cooldown:    time.Minute,
			MaxPerHour:  10,
		},
	}

	trades := stats.NewTradeStore(cfg.Detector.BaselineWindow)
	baseline := stats.NewBaseline(cfg.Detector.BaselineWindow, cfg.Detector.MinSamplesForBaseline)
	percentile := stats.NewPercentileTracker(
		cfg.Detector.LowPriceThreshold,
		cfg.Detector.PercentileMaxSamples, cfg.Detector.PercentileMinSamples,
		cfg.Detector.PercentileP90, cfg.Detector.PercentileP95, cfg.Detector.PercentileP99,
	)
	detector := detect.New(cfg.Detector, trades, baseline, percentile)

	store, err := alert.OpenStore(filepath.Join(t.TempDir(), "alerts.json"), 100)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	n := &fakeNotifier{}
	alerts := alert.NewManager(cfg.Alerts.Cooldown, cfg.Alerts.MaxPerHour, n, store, slog.Default())

	eng := New(cfg, nil, trades, baseline, detector, alerts, store, nil, slog.Default())
	eng.monitored[engineTestMarket] = types.MarketInfo{
		ID:       engineTestMarket,
		Question: "Will the chair resign by March 31?",
	}
	return eng, n
}

func engineTestTrade(sizeUSD float64) types.Trade {
	return types.Trade{
		MarketID:  engineTestMarket,
		Price:     0.60,
		SizeUSD:   sizeUSD,
		Side:      types.BUY,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestSubFloorAnomalyNeitherAlertsNorFeedsBaseline(t *testing.T) {
	// Floor at HIGH: a $6000 BUY is a MEDIUM large trade, below the floor.
	eng, n := newTestEngine(t, types.SeverityHigh)

	eng.onTrade(context.Background(), engineTestTrade(6000))

	if len(n.sent) != 0 {
		t.Errorf("delivered %d alerts, want 0 below the floor", len(n.sent))
	}
	if eng.store.Total() != 0 {
		t.Errorf("stored %d alerts, want 0", eng.store.Total())
	}
	// The trade was still anomalous, so it must not advance the baseline.
	if eng.baseline.Get(engineTestMarket) != nil {
		t.Error("anomalous trade advanced the baseline")
	}
}

func TestQuietTradeAdvancesBaseline(t *testing.T) {
	eng, n := newTestEngine(t, types.SeverityHigh)

	eng.onTrade(context.Background(), engineTestTrade(100))

	bl := eng.baseline.Get(engineTestMarket)
	if bl == nil {
		t.Fatal("non-anomalous trade did not advance the baseline")
	}
	if bl.SampleCount != 1 {
		t.Errorf("baseline samples = %d, want 1", bl.SampleCount)
	}
	if len(n.sent) != 0 {
		t.Errorf("delivered %d alerts for a quiet trade", len(n.sent))
	}
}

func TestAboveFloorAnomalyAlerts(t *testing.T) {
	eng, n := newTestEngine(t, types.SeverityHigh)

	eng.onTrade(context.Background(), engineTestTrade(12000)) // HIGH large trade

	if len(n.sent) != 1 {
		t.Fatalf("delivered %d alerts, want 1", len(n.sent))
	}
	if eng.store.Total() != 1 {
		t.Errorf("stored %d alerts, want 1", eng.store.Total())
	}
	if eng.baseline.Get(engineTestMarket) != nil {
		t.Error("anomalous trade advanced the baseline")
	}
}

func TestUnknownMarketIsDropped(t *testing.T) {
	eng, n := newTestEngine(t, types.SeverityLow)

	tr := engineTestTrade(12000)
	tr.MarketID = "never-subscribed"
	eng.onTrade(context.Background(), tr)

	if len(n.sent) != 0 || eng.tradesSeen.Load() != 1 {
		t.Errorf("unroutable trade: sent=%d seen=%d, want 0 and 1", len(n.sent), eng.tradesSeen.Load())
	}
}
