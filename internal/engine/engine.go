// Package engine is the real-time orchestrator: it selects the monitored
// universe, routes the WebSocket trade stream through the detectors, and
// drives alert delivery plus the periodic maintenance tickers.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polymarket-sentry/internal/alert"
	"polymarket-sentry/internal/config"
	"polymarket-sentry/internal/detect"
	"polymarket-sentry/internal/exchange"
	"polymarket-sentry/internal/record"
	"polymarket-sentry/internal/stats"
	"polymarket-sentry/internal/universe"
	"polymarket-sentry/pkg/types"
)

const (
	cleanupInterval  = time.Hour
	statsLogInterval = 5 * time.Minute
	refreshInterval  = 30 * time.Minute
)

// Engine owns the trade path. One receive goroutine consumes the feed, so the
// detectors and rolling stats never see concurrent trades for processing;
// the monitored-universe map has its own lock for the refresh ticker and the
// health endpoint.
type Engine struct {
	cfg      *config.Config
	client   *exchange.Client
	feed     *exchange.TradeFeed
	trades   *stats.TradeStore
	baseline *stats.Baseline
	detector *detect.Engine
	alerts   *alert.Manager
	store    *alert.Store
	recorder *record.Recorder
	logger   *slog.Logger

	mu            sync.RWMutex
	monitored     map[string]types.MarketInfo // market id -> metadata
	tokenToMarket map[string]string           // token id -> market id

	tradesSeen atomic.Int64
	startedAt  time.Time
}

// New wires the orchestrator. The recorder may be nil to disable trade
// recording.
func New(
	cfg *config.Config,
	client *exchange.Client,
	trades *stats.TradeStore,
	baseline *stats.Baseline,
	detector *detect.Engine,
	alerts *alert.Manager,
	store *alert.Store,
	recorder *record.Recorder,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:           cfg,
		client:        client,
		trades:        trades,
		baseline:      baseline,
		detector:      detector,
		alerts:        alerts,
		store:         store,
		recorder:      recorder,
		logger:        logger.With("component", "engine"),
		monitored:     make(map[string]types.MarketInfo),
		tokenToMarket: make(map[string]string),
	}
	e.feed = exchange.NewTradeFeed(cfg.API.WSMarketURL, e.resolveToken, logger)
	return e
}

// Run selects the initial universe, starts the feed, and blocks consuming
// trades until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()

	if err := e.refreshMarkets(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := e.feed.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("trade feed stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		e.maintenanceLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			e.feed.Close()
			wg.Wait()
			return ctx.Err()
		case trade := <-e.feed.Trades():
			e.onTrade(ctx, trade)
		}
	}
}

// resolveToken maps a WS asset id to its market, for the feed's trade parser.
func (e *Engine) resolveToken(tokenID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.tokenToMarket[tokenID]
	return id, ok
}

// onTrade is the per-trade hot path: record, detect, alert. The baseline for
// a market advances only on trades that raised no anomaly at all, so
// anomalous flow never inflates its own yardstick; the minimum-severity
// floor is applied afterward, at the alert boundary, and never re-admits a
// sub-floor trade into the baseline.
func (e *Engine) onTrade(ctx context.Context, trade types.Trade) {
	e.tradesSeen.Add(1)

	e.mu.RLock()
	market, ok := e.monitored[trade.MarketID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	e.trades.Add(trade)

	if e.recorder != nil {
		if err := e.recorder.Record(trade); err != nil {
			e.logger.Warn("trade recording failed", "error", err)
		}
	}

	anomalies := e.detector.Detect(trade, market)
	if len(anomalies) == 0 {
		e.baseline.Update(trade.MarketID, e.trades.AllTrades(trade.MarketID))
		return
	}

	for _, a := range anomalies {
		if !a.Severity.AtLeast(e.cfg.Alerts.MinSeverity) {
			continue
		}
		sent, err := e.alerts.Send(ctx, a, market)
		if err != nil {
			e.logger.Error("alert delivery failed",
				"market", a.MarketID,
				"type", a.Type,
				"error", err,
			)
			continue
		}
		if sent {
			e.logger.Info("alert sent",
				"market", a.MarketID,
				"type", a.Type,
				"severity", a.Severity,
			)
		}
	}
}

func (e *Engine) maintenanceLoop(ctx context.Context) {
	cleanup := time.NewTicker(cleanupInterval)
	statsLog := time.NewTicker(statsLogInterval)
	refresh := time.NewTicker(refreshInterval)
	publish := time.NewTicker(e.cfg.Alerts.PublishInterval)
	defer cleanup.Stop()
	defer statsLog.Stop()
	defer refresh.Stop()
	defer publish.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			e.trades.Cleanup()
		case <-statsLog.C:
			e.logStats()
		case <-refresh.C:
			if err := e.refreshMarkets(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("market refresh failed", "error", err)
			}
		case <-publish.C:
			if err := e.store.Publish(); err != nil {
				e.logger.Warn("alert snapshot publish failed", "error", err)
			}
		}
	}
}

func (e *Engine) logStats() {
	e.mu.RLock()
	markets := len(e.monitored)
	e.mu.RUnlock()

	e.logger.Info("engine stats",
		"markets", markets,
		"trades_seen", e.tradesSeen.Load(),
		"alerts_this_hour", e.alerts.SentThisHour(),
		"ws_connected", e.feed.Connected(),
		"ws_schema_errors", e.feed.SchemaErrors(),
	)
}

// refreshMarkets rebuilds the monitored universe from the Gamma API and
// subscribes tokens that are new since the last refresh. Markets that fell
// out of the universe stay routed until restart; their flow simply stops.
func (e *Engine) refreshMarkets(ctx context.Context) error {
	events, err := e.client.FetchActiveEvents(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var newTokens []string
	added := 0

	e.mu.Lock()
	for _, evt := range events {
		tags := make([]string, 0, len(evt.Tags))
		for _, t := range evt.Tags {
			tags = append(tags, t.Label)
		}
		for _, gm := range evt.Markets {
			info, ok := exchange.ConvertMarket(gm, tags)
			if !ok || info.Closed {
				continue
			}

			verdict := universe.Classify(info.Question, info.Description, info.Tags, info.EndDate, info.Volume24h, now)
			if !verdict.InUniverse {
				continue
			}
			info.Priority = verdict.Priority

			if _, known := e.monitored[info.ID]; !known {
				added++
				newTokens = append(newTokens, info.YesTokenID, info.NoTokenID)
				e.tokenToMarket[info.YesTokenID] = info.ID
				e.tokenToMarket[info.NoTokenID] = info.ID
			}
			e.monitored[info.ID] = info
		}
	}
	total := len(e.monitored)
	e.mu.Unlock()

	if len(newTokens) > 0 {
		if err := e.feed.Subscribe(newTokens); err != nil {
			return err
		}
	}

	e.logger.Info("universe refreshed",
		"monitored", total,
		"added", added,
	)
	return nil
}

// Snapshot is the engine's health view for the HTTP API.
type Snapshot struct {
	UptimeMs       int64 `json:"uptimeMs"`
	Markets        int   `json:"markets"`
	TradesSeen     int64 `json:"tradesSeen"`
	AlertsThisHour int   `json:"alertsThisHour"`
	WSConnected    bool  `json:"wsConnected"`
	WSSchemaErrors int64 `json:"wsSchemaErrors"`
}

// Health returns the current counters.
func (e *Engine) Health() Snapshot {
	e.mu.RLock()
	markets := len(e.monitored)
	e.mu.RUnlock()

	return Snapshot{
		UptimeMs:       time.Since(e.startedAt).Milliseconds(),
		Markets:        markets,
		TradesSeen:     e.tradesSeen.Load(),
		AlertsThisHour: e.alerts.SentThisHour(),
		WSConnected:    e.feed.Connected(),
		WSSchemaErrors: e.feed.SchemaErrors(),
	}
}
