// Package detect runs the four anomaly detectors over each incoming trade.
//
// Detection order is fixed: UNUSUAL_LOW_PRICE_BUY, LARGE_TRADE, VOLUME_SPIKE,
// RAPID_PRICE_MOVE. Each detector is a pure function over the trade plus the
// rolling state in internal/stats. Detect reports every hit regardless of
// severity; the minimum-severity floor is an alerting concern, applied by the
// orchestrator, so baseline gating still sees sub-floor detections.
package detect

import (
	"time"

	"polymarket-sentry/internal/config"
	"polymarket-sentry/internal/stats"
	"polymarket-sentry/pkg/types"
)

// detector is one anomaly check. Detectors may return nil.
type detector func(e *Engine, trade types.Trade, market types.MarketInfo) *types.Anomaly

// detectors fixes the evaluation order as a static table.
var detectors = []detector{
	(*Engine).detectUnusualLowPriceBuy,
	(*Engine).detectLargeTrade,
	(*Engine).detectVolumeSpike,
	(*Engine).detectRapidPriceMove,
}

// Engine evaluates trades against the per-market rolling state.
type Engine struct {
	cfg        config.DetectorConfig
	trades     *stats.TradeStore
	baseline   *stats.Baseline
	percentile *stats.PercentileTracker
}

// New creates an anomaly engine over shared rolling state.
func New(cfg config.DetectorConfig, trades *stats.TradeStore, baseline *stats.Baseline, percentile *stats.PercentileTracker) *Engine {
	return &Engine{
		cfg:        cfg,
		trades:     trades,
		baseline:   baseline,
		percentile: percentile,
	}
}

// Detect runs all detectors in their fixed order and returns every anomaly
// they raise, ungraded by any alert floor. The percentile tracker is always
// updated, even when nothing fires, so later trades build on full history.
func (e *Engine) Detect(trade types.Trade, market types.MarketInfo) []types.Anomaly {
	var out []types.Anomaly
	for _, d := range detectors {
		a := d(e, trade, market)
		if a == nil {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// detectUnusualLowPriceBuy updates the percentile tracker with every trade,
// then asks whether this one ranks high enough among prior low-price BUYs.
func (e *Engine) detectUnusualLowPriceBuy(trade types.Trade, market types.MarketInfo) *types.Anomaly {
	e.percentile.AddTrade(trade.MarketID, trade.SizeUSD, trade.Price, trade.Side, trade.Timestamp)

	res := e.percentile.ShouldAlert(trade.MarketID, trade.SizeUSD, trade.Price, trade.Side)
	if res == nil {
		return nil
	}

	t := trade
	return &types.Anomaly{
		Type:         types.AnomalyUnusualLowPriceBuy,
		MarketID:     trade.MarketID,
		Question:     market.Question,
		Severity:     res.Severity,
		Timestamp:    trade.Timestamp,
		CurrentPrice: trade.Price,
		Direction:    types.DirectionYes,
		Trade:        &t,
		Details: types.AnomalyDetails{
			TradeSizeUSD:  trade.SizeUSD,
			Percentile:    res.Percentile,
			Rank:          res.Rank,
			TotalSamples:  res.TotalSamples,
			MedianSizeUSD: res.MedianSizeUSD,
		},
	}
}

// detectLargeTrade fires on absolute USD size, with the z-score against the
// baseline tightening severity when available.
func (e *Engine) detectLargeTrade(trade types.Trade, market types.MarketInfo) *types.Anomaly {
	if trade.SizeUSD < e.cfg.LargeTradeMin {
		return nil
	}

	z := e.baseline.TradeSizeZ(trade.MarketID, trade.SizeUSD)

	var severity types.Severity
	switch {
	case trade.SizeUSD >= e.cfg.LargeTradeCritical:
		severity = types.SeverityCritical
	case trade.SizeUSD >= e.cfg.LargeTradeHigh:
		severity = types.SeverityHigh
	case z != nil && *z >= e.cfg.ZScoreHigh:
		severity = types.SeverityHigh
	default:
		severity = types.SeverityMedium
	}

	direction := types.DirectionYes
	if trade.Side == types.SELL {
		direction = types.DirectionNo
	}

	t := trade
	return &types.Anomaly{
		Type:         types.AnomalyLargeTrade,
		MarketID:     trade.MarketID,
		Question:     market.Question,
		Severity:     severity,
		Timestamp:    trade.Timestamp,
		CurrentPrice: trade.Price,
		Direction:    direction,
		Trade:        &t,
		Details: types.AnomalyDetails{
			TradeSizeUSD: trade.SizeUSD,
			ZScore:       z,
		},
	}
}

// detectVolumeSpike compares the short-window volume against the baseline's
// expectation. Requires a ready baseline; emits only above the low multiple.
func (e *Engine) detectVolumeSpike(trade types.Trade, market types.MarketInfo) *types.Anomaly {
	if !e.baseline.Ready(trade.MarketID) {
		return nil
	}

	window := e.cfg.VolumeSpikeWindow
	observed := e.trades.VolumeInWindow(trade.MarketID, window)

	multiple := e.baseline.VolumeMultiple(trade.MarketID, observed, window)
	if multiple == nil || *multiple < e.cfg.VolumeSpikeLow {
		return nil
	}
	z := e.baseline.VolumeZ(trade.MarketID, observed, window)
	expected := e.baseline.ExpectedVolume(trade.MarketID, window)

	var severity types.Severity
	switch {
	case *multiple >= e.cfg.VolumeSpikeCritical:
		severity = types.SeverityCritical
	case *multiple >= e.cfg.VolumeSpikeHigh:
		severity = types.SeverityHigh
	case z != nil && *z >= e.cfg.ZScoreHigh:
		severity = types.SeverityHigh
	default:
		severity = types.SeverityMedium
	}

	t := trade
	a := &types.Anomaly{
		Type:         types.AnomalyVolumeSpike,
		MarketID:     trade.MarketID,
		Question:     market.Question,
		Severity:     severity,
		Timestamp:    trade.Timestamp,
		CurrentPrice: trade.Price,
		Direction:    e.windowFlowDirection(trade.MarketID, window),
		Trade:        &t,
		Details: types.AnomalyDetails{
			WindowVolume:   observed,
			VolumeMultiple: *multiple,
			ZScore:         z,
		},
	}
	if expected != nil {
		a.Details.ExpectedVolume = *expected
	}
	return a
}

// windowFlowDirection infers the implied direction from net BUY-SELL notional
// in the window: YES when buys dominate 1.5x, NO when sells do.
func (e *Engine) windowFlowDirection(marketID string, window time.Duration) types.Direction {
	var buy, sell float64
	for _, t := range e.trades.RecentTrades(marketID, window) {
		if t.Side == types.BUY {
			buy += t.SizeUSD
		} else {
			sell += t.SizeUSD
		}
	}
	switch {
	case buy > 1.5*sell:
		return types.DirectionYes
	case sell > 1.5*buy:
		return types.DirectionNo
	default:
		return types.DirectionUnknown
	}
}

// detectRapidPriceMove fires when the windowed price change exceeds the low
// threshold, graded by the same ladder shape as the other detectors.
func (e *Engine) detectRapidPriceMove(trade types.Trade, market types.MarketInfo) *types.Anomaly {
	pc := e.trades.PriceChangeInWindow(trade.MarketID, e.cfg.PriceWindow)
	if pc == nil {
		return nil
	}

	absPct := pc.DeltaPercent
	if absPct < 0 {
		absPct = -absPct
	}
	if absPct < e.cfg.PriceChangeLow {
		return nil
	}

	z := e.baseline.PriceChangeZ(trade.MarketID, pc.Delta)

	var severity types.Severity
	switch {
	case absPct >= e.cfg.PriceChangeCritical:
		severity = types.SeverityCritical
	case absPct >= e.cfg.PriceChangeHigh:
		severity = types.SeverityHigh
	case z != nil && *z >= e.cfg.ZScoreHigh:
		severity = types.SeverityHigh
	default:
		severity = types.SeverityMedium
	}

	priceDirection := "UP"
	direction := types.DirectionYes
	if pc.Delta < 0 {
		priceDirection = "DOWN"
		direction = types.DirectionNo
	}

	t := trade
	return &types.Anomaly{
		Type:         types.AnomalyRapidPriceMove,
		MarketID:     trade.MarketID,
		Question:     market.Question,
		Severity:     severity,
		Timestamp:    trade.Timestamp,
		CurrentPrice: trade.Price,
		Direction:    direction,
		Trade:        &t,
		Details: types.AnomalyDetails{
			PriceChange:    pc.Delta,
			PriceChangePct: pc.DeltaPercent,
			PriceDirection: priceDirection,
			ZScore:         z,
		},
	}
}
