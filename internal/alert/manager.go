package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"polymarket-sentry/internal/notify"
	"polymarket-sentry/pkg/types"
)

// Manager deduplicates, rate-limits, formats, and delivers anomalies.
//
// Dedup key is marketId:type with a per-key cooldown. A global hourly counter
// caps outbound volume; it resets when more than an hour has passed since the
// last reset. Dedup timestamps advance only after a successful delivery, so a
// failed send can be retried by the next qualifying anomaly.
type Manager struct {
	cooldown   time.Duration
	maxPerHour int

	notifier notify.Notifier
	store    *Store
	logger   *slog.Logger

	mu          sync.Mutex
	lastSent    map[string]time.Time // marketId:type -> last delivery
	hourCount   int
	lastResetAt time.Time
}

// NewManager wires the pacing rules around a notifier and the alert store.
func NewManager(cooldown time.Duration, maxPerHour int, notifier notify.Notifier, store *Store, logger *slog.Logger) *Manager {
	return &Manager{
		cooldown:    cooldown,
		maxPerHour:  maxPerHour,
		notifier:    notifier,
		store:       store,
		logger:      logger.With("component", "alerts"),
		lastSent:    make(map[string]time.Time),
		lastResetAt: time.Now(),
	}
}

// Send delivers one anomaly. Returns (true, nil) when the alert was accepted
// into the store, (false, nil) when suppressed by cooldown or the hourly cap,
// and (false, err) when delivery failed.
func (m *Manager) Send(ctx context.Context, a types.Anomaly, market types.MarketInfo) (bool, error) {
	key := fmt.Sprintf("%s:%s", a.MarketID, a.Type)
	now := time.Now()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		return false, nil
	}
	if now.Sub(m.lastResetAt) > time.Hour {
		m.hourCount = 0
		m.lastResetAt = now
	}
	if m.hourCount >= m.maxPerHour {
		m.mu.Unlock()
		m.logger.Warn("alert suppressed by hourly cap", "key", key, "cap", m.maxPerHour)
		return false, nil
	}
	m.hourCount++
	m.mu.Unlock()

	msg := Format(a, market)

	if err := m.notifier.Send(ctx, msg); err != nil {
		// Roll the slot back so the failure doesn't consume budget, and
		// leave the dedup timestamp untouched. The hourly reset may have
		// landed while the delivery was in flight, so clamp at zero.
		m.mu.Lock()
		if m.hourCount > 0 {
			m.hourCount--
		}
		m.mu.Unlock()
		return false, fmt.Errorf("deliver alert %s: %w", key, err)
	}

	m.mu.Lock()
	m.lastSent[key] = now
	m.mu.Unlock()

	if err := m.store.Add(a, msg); err != nil {
		m.logger.Error("failed to persist alert", "key", key, "error", err)
	}
	return true, nil
}

// SentThisHour reports the current hourly counter for the health endpoint.
func (m *Manager) SentThisHour() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastResetAt) > time.Hour {
		return 0
	}
	return m.hourCount
}

// Format renders the alert message for one anomaly. It never fails: missing
// fields render as '?' or 0.
func Format(a types.Anomaly, market types.MarketInfo) string {
	question := a.Question
	if question == "" {
		question = market.Question
	}
	if question == "" {
		question = "?"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", a.Severity, anomalyTitle(a.Type))
	fmt.Fprintf(&b, "%s\n", question)

	switch a.Type {
	case types.AnomalyLargeTrade:
		fmt.Fprintf(&b, "Size: $%.0f (%s @ %.3f)", a.Details.TradeSizeUSD, sideOrUnknown(a.Trade), a.CurrentPrice)
		if a.Details.ZScore != nil {
			fmt.Fprintf(&b, " | z=%.1f", *a.Details.ZScore)
		}
	case types.AnomalyVolumeSpike:
		fmt.Fprintf(&b, "Volume: $%.0f (%.1fx expected $%.0f)",
			a.Details.WindowVolume, a.Details.VolumeMultiple, a.Details.ExpectedVolume)
	case types.AnomalyRapidPriceMove:
		fmt.Fprintf(&b, "Price moved %+.3f (%+.1f%%) to %.3f [%s]",
			a.Details.PriceChange, a.Details.PriceChangePct*100, a.CurrentPrice, orQ(a.Details.PriceDirection))
	case types.AnomalyUnusualLowPriceBuy:
		fmt.Fprintf(&b, "Low-price BUY $%.0f @ %.3f, p%.1f (rank %d of %d, median $%.0f)",
			a.Details.TradeSizeUSD, a.CurrentPrice, a.Details.Percentile*100,
			a.Details.Rank, a.Details.TotalSamples, a.Details.MedianSizeUSD)
	default:
		fmt.Fprintf(&b, "price %.3f", a.CurrentPrice)
	}

	fmt.Fprintf(&b, "\nImplied: %s", a.Direction)
	return b.String()
}

func anomalyTitle(t types.AnomalyType) string {
	switch t {
	case types.AnomalyLargeTrade:
		return "Large trade"
	case types.AnomalyVolumeSpike:
		return "Volume spike"
	case types.AnomalyRapidPriceMove:
		return "Rapid price move"
	case types.AnomalyUnusualLowPriceBuy:
		return "Unusual low-price buy"
	}
	return string(t)
}

func sideOrUnknown(t *types.Trade) string {
	if t == nil || t.Side == "" {
		return "?"
	}
	return string(t.Side)
}

func orQ(s string) string {
	if s == "" {
		return "?"
	}
	return s
}
