package alert

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"polymarket-sentry/internal/notify"
	"polymarket-sentry/pkg/types"
)

type fakeNotifier struct {
	sent []string
	fail bool
}

func (f *fakeNotifier) Send(_ context.Context, text string) error {
	if f.fail {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, text)
	return nil
}

func testAnomaly(marketID string, typ types.AnomalyType, ts int64) types.Anomaly {
	return types.Anomaly{
		Type:         typ,
		MarketID:     marketID,
		Question:     "Will the bill pass?",
		Severity:     types.SeverityHigh,
		Timestamp:    ts,
		CurrentPrice: 0.42,
		Direction:    types.DirectionYes,
		Details:      types.AnomalyDetails{TradeSizeUSD: 12000},
	}
}

func newTestManager(t *testing.T, notifier notify.Notifier, cooldown time.Duration, maxPerHour int) *Manager {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "alerts.json"), 100)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return NewManager(cooldown, maxPerHour, notifier, store, slog.Default())
}

func TestCooldownSuppressesRepeatAlerts(t *testing.T) {
	n := &fakeNotifier{}
	m := newTestManager(t, n, 5*time.Minute, 100)
	ctx := context.Background()
	market := types.MarketInfo{Question: "Will the bill pass?"}

	sent, err := m.Send(ctx, testAnomaly("m1", types.AnomalyLargeTrade, 1), market)
	if err != nil || !sent {
		t.Fatalf("first Send = %v, %v; want true, nil", sent, err)
	}

	sent, err = m.Send(ctx, testAnomaly("m1", types.AnomalyLargeTrade, 2), market)
	if err != nil {
		t.Fatalf("second Send error: %v", err)
	}
	if sent {
		t.Error("second alert for the same market:type inside cooldown was sent")
	}

	// A different type for the same market is a different dedup key.
	sent, err = m.Send(ctx, testAnomaly("m1", types.AnomalyVolumeSpike, 3), market)
	if err != nil || !sent {
		t.Errorf("different type suppressed: %v, %v", sent, err)
	}

	if len(n.sent) != 2 {
		t.Errorf("delivered %d messages, want 2", len(n.sent))
	}
}

func TestHourlyCapSuppresses(t *testing.T) {
	n := &fakeNotifier{}
	m := newTestManager(t, n, time.Nanosecond, 3)
	ctx := context.Background()
	market := types.MarketInfo{}

	for i := 0; i < 3; i++ {
		// Distinct markets dodge the cooldown; the hourly cap is global.
		sent, err := m.Send(ctx, testAnomaly("m"+string(rune('a'+i)), types.AnomalyLargeTrade, int64(i)), market)
		if err != nil || !sent {
			t.Fatalf("send %d = %v, %v", i, sent, err)
		}
	}

	sent, err := m.Send(ctx, testAnomaly("m-extra", types.AnomalyLargeTrade, 99), market)
	if err != nil {
		t.Fatalf("capped Send error: %v", err)
	}
	if sent {
		t.Error("alert above the hourly cap was sent")
	}
	if got := m.SentThisHour(); got != 3 {
		t.Errorf("SentThisHour = %d, want 3", got)
	}
}

func TestFailedDeliveryDoesNotConsumeBudget(t *testing.T) {
	n := &fakeNotifier{fail: true}
	m := newTestManager(t, n, 5*time.Minute, 10)
	ctx := context.Background()
	market := types.MarketInfo{}

	sent, err := m.Send(ctx, testAnomaly("m1", types.AnomalyLargeTrade, 1), market)
	if err == nil || sent {
		t.Fatalf("failed delivery reported success: %v, %v", sent, err)
	}
	if got := m.SentThisHour(); got != 0 {
		t.Errorf("SentThisHour after failure = %d, want 0", got)
	}

	// The dedup slot stays open: the next attempt must go through.
	n.fail = false
	sent, err = m.Send(ctx, testAnomaly("m1", types.AnomalyLargeTrade, 2), market)
	if err != nil || !sent {
		t.Errorf("retry after failure = %v, %v; want true, nil", sent, err)
	}
}

// hookNotifier runs a callback during delivery, outside the manager's lock.
type hookNotifier struct {
	hook func()
	err  error
}

func (h *hookNotifier) Send(_ context.Context, _ string) error {
	if h.hook != nil {
		h.hook()
	}
	return h.err
}

func TestRollbackAfterHourlyResetStaysAtZero(t *testing.T) {
	hn := &hookNotifier{err: errors.New("transport down")}
	m := newTestManager(t, hn, time.Nanosecond, 10)
	ctx := context.Background()
	market := types.MarketInfo{}

	// While the delivery is in flight, the hourly window rolls over and the
	// counter resets. The failure rollback must not drive it below zero.
	hn.hook = func() {
		m.mu.Lock()
		m.hourCount = 0
		m.lastResetAt = time.Now()
		m.mu.Unlock()
	}

	if sent, err := m.Send(ctx, testAnomaly("m1", types.AnomalyLargeTrade, 1), market); err == nil || sent {
		t.Fatalf("failed delivery reported success: %v, %v", sent, err)
	}
	if got := m.SentThisHour(); got != 0 {
		t.Errorf("SentThisHour after reset + rollback = %d, want 0", got)
	}

	// The fresh window still counts deliveries correctly.
	hn.hook = nil
	hn.err = nil
	if sent, err := m.Send(ctx, testAnomaly("m2", types.AnomalyLargeTrade, 2), market); err != nil || !sent {
		t.Fatalf("send in fresh window = %v, %v; want true, nil", sent, err)
	}
	if got := m.SentThisHour(); got != 1 {
		t.Errorf("SentThisHour = %d, want 1", got)
	}
}

func TestFormatVariants(t *testing.T) {
	market := types.MarketInfo{Question: "Will the bill pass?"}

	a := testAnomaly("m1", types.AnomalyLargeTrade, 1)
	msg := Format(a, market)
	if msg == "" {
		t.Fatal("Format returned empty message")
	}

	// Missing fields degrade, never panic.
	empty := types.Anomaly{Type: types.AnomalyRapidPriceMove, Severity: types.SeverityLow}
	if msg := Format(empty, types.MarketInfo{}); msg == "" {
		t.Error("Format of empty anomaly returned empty message")
	}
}
