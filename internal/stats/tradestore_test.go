package stats

import (
	"testing"
	"time"

	"polymarket-sentry/pkg/types"
)

const testMarket = "mkt-1"

func tradeAt(ts int64, price, sizeUSD float64, side types.Side) types.Trade {
	return types.Trade{
		MarketID:  testMarket,
		Price:     price,
		Size:      sizeUSD / price,
		SizeUSD:   sizeUSD,
		Side:      side,
		Timestamp: ts,
	}
}

func TestRecentTradesWindow(t *testing.T) {
	base := time.UnixMilli(1_800_000_000_000)
	s := NewTradeStore(24 * time.Hour)
	s.SetSimulatedTime(base)

	s.Add(tradeAt(base.Add(-10*time.Minute).UnixMilli(), 0.5, 100, types.BUY))
	s.Add(tradeAt(base.Add(-4*time.Minute).UnixMilli(), 0.5, 200, types.BUY))
	s.Add(tradeAt(base.Add(-1*time.Minute).UnixMilli(), 0.5, 300, types.SELL))

	got := s.RecentTrades(testMarket, 5*time.Minute)
	if len(got) != 2 {
		t.Fatalf("RecentTrades(5m) = %d trades, want 2", len(got))
	}
	if got[0].SizeUSD != 200 || got[1].SizeUSD != 300 {
		t.Errorf("RecentTrades returned wrong trades: %+v", got)
	}

	if v := s.VolumeInWindow(testMarket, 5*time.Minute); v != 500 {
		t.Errorf("VolumeInWindow(5m) = %v, want 500", v)
	}
	if n := s.TradeCountInWindow(testMarket, time.Hour); n != 3 {
		t.Errorf("TradeCountInWindow(1h) = %d, want 3", n)
	}
}

func TestPriceChangeInWindow(t *testing.T) {
	base := time.UnixMilli(1_800_000_000_000)
	s := NewTradeStore(24 * time.Hour)
	s.SetSimulatedTime(base)

	s.Add(tradeAt(base.Add(-4*time.Minute).UnixMilli(), 0.50, 10, types.BUY))

	if pc := s.PriceChangeInWindow(testMarket, 5*time.Minute); pc != nil {
		t.Fatalf("PriceChangeInWindow with one point = %+v, want nil", pc)
	}

	s.Add(tradeAt(base.Add(-2*time.Minute).UnixMilli(), 0.55, 10, types.BUY))
	s.Add(tradeAt(base.Add(-1*time.Minute).UnixMilli(), 0.60, 10, types.BUY))

	pc := s.PriceChangeInWindow(testMarket, 5*time.Minute)
	if pc == nil {
		t.Fatal("PriceChangeInWindow = nil, want a change")
	}
	if pc.Start != 0.50 || pc.End != 0.60 {
		t.Errorf("price change %v -> %v, want 0.50 -> 0.60", pc.Start, pc.End)
	}
	if delta := pc.Delta; delta < 0.0999 || delta > 0.1001 {
		t.Errorf("Delta = %v, want 0.10", delta)
	}
	if pct := pc.DeltaPercent; pct < 0.1999 || pct > 0.2001 {
		t.Errorf("DeltaPercent = %v, want 0.20", pct)
	}
}

func TestPriceChangeExcludesOldPoints(t *testing.T) {
	base := time.UnixMilli(1_800_000_000_000)
	s := NewTradeStore(24 * time.Hour)
	s.SetSimulatedTime(base)

	s.Add(tradeAt(base.Add(-time.Hour).UnixMilli(), 0.10, 10, types.BUY))
	s.Add(tradeAt(base.Add(-3*time.Minute).UnixMilli(), 0.50, 10, types.BUY))
	s.Add(tradeAt(base.Add(-1*time.Minute).UnixMilli(), 0.52, 10, types.BUY))

	pc := s.PriceChangeInWindow(testMarket, 5*time.Minute)
	if pc == nil {
		t.Fatal("PriceChangeInWindow = nil")
	}
	if pc.Start != 0.50 {
		t.Errorf("Start = %v, old point leaked into the window", pc.Start)
	}
}

func TestCleanupEvictsExpired(t *testing.T) {
	base := time.UnixMilli(1_800_000_000_000)
	s := NewTradeStore(time.Hour)
	s.SetSimulatedTime(base)

	s.Add(tradeAt(base.Add(-2*time.Hour).UnixMilli(), 0.5, 100, types.BUY))
	s.Add(tradeAt(base.Add(-90*time.Minute).UnixMilli(), 0.5, 100, types.BUY))
	s.Cleanup()

	if n := s.MarketCount(); n != 0 {
		t.Errorf("MarketCount after cleanup = %d, want 0", n)
	}
}

func TestBulkAddRestoresOrder(t *testing.T) {
	base := time.UnixMilli(1_800_000_000_000)
	s := NewTradeStore(24 * time.Hour)
	s.SetSimulatedTime(base)

	s.BulkAdd(testMarket, []types.Trade{
		tradeAt(base.Add(-1*time.Minute).UnixMilli(), 0.60, 10, types.BUY),
		tradeAt(base.Add(-10*time.Minute).UnixMilli(), 0.40, 10, types.BUY),
		tradeAt(base.Add(-5*time.Minute).UnixMilli(), 0.50, 10, types.BUY),
	})

	got := s.AllTrades(testMarket)
	if len(got) != 3 {
		t.Fatalf("AllTrades = %d trades, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Fatalf("trades out of order at %d: %+v", i, got)
		}
	}

	price, ok := s.LatestPrice(testMarket)
	if !ok || price != 0.60 {
		t.Errorf("LatestPrice = %v, %v; want 0.60, true", price, ok)
	}
}
