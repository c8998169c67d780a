package stats

import (
	"testing"

	"polymarket-sentry/pkg/types"
)

func newTestTracker(maxSamples, minSamples int) *PercentileTracker {
	return NewPercentileTracker(0.25, maxSamples, minSamples, 0.90, 0.95, 0.99)
}

func seedLowPriceBuys(p *PercentileTracker, n int) {
	for i := 1; i <= n; i++ {
		p.AddTrade(testMarket, float64(i), 0.10, types.BUY, int64(i))
	}
}

func TestPercentileNilBelowMinSamples(t *testing.T) {
	p := newTestTracker(10_000, 50)
	seedLowPriceBuys(p, 49)

	if res := p.Percentile(testMarket, 1000); res != nil {
		t.Errorf("Percentile with 49 samples = %+v, want nil", res)
	}
	if res := p.ShouldAlert(testMarket, 1000, 0.10, types.BUY); res != nil {
		t.Errorf("ShouldAlert with 49 samples = %+v, want nil", res)
	}
}

func TestOnlyLowPriceBuysAreTracked(t *testing.T) {
	p := newTestTracker(10_000, 1)

	p.AddTrade(testMarket, 100, 0.10, types.BUY, 1)  // tracked
	p.AddTrade(testMarket, 100, 0.10, types.SELL, 2) // SELL: not tracked
	p.AddTrade(testMarket, 100, 0.50, types.BUY, 3)  // price too high
	p.AddTrade(testMarket, 100, 0.25, types.BUY, 4)  // at threshold: not below

	if n := p.SampleCount(testMarket); n != 1 {
		t.Errorf("SampleCount = %d, want 1", n)
	}
}

func TestPercentileSeverityLadder(t *testing.T) {
	p := newTestTracker(10_000, 50)
	seedLowPriceBuys(p, 100) // sizes 1..100

	cases := []struct {
		size float64
		want types.Severity
	}{
		{1000, types.SeverityCritical}, // above all 100
		{97, types.SeverityHigh},       // 96 smaller -> p96
		{92, types.SeverityMedium},     // 91 smaller -> p91
		{50, types.SeverityNone},
	}
	for _, tc := range cases {
		res := p.Percentile(testMarket, tc.size)
		if res == nil {
			t.Fatalf("Percentile(%v) = nil", tc.size)
		}
		if res.Severity != tc.want {
			t.Errorf("Percentile(%v) severity = %s (p=%.2f), want %s", tc.size, res.Severity, res.Percentile, tc.want)
		}
	}

	res := p.Percentile(testMarket, 1000)
	if res.Rank != 0 || res.TotalSamples != 100 {
		t.Errorf("rank/samples = %d/%d, want 0/100", res.Rank, res.TotalSamples)
	}
}

func TestShouldAlertRequiresLowPriceBuy(t *testing.T) {
	p := newTestTracker(10_000, 50)
	seedLowPriceBuys(p, 100)

	if res := p.ShouldAlert(testMarket, 1000, 0.10, types.SELL); res != nil {
		t.Error("ShouldAlert fired for a SELL")
	}
	if res := p.ShouldAlert(testMarket, 1000, 0.60, types.BUY); res != nil {
		t.Error("ShouldAlert fired for a high-price BUY")
	}
	if res := p.ShouldAlert(testMarket, 1000, 0.10, types.BUY); res == nil {
		t.Error("ShouldAlert = nil for a qualifying trade")
	}
}

func TestFIFOEvictionRemovesTrackedSizes(t *testing.T) {
	p := newTestTracker(3, 1)

	p.AddTrade(testMarket, 10, 0.10, types.BUY, 1)
	p.AddTrade(testMarket, 20, 0.10, types.BUY, 2)
	p.AddTrade(testMarket, 30, 0.10, types.BUY, 3)
	if n := p.SampleCount(testMarket); n != 3 {
		t.Fatalf("SampleCount = %d, want 3", n)
	}

	// Fourth add evicts the oldest (size 10) from both ring and multiset.
	p.AddTrade(testMarket, 40, 0.10, types.BUY, 4)
	if n := p.SampleCount(testMarket); n != 3 {
		t.Fatalf("SampleCount after eviction = %d, want 3", n)
	}

	res := p.Percentile(testMarket, 15)
	if res == nil {
		t.Fatal("Percentile = nil")
	}
	// Multiset is now {20, 30, 40}: nothing is below 15.
	if res.Percentile != 0 {
		t.Errorf("Percentile(15) = %v, want 0 after eviction of size 10", res.Percentile)
	}
}

func TestPercentileMarketsAreIndependent(t *testing.T) {
	p := newTestTracker(10_000, 1)
	p.AddTrade("a", 10, 0.10, types.BUY, 1)

	if n := p.SampleCount("b"); n != 0 {
		t.Errorf("SampleCount(b) = %d, want 0", n)
	}
}
