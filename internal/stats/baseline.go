package stats

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"polymarket-sentry/pkg/types"
)

// MarketBaseline holds the rolling statistics for one market, recomputed
// from the retention window each time non-anomalous trades arrive.
type MarketBaseline struct {
	MarketID string

	AvgTradeSizeUSD    float64
	StdDevTradeSizeUSD float64
	MedianTradeSizeUSD float64

	AvgHourlyVolume    float64
	StdDevHourlyVolume float64

	AvgHourlyPriceChange    float64 // mean of per-hour |last - first|
	StdDevHourlyPriceChange float64

	TradesPerHour float64
	SampleCount   int
	FirstTradeAt  int64 // unix ms
	LastTradeAt   int64
	UpdatedAt     time.Time
}

// Baseline computes and serves per-market rolling statistics. Queries return
// nil until a market has at least minSamples trades so thin histories never
// produce z-scores.
type Baseline struct {
	mu         sync.RWMutex
	window     time.Duration
	minSamples int
	baselines  map[string]*MarketBaseline
}

// NewBaseline creates a calculator over the given retention window.
func NewBaseline(window time.Duration, minSamples int) *Baseline {
	return &Baseline{
		window:     window,
		minSamples: minSamples,
		baselines:  make(map[string]*MarketBaseline),
	}
}

// Update recomputes the market's baseline from the given trades. Trades
// outside the retention window (relative to the newest trade) are dropped
// before computing.
func (b *Baseline) Update(marketID string, trades []types.Trade) {
	if len(trades) == 0 {
		return
	}

	latest := trades[0].Timestamp
	for _, t := range trades {
		if t.Timestamp > latest {
			latest = t.Timestamp
		}
	}
	cutoff := latest - b.window.Milliseconds()

	inWindow := make([]types.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Timestamp >= cutoff {
			inWindow = append(inWindow, t)
		}
	}
	if len(inWindow) == 0 {
		return
	}

	sizes := make([]float64, len(inWindow))
	first, last := inWindow[0].Timestamp, inWindow[0].Timestamp
	for i, t := range inWindow {
		sizes[i] = t.SizeUSD
		if t.Timestamp < first {
			first = t.Timestamp
		}
		if t.Timestamp > last {
			last = t.Timestamp
		}
	}

	hourlyVolumes, hourlyChanges := bucketByHour(inWindow)

	bl := &MarketBaseline{
		MarketID:           marketID,
		AvgTradeSizeUSD:    stat.Mean(sizes, nil),
		StdDevTradeSizeUSD: popStdDev(sizes),
		MedianTradeSizeUSD: median(sizes),
		TradesPerHour:      float64(len(inWindow)) / b.window.Hours(),
		SampleCount:        len(inWindow),
		FirstTradeAt:       first,
		LastTradeAt:        last,
		UpdatedAt:          time.Now(),
	}
	if len(hourlyVolumes) > 0 {
		bl.AvgHourlyVolume = stat.Mean(hourlyVolumes, nil)
		bl.StdDevHourlyVolume = popStdDev(hourlyVolumes)
	}
	if len(hourlyChanges) > 0 {
		bl.AvgHourlyPriceChange = stat.Mean(hourlyChanges, nil)
		bl.StdDevHourlyPriceChange = popStdDev(hourlyChanges)
	}

	b.mu.Lock()
	b.baselines[marketID] = bl
	b.mu.Unlock()
}

// bucketByHour groups trades by floor(timestamp / 1h) and returns per-bucket
// USD volumes and per-bucket |last price - first price|.
func bucketByHour(trades []types.Trade) (volumes, priceChanges []float64) {
	type bucket struct {
		volume      float64
		firstTS     int64
		lastTS      int64
		firstPrice  float64
		lastPrice   float64
		initialized bool
	}

	const hourMs = int64(time.Hour / time.Millisecond)
	buckets := make(map[int64]*bucket)
	var keys []int64

	for _, t := range trades {
		k := t.Timestamp / hourMs
		bk := buckets[k]
		if bk == nil {
			bk = &bucket{}
			buckets[k] = bk
			keys = append(keys, k)
		}
		bk.volume += t.SizeUSD
		if !bk.initialized || t.Timestamp < bk.firstTS {
			bk.firstTS = t.Timestamp
			bk.firstPrice = t.Price
		}
		if !bk.initialized || t.Timestamp >= bk.lastTS {
			bk.lastTS = t.Timestamp
			bk.lastPrice = t.Price
		}
		bk.initialized = true
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		bk := buckets[k]
		volumes = append(volumes, bk.volume)
		delta := bk.lastPrice - bk.firstPrice
		if delta < 0 {
			delta = -delta
		}
		priceChanges = append(priceChanges, delta)
	}
	return volumes, priceChanges
}

// Get returns the baseline for a market, or nil when none exists yet.
func (b *Baseline) Get(marketID string) *MarketBaseline {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bl := b.baselines[marketID]
	if bl == nil {
		return nil
	}
	cp := *bl
	return &cp
}

// Ready reports whether the market has enough samples for z-score queries.
func (b *Baseline) Ready(marketID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bl := b.baselines[marketID]
	return bl != nil && bl.SampleCount >= b.minSamples
}

// TradeSizeZ returns (sizeUSD - avg) / stddev, or nil when the baseline is
// not ready or the stddev is zero.
func (b *Baseline) TradeSizeZ(marketID string, sizeUSD float64) *float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bl := b.baselines[marketID]
	if bl == nil || bl.SampleCount < b.minSamples || bl.StdDevTradeSizeUSD == 0 {
		return nil
	}
	z := (sizeUSD - bl.AvgTradeSizeUSD) / bl.StdDevTradeSizeUSD
	return &z
}

// ExpectedVolume scales the hourly volume baseline to the given window, or
// nil when the baseline is not ready.
func (b *Baseline) ExpectedVolume(marketID string, window time.Duration) *float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bl := b.baselines[marketID]
	if bl == nil || bl.SampleCount < b.minSamples {
		return nil
	}
	v := bl.AvgHourlyVolume * window.Hours()
	return &v
}

// VolumeZ compares observed window volume against the scaled baseline.
// Both the expectation and stddev scale by window/1h.
func (b *Baseline) VolumeZ(marketID string, observed float64, window time.Duration) *float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bl := b.baselines[marketID]
	if bl == nil || bl.SampleCount < b.minSamples {
		return nil
	}
	scale := window.Hours()
	stddev := bl.StdDevHourlyVolume * scale
	if stddev == 0 {
		return nil
	}
	z := (observed - bl.AvgHourlyVolume*scale) / stddev
	return &z
}

// VolumeMultiple returns observed / expected for the window, or nil when the
// baseline is not ready or expects zero volume.
func (b *Baseline) VolumeMultiple(marketID string, observed float64, window time.Duration) *float64 {
	expected := b.ExpectedVolume(marketID, window)
	if expected == nil || *expected == 0 {
		return nil
	}
	m := observed / *expected
	return &m
}

// PriceChangeZ returns (|delta| - avgAbs) / stddevAbs, or nil when the
// baseline is not ready or the stddev is zero.
func (b *Baseline) PriceChangeZ(marketID string, delta float64) *float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bl := b.baselines[marketID]
	if bl == nil || bl.SampleCount < b.minSamples || bl.StdDevHourlyPriceChange == 0 {
		return nil
	}
	if delta < 0 {
		delta = -delta
	}
	z := (delta - bl.AvgHourlyPriceChange) / bl.StdDevHourlyPriceChange
	return &z
}

// popStdDev is the population standard deviation (denominator n, not n-1),
// matching how the window statistics are defined.
func popStdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	mean := stat.Mean(data, nil)
	var ss float64
	for _, v := range data {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(data)))
}

func median(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
