package stats

import (
	"sort"
	"sync"

	"polymarket-sentry/pkg/types"
)

// percTrade is the slim record kept in the recent-trade ring.
type percTrade struct {
	SizeUSD   float64
	Price     float64
	Side      types.Side
	Timestamp int64
	Tracked   bool // true if counted in the sorted multiset
}

// PercentileResult is the verdict for one candidate low-price BUY.
type PercentileResult struct {
	Percentile    float64 // fraction of tracked sizes strictly below this one
	Rank          int     // 1 = largest ever tracked
	TotalSamples  int
	Severity      types.Severity
	MedianSizeUSD float64
	P90           float64
	P95           float64
	P99           float64
}

type marketPercentiles struct {
	sizes  []float64 // sorted ascending; USD sizes of tracked low-price BUYs
	recent []percTrade
}

// PercentileTracker keeps, per market, a sorted multiset of the USD sizes of
// BUY trades priced below the low-price threshold, plus a FIFO ring of the
// last maxSamples raw trades. Insert, remove and rank queries are O(log n)
// binary searches over the sorted slice; at the 10k sample cap the linear
// shifts stay cheap.
type PercentileTracker struct {
	mu                sync.RWMutex
	lowPriceThreshold float64
	maxSamples        int
	minSamples        int
	p90, p95, p99     float64
	markets           map[string]*marketPercentiles
}

// NewPercentileTracker creates a tracker with the given thresholds.
func NewPercentileTracker(lowPriceThreshold float64, maxSamples, minSamples int, p90, p95, p99 float64) *PercentileTracker {
	return &PercentileTracker{
		lowPriceThreshold: lowPriceThreshold,
		maxSamples:        maxSamples,
		minSamples:        minSamples,
		p90:               p90,
		p95:               p95,
		p99:               p99,
		markets:           make(map[string]*marketPercentiles),
	}
}

// AddTrade records one trade. BUYs below the low-price threshold also enter
// the sorted multiset. When the ring exceeds maxSamples the oldest trade is
// evicted, and if it was tracked its size leaves the multiset too.
func (p *PercentileTracker) AddTrade(marketID string, sizeUSD, price float64, side types.Side, timestamp int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.markets[marketID]
	if m == nil {
		m = &marketPercentiles{}
		p.markets[marketID] = m
	}

	tracked := side == types.BUY && price < p.lowPriceThreshold
	m.recent = append(m.recent, percTrade{
		SizeUSD:   sizeUSD,
		Price:     price,
		Side:      side,
		Timestamp: timestamp,
		Tracked:   tracked,
	})
	if tracked {
		insertSorted(&m.sizes, sizeUSD)
	}

	if len(m.recent) > p.maxSamples {
		oldest := m.recent[0]
		m.recent = m.recent[1:]
		if oldest.Tracked {
			removeSorted(&m.sizes, oldest.SizeUSD)
		}
	}
}

// ShouldAlert evaluates a candidate trade: non-nil only when the trade is a
// BUY below the low-price threshold, enough samples exist, and the size
// clears at least the p90 rung.
func (p *PercentileTracker) ShouldAlert(marketID string, sizeUSD, price float64, side types.Side) *PercentileResult {
	if side != types.BUY || price >= p.lowPriceThreshold {
		return nil
	}

	res := p.Percentile(marketID, sizeUSD)
	if res == nil || res.Severity == types.SeverityNone {
		return nil
	}
	return res
}

// Percentile ranks sizeUSD against the market's tracked multiset. Returns
// nil while fewer than minSamples sizes are tracked.
func (p *PercentileTracker) Percentile(marketID string, sizeUSD float64) *PercentileResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := p.markets[marketID]
	if m == nil || len(m.sizes) < p.minSamples {
		return nil
	}

	n := len(m.sizes)
	smaller := sort.SearchFloat64s(m.sizes, sizeUSD) // count strictly less
	pct := float64(smaller) / float64(n)

	res := &PercentileResult{
		Percentile:    pct,
		Rank:          n - smaller,
		TotalSamples:  n,
		MedianSizeUSD: quantileAt(m.sizes, 0.5),
		P90:           quantileAt(m.sizes, p.p90),
		P95:           quantileAt(m.sizes, p.p95),
		P99:           quantileAt(m.sizes, p.p99),
	}

	switch {
	case pct >= p.p99:
		res.Severity = types.SeverityCritical
	case pct >= p.p95:
		res.Severity = types.SeverityHigh
	case pct >= p.p90:
		res.Severity = types.SeverityMedium
	default:
		res.Severity = types.SeverityNone
	}
	return res
}

// SampleCount reports how many tracked sizes a market currently holds.
func (p *PercentileTracker) SampleCount(marketID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.markets[marketID]
	if m == nil {
		return 0
	}
	return len(m.sizes)
}

// quantileAt reports the element at index floor(n*q) of a sorted slice.
func quantileAt(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * q)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func insertSorted(s *[]float64, v float64) {
	i := sort.SearchFloat64s(*s, v)
	*s = append(*s, 0)
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = v
}

func removeSorted(s *[]float64, v float64) {
	i := sort.SearchFloat64s(*s, v)
	if i < len(*s) && (*s)[i] == v {
		*s = append((*s)[:i], (*s)[i+1:]...)
	}
}
