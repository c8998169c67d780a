// Package stats maintains per-market rolling state on the trade path: the
// bounded sliding trade windows, the baseline statistics, and the low-price
// BUY percentile tracker.
package stats

import (
	"sort"
	"sync"
	"time"

	"polymarket-sentry/pkg/types"
)

// cleanupEvery bounds how often Add pays the eviction cost.
const cleanupEvery = 100

// PriceChange is the windowed price delta returned by PriceChangeInWindow.
type PriceChange struct {
	Start        float64
	End          float64
	Delta        float64
	DeltaPercent float64 // Delta / Start
}

// PriceRange is the min/max price observed in a window.
type PriceRange struct {
	Min float64
	Max float64
}

type pricePoint struct {
	Price     float64
	Timestamp int64 // unix ms
}

type marketWindow struct {
	trades    []types.Trade
	prices    []pricePoint
	addsSince int
}

// TradeStore keeps a bounded sliding window of trades and prices per market.
// All methods are safe for concurrent use; the receive loop is the only
// writer, readers may query at any time.
//
// "Now" is wall-clock unless a simulated time has been set, which replay and
// backtests use to evaluate windows against historical timestamps.
type TradeStore struct {
	mu         sync.RWMutex
	windowSize time.Duration
	markets    map[string]*marketWindow
	simulated  int64 // unix ms, 0 = wall clock
}

// NewTradeStore creates a store whose windows span windowSize.
func NewTradeStore(windowSize time.Duration) *TradeStore {
	return &TradeStore{
		windowSize: windowSize,
		markets:    make(map[string]*marketWindow),
	}
}

// SetSimulatedTime pins "now" to ts for replay. A zero time reverts to the
// wall clock.
func (s *TradeStore) SetSimulatedTime(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.IsZero() {
		s.simulated = 0
		return
	}
	s.simulated = ts.UnixMilli()
}

func (s *TradeStore) nowMillisLocked() int64 {
	if s.simulated != 0 {
		return s.simulated
	}
	return time.Now().UnixMilli()
}

// Add appends one trade to the market's window. Every cleanupEvery additions
// the window is pruned against the current time.
func (s *TradeStore) Add(trade types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.markets[trade.MarketID]
	if w == nil {
		w = &marketWindow{}
		s.markets[trade.MarketID] = w
	}

	w.trades = append(w.trades, trade)
	w.prices = append(w.prices, pricePoint{Price: trade.Price, Timestamp: trade.Timestamp})
	w.addsSince++

	if w.addsSince >= cleanupEvery {
		s.pruneLocked(w)
		w.addsSince = 0
	}
}

// BulkAdd appends a batch of trades for one market, restores timestamp order
// with a stable sort, and prunes once.
func (s *TradeStore) BulkAdd(marketID string, trades []types.Trade) {
	if len(trades) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.markets[marketID]
	if w == nil {
		w = &marketWindow{}
		s.markets[marketID] = w
	}

	for _, t := range trades {
		w.trades = append(w.trades, t)
		w.prices = append(w.prices, pricePoint{Price: t.Price, Timestamp: t.Timestamp})
	}

	sort.SliceStable(w.trades, func(i, j int) bool {
		return w.trades[i].Timestamp < w.trades[j].Timestamp
	})
	sort.SliceStable(w.prices, func(i, j int) bool {
		return w.prices[i].Timestamp < w.prices[j].Timestamp
	})

	s.pruneLocked(w)
}

// Cleanup prunes every market's window against the current time. Called on a
// slow ticker by the orchestrator; Add's periodic pruning covers the rest.
func (s *TradeStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.markets {
		s.pruneLocked(w)
		if len(w.trades) == 0 && len(w.prices) == 0 {
			delete(s.markets, id)
		}
	}
}

func (s *TradeStore) pruneLocked(w *marketWindow) {
	cutoff := s.nowMillisLocked() - s.windowSize.Milliseconds()

	i := sort.Search(len(w.trades), func(i int) bool { return w.trades[i].Timestamp >= cutoff })
	if i > 0 {
		w.trades = append(w.trades[:0:0], w.trades[i:]...)
	}
	j := sort.Search(len(w.prices), func(i int) bool { return w.prices[i].Timestamp >= cutoff })
	if j > 0 {
		w.prices = append(w.prices[:0:0], w.prices[j:]...)
	}
}

// RecentTrades returns the suffix of trades with timestamp >= now - duration.
// Unknown markets yield nil.
func (s *TradeStore) RecentTrades(marketID string, duration time.Duration) []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.markets[marketID]
	if w == nil {
		return nil
	}

	cutoff := s.nowMillisLocked() - duration.Milliseconds()
	i := sort.Search(len(w.trades), func(i int) bool { return w.trades[i].Timestamp >= cutoff })
	if i >= len(w.trades) {
		return nil
	}

	out := make([]types.Trade, len(w.trades)-i)
	copy(out, w.trades[i:])
	return out
}

// AllTrades returns a copy of every trade currently in the market's window.
func (s *TradeStore) AllTrades(marketID string) []types.Trade {
	return s.RecentTrades(marketID, s.windowSize)
}

// VolumeInWindow sums USD notional over the window.
func (s *TradeStore) VolumeInWindow(marketID string, duration time.Duration) float64 {
	var total float64
	for _, t := range s.RecentTrades(marketID, duration) {
		total += t.SizeUSD
	}
	return total
}

// TradeCountInWindow counts trades in the window.
func (s *TradeStore) TradeCountInWindow(marketID string, duration time.Duration) int {
	return len(s.RecentTrades(marketID, duration))
}

// PriceChangeInWindow reports the first-to-last price move in the window, or
// nil when fewer than two prices exist.
func (s *TradeStore) PriceChangeInWindow(marketID string, duration time.Duration) *PriceChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.markets[marketID]
	if w == nil {
		return nil
	}

	cutoff := s.nowMillisLocked() - duration.Milliseconds()
	i := sort.Search(len(w.prices), func(i int) bool { return w.prices[i].Timestamp >= cutoff })
	window := w.prices[i:]
	if len(window) < 2 {
		return nil
	}

	start := window[0].Price
	end := window[len(window)-1].Price
	pc := &PriceChange{Start: start, End: end, Delta: end - start}
	if start != 0 {
		pc.DeltaPercent = pc.Delta / start
	}
	return pc
}

// LatestPrice returns the most recent price for the market, or false when
// none has been seen.
func (s *TradeStore) LatestPrice(marketID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.markets[marketID]
	if w == nil || len(w.prices) == 0 {
		return 0, false
	}
	return w.prices[len(w.prices)-1].Price, true
}

// PriceRangeInWindow returns the min/max prices in the window, or nil when
// the window is empty.
func (s *TradeStore) PriceRangeInWindow(marketID string, duration time.Duration) *PriceRange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := s.markets[marketID]
	if w == nil {
		return nil
	}

	cutoff := s.nowMillisLocked() - duration.Milliseconds()
	i := sort.Search(len(w.prices), func(i int) bool { return w.prices[i].Timestamp >= cutoff })
	window := w.prices[i:]
	if len(window) == 0 {
		return nil
	}

	r := &PriceRange{Min: window[0].Price, Max: window[0].Price}
	for _, p := range window[1:] {
		if p.Price < r.Min {
			r.Min = p.Price
		}
		if p.Price > r.Max {
			r.Max = p.Price
		}
	}
	return r
}

// MarketCount reports how many markets currently hold window state.
func (s *TradeStore) MarketCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markets)
}
