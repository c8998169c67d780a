package exchange

import (
	"log/slog"
	"testing"
	"time"

	"polymarket-sentry/pkg/types"
)

func testFeed() *TradeFeed {
	resolver := func(tokenID string) (string, bool) {
		if tokenID == "tok-yes" || tokenID == "tok-no" {
			return "mkt-1", true
		}
		return "", false
	}
	return NewTradeFeed("wss://example/ws/market", resolver, slog.Default())
}

func TestParseTimestampSecondsAndMillis(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"1700000000", 1_700_000_000_000},     // seconds -> ms
		{"1700000000.5", 1_700_000_000_500},   // fractional seconds
		{"1700000000000", 1_700_000_000_000},  // already ms
		{"1800000000123", 1_800_000_000_123},  // ms stays ms
	}
	for _, tc := range cases {
		if got := parseTimestamp(tc.raw); got != tc.want {
			t.Errorf("parseTimestamp(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestParseTimestampFallsBackToNow(t *testing.T) {
	before := time.Now().UnixMilli()
	got := parseTimestamp("")
	after := time.Now().UnixMilli()
	if got < before || got > after {
		t.Errorf("empty timestamp = %d, want wall clock in [%d, %d]", got, before, after)
	}

	if got := parseTimestamp("not-a-number"); got < before {
		t.Errorf("garbage timestamp = %d, want wall clock", got)
	}
}

func TestParseTradeDefaultsAndRouting(t *testing.T) {
	f := testFeed()

	trade, ok := f.parseTrade(types.WSTradeEvent{
		EventType: "last_trade_price",
		AssetID:   "tok-yes",
		Price:     "0.42",
		Size:      "100",
		Timestamp: "1700000000",
	})
	if !ok {
		t.Fatal("parseTrade rejected a valid event")
	}
	if trade.MarketID != "mkt-1" {
		t.Errorf("MarketID = %q, want mkt-1", trade.MarketID)
	}
	if trade.Side != types.BUY {
		t.Errorf("missing side = %s, want BUY default", trade.Side)
	}
	if trade.SizeUSD != 42 {
		t.Errorf("SizeUSD = %v, want 42", trade.SizeUSD)
	}
	if trade.Timestamp != 1_700_000_000_000 {
		t.Errorf("Timestamp = %d, want normalized ms", trade.Timestamp)
	}
}

func TestParseTradeRejections(t *testing.T) {
	f := testFeed()

	cases := []struct {
		name string
		evt  types.WSTradeEvent
	}{
		{"unknown token", types.WSTradeEvent{AssetID: "tok-unknown", Price: "0.5"}},
		{"missing price", types.WSTradeEvent{AssetID: "tok-yes"}},
		{"bad price", types.WSTradeEvent{AssetID: "tok-yes", Price: "abc"}},
		{"bad side", types.WSTradeEvent{AssetID: "tok-yes", Price: "0.5", Side: "SHORT"}},
	}
	for _, tc := range cases {
		if _, ok := f.parseTrade(tc.evt); ok {
			t.Errorf("%s: parseTrade accepted the event", tc.name)
		}
	}
}

func TestDispatchMessageHandlesBatchArrays(t *testing.T) {
	f := testFeed()

	batch := `[
		{"event_type":"last_trade_price","asset_id":"tok-yes","price":"0.40","size":"10","side":"BUY","timestamp":"1700000000"},
		{"event_type":"price_change","asset_id":"tok-no","price":"0.60","size":"5","side":"SELL","timestamp":"1700000001"},
		{"event_type":"book","asset_id":"tok-yes","price":"0.40"}
	]`
	f.dispatchMessage([]byte(batch))

	if n := len(f.tradeCh); n != 2 {
		t.Fatalf("dispatched %d trades, want 2 (book event filtered)", n)
	}
	first := <-f.tradeCh
	if first.MarketID != "mkt-1" || first.Side != types.BUY {
		t.Errorf("first trade = %+v", first)
	}
	second := <-f.tradeCh
	if second.Side != types.SELL {
		t.Errorf("second trade side = %s, want SELL", second.Side)
	}
}

func TestDispatchMessageCountsSchemaErrors(t *testing.T) {
	f := testFeed()

	f.dispatchMessage([]byte(`{not json`))
	f.dispatchMessage([]byte(`[{"event_type":`))
	// Known shape, garbage decimal: dropped by parseTrade.
	f.dispatchMessage([]byte(`{"event_type":"last_trade_price","asset_id":"tok-yes","price":"NaNope"}`))

	if n := f.SchemaErrors(); n != 3 {
		t.Errorf("SchemaErrors = %d, want 3", n)
	}
	if len(f.tradeCh) != 0 {
		t.Error("malformed input produced trades")
	}
}

func TestSubscribeTracksWhileDisconnected(t *testing.T) {
	f := testFeed()

	if err := f.Subscribe([]string{"tok-yes", "tok-no"}); err != nil {
		t.Fatalf("Subscribe while disconnected: %v", err)
	}

	f.subscribedMu.RLock()
	n := len(f.subscribed)
	f.subscribedMu.RUnlock()
	if n != 2 {
		t.Errorf("tracked tokens = %d, want 2", n)
	}
	if f.Connected() {
		t.Error("feed reports connected without a socket")
	}
}
