// ws.go implements the trade-stream WebSocket feed.
//
// One public market-channel connection carries every monitored token.
// Subscriptions go out in batches of at most 100 token ids; on reconnect the
// full tracked set is re-issued before the feed reports connected, so no
// alerting decision runs against a half-subscribed stream. Reconnects use a
// fixed 5 second delay. A read deadline detects silent server failures.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"polymarket-sentry/pkg/types"
)

const (
	subscribeBatchSize = 100
	reconnectDelay     = 5 * time.Second
	dialTimeout        = 10 * time.Second
	pingInterval       = 50 * time.Second
	readTimeout        = 90 * time.Second
	writeTimeout       = 10 * time.Second
	tradeBufferSize    = 512
)

// TradeFeed manages the market-channel WebSocket connection: lifecycle,
// subscription tracking, message parsing, and automatic reconnection.
type TradeFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token ids

	tradeCh chan types.Trade

	connected    atomic.Bool
	schemaErrors atomic.Int64

	// resolveMarket maps a token id to its market id; set by the orchestrator
	// before Run so parsed trades carry the market key.
	resolveMarket func(tokenID string) (string, bool)

	logger *slog.Logger
}

// NewTradeFeed creates a feed for the market channel.
func NewTradeFeed(wsURL string, resolveMarket func(string) (string, bool), logger *slog.Logger) *TradeFeed {
	return &TradeFeed{
		url:           wsURL,
		subscribed:    make(map[string]bool),
		tradeCh:       make(chan types.Trade, tradeBufferSize),
		resolveMarket: resolveMarket,
		logger:        logger.With("component", "ws_trades"),
	}
}

// Trades returns the channel the receive loop consumes.
func (f *TradeFeed) Trades() <-chan types.Trade { return f.tradeCh }

// Connected reports whether the feed has an open, fully-subscribed socket.
func (f *TradeFeed) Connected() bool { return f.connected.Load() }

// SchemaErrors reports how many malformed events were dropped.
func (f *TradeFeed) SchemaErrors() int64 { return f.schemaErrors.Load() }

// Subscribe adds token ids to the tracked set and, when connected, sends the
// subscription in batches.
func (f *TradeFeed) Subscribe(tokenIDs []string) error {
	f.subscribedMu.Lock()
	for _, id := range tokenIDs {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	if !f.connected.Load() {
		// The next (re)connect will pick them up.
		return nil
	}
	return f.sendSubscriptions(tokenIDs)
}

// Run connects and maintains the connection with a fixed reconnect delay.
// Blocks until ctx is cancelled.
func (f *TradeFeed) Run(ctx context.Context) error {
	for {
		err := f.connectAndRead(ctx)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("trade stream disconnected, reconnecting",
			"error", err,
			"delay", reconnectDelay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Close tears down the current connection.
func (f *TradeFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TradeFeed) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Resubscribe the full tracked set before declaring the feed open.
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if err := f.sendSubscriptions(ids); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.connected.Store(true)
	f.logger.Info("trade stream connected", "tokens", len(ids))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// sendSubscriptions issues subscribe messages in batches of at most 100 ids.
func (f *TradeFeed) sendSubscriptions(ids []string) error {
	for start := 0; start < len(ids); start += subscribeBatchSize {
		end := start + subscribeBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		msg := types.WSSubscribeMsg{
			Type:     "subscribe",
			Channel:  "market",
			AssetIDs: ids[start:end],
		}
		if err := f.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatchMessage parses one frame. The server sends either a single event
// object or an array of events; both are accepted.
func (f *TradeFeed) dispatchMessage(data []byte) {
	if len(data) == 0 {
		return
	}

	if data[0] == '[' {
		var events []types.WSTradeEvent
		if err := json.Unmarshal(data, &events); err != nil {
			f.schemaErrors.Add(1)
			f.logger.Debug("ignoring malformed ws batch", "error", err)
			return
		}
		for _, evt := range events {
			f.handleEvent(evt)
		}
		return
	}

	var evt types.WSTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.schemaErrors.Add(1)
		f.logger.Debug("ignoring malformed ws message", "error", err)
		return
	}
	f.handleEvent(evt)
}

func (f *TradeFeed) handleEvent(evt types.WSTradeEvent) {
	switch evt.EventType {
	case "last_trade_price", "price_change":
	default:
		return
	}

	trade, ok := f.parseTrade(evt)
	if !ok {
		f.schemaErrors.Add(1)
		return
	}

	select {
	case f.tradeCh <- trade:
	default:
		f.logger.Warn("trade channel full, dropping event", "asset", evt.AssetID)
	}
}

// parseTrade converts a wire event to a Trade. Price and size are decimal
// strings; timestamps may be milliseconds or seconds. A missing side
// defaults to BUY, matching upstream behavior.
func (f *TradeFeed) parseTrade(evt types.WSTradeEvent) (types.Trade, bool) {
	if evt.AssetID == "" || evt.Price == "" {
		return types.Trade{}, false
	}

	marketID, ok := f.resolveMarket(evt.AssetID)
	if !ok {
		// Not an error: events for tokens we never subscribed to.
		return types.Trade{}, false
	}

	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return types.Trade{}, false
	}

	size := decimal.Zero
	if evt.Size != "" {
		if size, err = decimal.NewFromString(evt.Size); err != nil {
			return types.Trade{}, false
		}
	}

	side := types.BUY
	switch evt.Side {
	case "SELL", "sell":
		side = types.SELL
	case "BUY", "buy", "":
	default:
		return types.Trade{}, false
	}

	return types.Trade{
		MarketID:  marketID,
		TokenID:   evt.AssetID,
		Price:     price.InexactFloat64(),
		Size:      size.InexactFloat64(),
		SizeUSD:   price.Mul(size).InexactFloat64(),
		Side:      side,
		Timestamp: parseTimestamp(evt.Timestamp),
	}, true
}

// writeJSON marshals and sends one control message under the write lock.
func (f *TradeFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TradeFeed) writeMessage(messageType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(messageType, data)
}

// pingLoop keeps the connection alive; the server drops idle sockets.
func (f *TradeFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// parseTimestamp accepts decimal strings of milliseconds or seconds; values
// below 1e12 are treated as seconds. Empty or unparseable timestamps fall
// back to the current time.
func parseTimestamp(raw string) int64 {
	if raw == "" {
		return time.Now().UnixMilli()
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return time.Now().UnixMilli()
	}
	if v < 1e12 {
		return int64(v * 1000)
	}
	return int64(v)
}
