// ws.go implements the WebSocket feeds for real-time venue data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes per symbol to the instrument channel
//     (mark price, funding rate) and the top-of-book ticker, writing every
//     update into the MarketStore.
//
//   - Private feed (authenticated): subscribes to order lifecycle events and
//     stamps the account store's heartbeat so the reconciler can tell a
//     silent private channel from a healthy one.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe on reconnection. A read deadline ensures silent server
// failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-orchestrator/internal/store"
)

const (
	wsReadTimeout    = 60 * time.Second
	maxReconnectWait = 30 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// FeedObserver receives connection-quality signals from a feed. The budget
// manager implements it.
type FeedObserver interface {
	ReportReconnect()
	RecordMessageGap(gap time.Duration)
}

// Feed manages one WebSocket connection, market or private.
type Feed struct {
	client   *Client
	private  bool
	symbols  []string
	market   *store.MarketStore
	account  *store.AccountStore
	observer FeedObserver
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	seq     uint64
	lastMsg time.Time
}

// NewMarketFeed creates the public market-data feed.
func NewMarketFeed(client *Client, symbols []string, market *store.MarketStore, observer FeedObserver, logger *slog.Logger) *Feed {
	return &Feed{
		client:   client,
		symbols:  symbols,
		market:   market,
		observer: observer,
		logger:   logger.With("component", "ws_market"),
	}
}

// NewPrivateFeed creates the authenticated order-event feed.
func NewPrivateFeed(client *Client, account *store.AccountStore, observer FeedObserver, logger *slog.Logger) *Feed {
	return &Feed{
		client:   client,
		private:  true,
		account:  account,
		observer: observer,
		logger:   logger.With("component", "ws_private"),
	}
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	first := true

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !first && f.observer != nil {
			f.observer.ReportReconnect()
		}
		first = false

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	info, err := f.client.GetWSConnectInfo(ctx, f.private)
	if err != nil {
		return fmt.Errorf("ws token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, info.URL, nil)
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

	if err := f.subscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected", "private", f.private, "symbols", len(f.symbols))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, info.PingInterval)

	f.lastMsg = time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		now := time.Now()
		if !f.lastMsg.IsZero() && f.observer != nil {
			f.observer.RecordMessageGap(now.Sub(f.lastMsg))
		}
		f.lastMsg = now

		f.dispatch(msg)
	}
}

func (f *Feed) subscribeAll() error {
	if f.private {
		return f.writeJSON(map[string]interface{}{
			"id":             strconv.FormatInt(time.Now().UnixNano(), 10),
			"type":           "subscribe",
			"topic":          "/contractMarket/tradeOrders",
			"privateChannel": true,
			"response":       true,
		})
	}
	for _, symbol := range f.symbols {
		for _, topic := range []string{
			"/contract/instrument:" + symbol,
			"/contractMarket/tickerV2:" + symbol,
			"/contractMarket/limitCandle:" + symbol + "_1min",
		} {
			if err := f.writeJSON(map[string]interface{}{
				"id":       strconv.FormatInt(time.Now().UnixNano(), 10),
				"type":     "subscribe",
				"topic":    topic,
				"response": true,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// wsMessage is the venue's uniform push envelope.
type wsMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

func (f *Feed) dispatch(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(raw))
		return
	}
	if msg.Type != "message" {
		// ack, welcome, pong
		if f.private && f.account != nil {
			f.account.MarkPrivateWSHeartbeat()
		}
		return
	}

	if f.private {
		f.account.MarkPrivateWSHeartbeat()
		f.logger.Debug("private order event", "subject", msg.Subject)
		return
	}

	symbol := topicSymbol(msg.Topic)
	if symbol == "" {
		return
	}
	f.seq++

	switch msg.Subject {
	case "mark.index.price":
		var data struct {
			MarkPrice float64 `json:"markPrice"`
			Timestamp int64   `json:"timestamp"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			f.logger.Error("unmarshal mark price", "error", err)
			return
		}
		f.market.UpdateFromTicker(symbol, data.MarkPrice, data.MarkPrice, time.UnixMilli(data.Timestamp), f.seq)

	case "funding.rate":
		var data struct {
			FundingRate float64 `json:"fundingRate"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			f.logger.Error("unmarshal funding rate", "error", err)
			return
		}
		f.market.UpdateFromFunding(symbol, data.FundingRate, f.seq)

	case "tickerV2":
		var data struct {
			BestBidPrice string `json:"bestBidPrice"`
			BestAskPrice string `json:"bestAskPrice"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			f.logger.Error("unmarshal ticker", "error", err)
			return
		}
		bid, err1 := strconv.ParseFloat(data.BestBidPrice, 64)
		ask, err2 := strconv.ParseFloat(data.BestAskPrice, 64)
		if err1 != nil || err2 != nil {
			f.logger.Error("parse ticker prices", "bid", data.BestBidPrice, "ask", data.BestAskPrice)
			return
		}
		f.market.UpdateFromOrderBook(symbol, bid, ask, f.seq)

	case "candle.stick":
		// Topic carries "SYMBOL_1min"; the symbol proper is before the underscore.
		if i := strings.IndexByte(symbol, '_'); i > 0 {
			symbol = symbol[:i]
		}
		var data struct {
			Candles []string `json:"candles"` // [start, open, close, high, low, volume, turnover]
			Time    int64    `json:"time"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || len(data.Candles) < 6 {
			f.logger.Error("unmarshal candle", "error", err)
			return
		}
		c, err := parseCandle(data.Candles)
		if err != nil {
			f.logger.Error("parse candle", "error", err)
			return
		}
		f.market.UpdateFromCandle(symbol, c)

	default:
		f.logger.Debug("unknown ws subject", "subject", msg.Subject)
	}
}

// parseCandle decodes the venue's string-array kline format.
func parseCandle(fields []string) (store.Candle, error) {
	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return store.Candle{}, fmt.Errorf("field %d %q: %w", i, fields[i], err)
		}
		vals[i] = v
	}
	return store.Candle{
		Start:  time.Unix(int64(vals[0]), 0),
		Open:   vals[1],
		Close:  vals[2],
		High:   vals[3],
		Low:    vals[4],
		Volume: vals[5],
	}, nil
}

// topicSymbol extracts the symbol suffix from "/channel/name:SYMBOL".
func topicSymbol(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == ':' {
			return topic[i+1:]
		}
	}
	return ""
}

func (f *Feed) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := map[string]string{
				"id":   strconv.FormatInt(time.Now().UnixNano(), 10),
				"type": "ping",
			}
			if err := f.writeJSON(ping); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
