// Package feed consumes the upstream market-data stream. The core only
// depends on the price value and a connectivity flag; reconnect behavior is
// handled here as a small state machine (Disconnected → Connecting →
// Connected) with exponential backoff and an optional max-attempts ceiling.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/cache"
)

// Status is the connection state of the feed client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Sink receives high-frequency feed events for batched broadcast.
type Sink interface {
	Enqueue(channel string, data any)
}

// Message is the upstream feed envelope. Ticker messages carry the traded
// price; trade and orderbook messages are relayed to subscribers untouched.
type Message struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Config holds the feed client parameters.
type Config struct {
	URL           string
	Symbol        string
	Backoff       Backoff
	MaxReconnects int // 0 = retry forever
	SnapshotTTL   time.Duration
}

// Client maintains the upstream connection and fans ticks into the engine
// and the broadcast scheduler. Latest snapshots are written through the
// cache for REST reads.
type Client struct {
	cfg    Config
	onTick func(decimal.Decimal)
	sink   Sink
	cache  cache.Cache
	dialer websocket.Dialer

	mu     sync.Mutex
	status Status
}

// New creates a feed client. onTick is invoked for every ticker message;
// sink and c may not be nil.
func New(cfg Config, onTick func(decimal.Decimal), sink Sink, c cache.Cache) *Client {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		onTick: onTick,
		sink:   sink,
		cache:  c,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		status: StatusDisconnected,
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the feed is live. While false the engine
// receives no ticks, so price marks freeze and no liquidations trigger on
// stale data.
func (c *Client) Connected() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or the
// max-attempts ceiling is hit. Must be called in a goroutine.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}

		c.setStatus(StatusConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			c.setStatus(StatusConnected)
			attempt = 0
			slog.Info("feed connected", "url", c.cfg.URL)

			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-done:
				}
			}()
			c.readLoop(ctx, conn)
			close(done)
			conn.Close()
		}
		c.setStatus(StatusDisconnected)

		attempt++
		if c.cfg.MaxReconnects > 0 && attempt > c.cfg.MaxReconnects {
			slog.Error("feed reconnect ceiling reached, giving up",
				"attempts", attempt-1, "url", c.cfg.URL)
			return
		}
		wait := c.cfg.Backoff.Next(attempt)
		if err != nil {
			slog.Warn("feed dial failed", "attempt", attempt, "retry_in", wait, "err", err)
		} else {
			slog.Warn("feed disconnected", "attempt", attempt, "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("feed read failed", "err", err)
			}
			return
		}
		c.handle(ctx, raw)
	}
}

func (c *Client) handle(ctx context.Context, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("feed message unparseable", "err", err)
		return
	}

	switch msg.Type {
	case "ticker":
		if !msg.Price.IsPositive() {
			return
		}
		c.onTick(msg.Price)
		c.sink.Enqueue("ticker", json.RawMessage(raw))
		c.cache.HSet(ctx, "feed:ticker", c.symbolOf(msg), string(raw))
	case "trade":
		c.sink.Enqueue("trades", json.RawMessage(raw))
	case "orderbook":
		c.sink.Enqueue("orderbook", json.RawMessage(raw))
		c.cache.Set(ctx, "feed:orderbook:"+c.symbolOf(msg), string(raw), c.cfg.SnapshotTTL)
	}
}

func (c *Client) symbolOf(msg Message) string {
	if msg.Symbol != "" {
		return msg.Symbol
	}
	return c.cfg.Symbol
}
