// Package event is the publish boundary between the trading engine and the
// session layer. The engine publishes typed domain events; subscribers
// (the WebSocket registry, tests) consume them from buffered channels.
// Publishing never blocks: a subscriber that cannot keep up loses events,
// which is acceptable for best-effort push delivery.
package event

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/model"
)

// Type names a domain event. Values double as the outbound push message
// type on the session protocol.
type Type string

const (
	OrderCreated   Type = "order_created"
	OrderFilled    Type = "order_filled"
	OrderCancelled Type = "order_cancelled"
	PositionUpdate Type = "position_update"
	PositionClosed Type = "position_closed"
	BalanceUpdate  Type = "balance_update"
	Liquidation    Type = "liquidation"
)

// Event is a single engine-originated state change. UserID routes the event
// to the owning user's sessions; Data carries a snapshot copy of the
// affected entity, safe to read concurrently.
type Event struct {
	Type   Type
	UserID string
	Data   any
}

// LiquidationData is the payload of a Liquidation event. Anonymized returns
// the form broadcast on the public liquidation channel: side, qty and loss
// but no user or position identity.
type LiquidationData struct {
	UserID     string          `json:"user_id,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       model.PositionSide `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Loss       decimal.Decimal `json:"loss"`
}

// Anonymized strips user and position identity for public broadcast.
func (d LiquidationData) Anonymized() LiquidationData {
	d.UserID = ""
	d.PositionID = ""
	return d
}

// Bus fans engine events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{buffer: buffer}
}

// Subscribe registers a new subscriber and returns its channel. The channel
// is closed when the bus is closed.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber without blocking. Events are
// dropped per-subscriber when its buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event dropped, subscriber buffer full", "type", ev.Type, "user", ev.UserID)
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
