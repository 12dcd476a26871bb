// Package model defines the core domain types shared across the trading
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// PositionSideFor maps an order side to the position side it opens.
func PositionSideFor(s Side) PositionSide {
	if s == Buy {
		return Long
	}
	return Short
}

// CloseSide returns the order side that reduces a position on this side.
func (s PositionSide) CloseSide() Side {
	if s == Long {
		return Sell
	}
	return Buy
}

// OrderType distinguishes immediate from resting orders.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the order lifecycle state. Filled and Cancelled are
// terminal; no further mutation is allowed.
type OrderStatus string

const (
	StatusNew       OrderStatus = "new"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Account is a user's ledger: cash, margin and equity bookkeeping.
// TotalEquity and AvailableBalance are always derived, never mutated
// independently.
type Account struct {
	UserID           string          `json:"user_id"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	MarginUsed       decimal.Decimal `json:"margin_used"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	TotalEquity      decimal.Decimal `json:"total_equity"`      // cash + unrealized
	AvailableBalance decimal.Decimal `json:"available_balance"` // cash - margin used
	CreatedAt        time.Time       `json:"created_at"`
}

// Position is a user's open exposure in one instrument. At most one open
// position exists per (user, instrument); same-direction fills merge into it
// and opposite-direction fills net against it.
type Position struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Symbol            string          `json:"symbol"`
	Side              PositionSide    `json:"side"`
	Qty               decimal.Decimal `json:"qty"`
	AvgPrice          decimal.Decimal `json:"avg_price"`
	MarkPrice         decimal.Decimal `json:"mark_price"`
	Leverage          decimal.Decimal `json:"leverage"`
	MarginUsed        decimal.Decimal `json:"margin_used"`        // qty*avgPrice/leverage
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"` // marginUsed * maintenance rate
	UnrealizedPnl     decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl       decimal.Decimal `json:"realized_pnl"`
	StopLoss          decimal.Decimal `json:"stop_loss,omitempty"`   // zero = unset
	TakeProfit        decimal.Decimal `json:"take_profit,omitempty"` // zero = unset
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PnlAt returns the unrealized profit of the position marked at price.
func (p *Position) PnlAt(price decimal.Decimal) decimal.Decimal {
	if p.Side == Long {
		return price.Sub(p.AvgPrice).Mul(p.Qty)
	}
	return p.AvgPrice.Sub(price).Mul(p.Qty)
}

// Order is a trading instruction. Market orders fill synchronously at
// creation; limit orders rest in the pending set until the feed price
// crosses their limit or the user cancels.
type Order struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Qty          decimal.Decimal `json:"qty"`
	Price        decimal.Decimal `json:"price"` // execution price (market) or limit price
	Leverage     decimal.Decimal `json:"leverage"`
	StopLoss     decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   decimal.Decimal `json:"take_profit,omitempty"`
	ReduceOnly   bool            `json:"reduce_only"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Fee          decimal.Decimal `json:"fee"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Trade is an immutable record of a fill. Once created, these are never
// modified or deleted; win rate and the leaderboard derive from them.
type Trade struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

// LeaderboardEntry ranks a user by account equity with trade statistics.
type LeaderboardEntry struct {
	UserID      string          `json:"user_id"`
	TotalEquity decimal.Decimal `json:"total_equity"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	WinRate     decimal.Decimal `json:"win_rate"`
	TradeCount  int             `json:"trade_count"`
}
