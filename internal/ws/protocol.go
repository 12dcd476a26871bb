// Package ws implements the client-facing session layer: the WebSocket
// session registry (auth, channel subscriptions, rate limiting, liveness)
// and the broadcast scheduler that batches high-frequency feed events.
package ws

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/engine"
)

// Request is the inbound message envelope.
type Request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the outbound message envelope.
type Response struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ErrorData is the payload of an outbound error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BroadcastData wraps a channel broadcast payload.
type BroadcastData struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Inbound action payloads.

type AuthPayload struct {
	UserID string `json:"userId,omitempty"`
}

type SubscribePayload struct {
	Channels []string `json:"channels"`
}

type PlaceOrderPayload struct {
	Side       string          `json:"side"`
	OrderType  string          `json:"orderType"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Leverage   decimal.Decimal `json:"leverage,omitempty"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit decimal.Decimal `json:"takeProfit,omitempty"`
	ReduceOnly bool            `json:"reduceOnly,omitempty"`
}

type CancelOrderPayload struct {
	OrderID string `json:"orderId"`
}

type ClosePositionPayload struct {
	PositionID string          `json:"positionId"`
	Qty        decimal.Decimal `json:"qty,omitempty"`
}

// errorCode maps engine errors to stable protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, engine.ErrLeverageExceeded):
		return "leverage_exceeded"
	case errors.Is(err, engine.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, engine.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, engine.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, engine.ErrCannotCancelFilled):
		return "cannot_cancel_filled"
	case errors.Is(err, engine.ErrCloseExceedsSize):
		return "close_exceeds_size"
	case errors.Is(err, engine.ErrInvalidQuantity):
		return "invalid_qty"
	case errors.Is(err, engine.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, engine.ErrNoMarketPrice):
		return "no_market_price"
	default:
		return "internal"
	}
}
