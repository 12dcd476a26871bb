package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/event"
	"github.com/perpsim/trade-engine/internal/metrics"
	"github.com/perpsim/trade-engine/internal/model"
)

type closeReason int

const (
	reasonLiquidation closeReason = iota
	reasonStopLoss
	reasonTakeProfit
)

// UpdateCurrentPrice applies a feed tick: marks every open position, runs
// the liquidation and stop/take-profit checks, recomputes account equity,
// then fills any resting limit orders whose trigger condition holds. The
// whole pass runs under the engine mutex, atomic with respect to commands
// and other ticks.
func (e *Engine) UpdateCurrentPrice(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice = price
	metrics.TicksTotal.Inc()

	for _, uid := range e.book.userIDs() {
		acct := e.book.account(uid)

		type forced struct {
			pos    *model.Position
			reason closeReason
		}
		var toClose []forced

		for _, pos := range e.book.positionsOf(uid) {
			pos.MarkPrice = price
			pos.UnrealizedPnl = pos.PnlAt(price)
			pos.UpdatedAt = time.Now().UTC()
			snapshot := *pos
			e.publish(event.PositionUpdate, uid, snapshot)

			switch {
			case e.shouldLiquidate(acct, pos):
				toClose = append(toClose, forced{pos, reasonLiquidation})
			case stopLossHit(pos, price):
				toClose = append(toClose, forced{pos, reasonStopLoss})
			case takeProfitHit(pos, price):
				toClose = append(toClose, forced{pos, reasonTakeProfit})
			}
		}

		// Forced closes run after the scan; each is an ordinary fill and the
		// closed position is gone, so it is never re-evaluated this tick.
		for _, f := range toClose {
			e.forceCloseLocked(acct, f.pos, f.reason)
		}

		e.refreshAccountLocked(acct)
		acctSnap := *acct
		e.publish(event.BalanceUpdate, uid, acctSnap)
	}

	e.triggerPendingLocked(price)
}

// shouldLiquidate applies the maintenance margin test. The bound is
// inclusive: a position exactly at the threshold is liquidated. A
// non-positive denominator means equity is gone entirely.
func (e *Engine) shouldLiquidate(acct *model.Account, pos *model.Position) bool {
	denom := acct.CashBalance.Add(pos.UnrealizedPnl)
	if !denom.IsPositive() {
		return true
	}
	ratio := pos.MaintenanceMargin.Div(denom)
	return ratio.GreaterThanOrEqual(e.cfg.LiquidationThreshold)
}

func stopLossHit(pos *model.Position, price decimal.Decimal) bool {
	if pos.StopLoss.IsZero() {
		return false
	}
	if pos.Side == model.Long {
		return price.LessThanOrEqual(pos.StopLoss)
	}
	return price.GreaterThanOrEqual(pos.StopLoss)
}

func takeProfitHit(pos *model.Position, price decimal.Decimal) bool {
	if pos.TakeProfit.IsZero() {
		return false
	}
	if pos.Side == model.Long {
		return price.GreaterThanOrEqual(pos.TakeProfit)
	}
	return price.LessThanOrEqual(pos.TakeProfit)
}

// forceCloseLocked closes the full position via the same path as a
// user-initiated close: a reduce-only opposite market order.
func (e *Engine) forceCloseLocked(acct *model.Account, pos *model.Position, reason closeReason) {
	now := time.Now().UTC()
	order := &model.Order{
		ID:         uuid.New().String(),
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Side:       pos.Side.CloseSide(),
		Type:       model.Market,
		Qty:        pos.Qty,
		Price:      e.lastPrice,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
		Status:     model.StatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.book.addOrder(order)

	side := pos.Side
	qty := pos.Qty
	posID := pos.ID
	realized := e.executeOrderLocked(order)

	switch reason {
	case reasonLiquidation:
		metrics.LiquidationsTotal.Inc()
		e.publish(event.Liquidation, pos.UserID, event.LiquidationData{
			UserID:     pos.UserID,
			PositionID: posID,
			Symbol:     pos.Symbol,
			Side:       side,
			Qty:        qty,
			Price:      e.lastPrice,
			Loss:       realized,
		})
		slog.Warn("position liquidated",
			"user", pos.UserID,
			"position_id", posID,
			"side", side,
			"qty", qty.String(),
			"price", e.lastPrice.String(),
			"loss", realized.String(),
		)
	case reasonStopLoss:
		slog.Info("stop loss triggered", "user", pos.UserID, "position_id", posID, "price", e.lastPrice.String())
	case reasonTakeProfit:
		slog.Info("take profit triggered", "user", pos.UserID, "position_id", posID, "price", e.lastPrice.String())
	}
}

// triggerPendingLocked fills resting limit orders whose trigger holds at
// price: buys when price <= limit, sells when price >= limit. Orders fill
// at their limit price in admission order; no price-time priority across
// users exists on this single synthetic venue.
func (e *Engine) triggerPendingLocked(price decimal.Decimal) {
	ids := make([]string, len(e.book.pending))
	copy(ids, e.book.pending)

	for _, id := range ids {
		order := e.book.order(id)
		if order == nil || order.Status != model.StatusNew {
			e.book.removePending(id)
			continue
		}
		triggered := (order.Side == model.Buy && price.LessThanOrEqual(order.Price)) ||
			(order.Side == model.Sell && price.GreaterThanOrEqual(order.Price))
		if !triggered {
			continue
		}
		e.book.removePending(id)

		// The position may have changed since admission; a reduce-only
		// order whose position vanished is cancelled rather than filled.
		if order.ReduceOnly {
			pos := e.book.positionFor(order.UserID, order.Symbol)
			if pos == nil || order.Side != pos.Side.CloseSide() {
				order.Status = model.StatusCancelled
				order.UpdatedAt = time.Now().UTC()
				snapshot := *order
				e.publish(event.OrderCancelled, order.UserID, snapshot)
				continue
			}
		}
		e.executeOrderLocked(order)
	}
}
