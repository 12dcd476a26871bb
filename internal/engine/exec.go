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

// executeOrderLocked fills order deterministically against order.Price,
// netting it against the user's existing position: open, weighted-average
// merge, partial close, full close, or flip. Returns the PnL realized by
// the fill (zero for pure opens).
func (e *Engine) executeOrderLocked(order *model.Order) decimal.Decimal {
	acct := e.book.account(order.UserID)
	price := order.Price
	pos := e.book.positionFor(order.UserID, e.cfg.Symbol)

	mark := e.lastPrice
	if !mark.IsPositive() {
		mark = price
	}

	fillQty := order.Qty
	realized := decimal.Zero
	now := time.Now().UTC()

	switch {
	case pos == nil:
		// Admission guarantees reduce-only orders oppose a live position,
		// so this branch always opens.
		e.openPositionLocked(order, order.Qty, price, mark)

	case model.PositionSideFor(order.Side) == pos.Side:
		// Same direction: weighted-average merge.
		newQty := pos.Qty.Add(order.Qty)
		pos.AvgPrice = pos.Qty.Mul(pos.AvgPrice).Add(order.Qty.Mul(price)).Div(newQty)
		pos.Qty = newQty
		e.remarginLocked(pos, mark)
		pos.UpdatedAt = now
		snapshot := *pos
		e.publish(event.PositionUpdate, order.UserID, snapshot)

	default:
		// Opposite direction: net against the position.
		closeQty := order.Qty
		remainder := decimal.Zero
		if closeQty.GreaterThan(pos.Qty) {
			if order.ReduceOnly {
				// Clamp: reduce-only never flips.
				closeQty = pos.Qty
			} else {
				remainder = closeQty.Sub(pos.Qty)
				closeQty = pos.Qty
			}
		}

		pnl := pos.AvgPrice.Sub(price).Mul(closeQty)
		if pos.Side == model.Long {
			pnl = price.Sub(pos.AvgPrice).Mul(closeQty)
		}
		realized = pnl
		acct.CashBalance = acct.CashBalance.Add(pnl)
		acct.RealizedPnl = acct.RealizedPnl.Add(pnl)

		pos.Qty = pos.Qty.Sub(closeQty)
		pos.RealizedPnl = pos.RealizedPnl.Add(pnl)
		pos.UpdatedAt = now
		if pos.Qty.IsZero() {
			e.book.removePosition(pos)
			snapshot := *pos
			e.publish(event.PositionClosed, order.UserID, snapshot)
		} else {
			e.remarginLocked(pos, mark)
			snapshot := *pos
			e.publish(event.PositionUpdate, order.UserID, snapshot)
		}

		if remainder.IsPositive() {
			// Flip: the excess opens a fresh position on the order's side
			// with realized PnL reset.
			e.openPositionLocked(order, remainder, price, mark)
		}
		fillQty = order.Qty
		if order.ReduceOnly {
			fillQty = closeQty
		}
	}

	feeRate := e.cfg.TakerFee
	if order.Type == model.Limit {
		feeRate = e.cfg.MakerFee
	}
	order.Fee = fillQty.Mul(price).Mul(feeRate)
	acct.CashBalance = acct.CashBalance.Sub(order.Fee)

	order.Status = model.StatusFilled
	order.FilledQty = fillQty
	order.AvgFillPrice = price
	order.UpdatedAt = now

	e.refreshAccountLocked(acct)

	trade := &model.Trade{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		UserID:      order.UserID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Price:       price,
		Qty:         fillQty,
		Fee:         order.Fee,
		RealizedPnl: realized,
		Timestamp:   now,
	}
	e.book.addTrade(trade)
	metrics.FillsTotal.Inc()

	orderSnap := *order
	acctSnap := *acct
	e.publish(event.OrderFilled, order.UserID, orderSnap)
	e.publish(event.BalanceUpdate, order.UserID, acctSnap)

	slog.Info("order filled",
		"order_id", order.ID,
		"user", order.UserID,
		"side", order.Side,
		"qty", fillQty.String(),
		"price", price.String(),
		"fee", order.Fee.String(),
		"realized_pnl", realized.String(),
	)
	return realized
}

// openPositionLocked opens a new position for the order's side.
func (e *Engine) openPositionLocked(order *model.Order, qty, price, mark decimal.Decimal) {
	now := time.Now().UTC()
	pos := &model.Position{
		ID:         uuid.New().String(),
		UserID:     order.UserID,
		Symbol:     order.Symbol,
		Side:       model.PositionSideFor(order.Side),
		Qty:        qty,
		AvgPrice:   price,
		Leverage:   order.Leverage,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.remarginLocked(pos, mark)
	e.book.addPosition(pos)
	snapshot := *pos
	e.publish(event.PositionUpdate, order.UserID, snapshot)
}

// remarginLocked recomputes margin, maintenance margin and the mark from
// the position's current size.
func (e *Engine) remarginLocked(pos *model.Position, mark decimal.Decimal) {
	pos.MarginUsed = pos.Qty.Mul(pos.AvgPrice).Div(pos.Leverage)
	pos.MaintenanceMargin = pos.MarginUsed.Mul(e.cfg.MaintenanceMarginRate)
	pos.MarkPrice = mark
	pos.UnrealizedPnl = pos.PnlAt(mark)
}
