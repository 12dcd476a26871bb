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

// OrderSpec is the user-supplied portion of an order.
type OrderSpec struct {
	Side       model.Side
	Type       model.OrderType
	Qty        decimal.Decimal
	Price      decimal.Decimal // limit price; ignored for market orders
	Leverage   decimal.Decimal // zero → default leverage
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	ReduceOnly bool
}

// CreateOrder validates and admits an order for userID. Market orders
// execute immediately against the current feed price; limit orders rest in
// the pending set until triggered or cancelled.
//
// A reduce-only order must oppose an existing position; a reduce-only
// quantity exceeding the position size is clamped to it, never rejected.
func (e *Engine) CreateOrder(userID string, spec OrderSpec) (*model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createOrderLocked(userID, spec)
}

func (e *Engine) createOrderLocked(userID string, spec OrderSpec) (*model.Order, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.Observe(time.Since(start).Seconds()) }()

	acct := e.book.account(userID)
	if acct == nil {
		return nil, reject("user_not_found", ErrUserNotFound)
	}
	if !spec.Qty.IsPositive() {
		return nil, reject("invalid_qty", ErrInvalidQuantity)
	}

	lev := spec.Leverage
	if lev.IsZero() {
		lev = e.cfg.DefaultLeverage
	}
	one := decimal.NewFromInt(1)
	if lev.LessThan(one) || lev.GreaterThan(e.cfg.MaxLeverage) {
		return nil, reject("leverage", ErrLeverageExceeded)
	}

	var execPrice, feeRate decimal.Decimal
	switch spec.Type {
	case model.Limit:
		if !spec.Price.IsPositive() {
			return nil, reject("invalid_price", ErrInvalidPrice)
		}
		execPrice = spec.Price
		feeRate = e.cfg.MakerFee
	default:
		// Market orders price at the current feed price at admission time.
		if !e.lastPrice.IsPositive() {
			return nil, reject("no_price", ErrNoMarketPrice)
		}
		execPrice = e.lastPrice
		feeRate = e.cfg.TakerFee
	}

	fee := spec.Qty.Mul(execPrice).Mul(feeRate)
	if spec.ReduceOnly {
		pos := e.book.positionFor(userID, e.cfg.Symbol)
		if pos == nil || spec.Side != pos.Side.CloseSide() {
			return nil, reject("no_position", ErrPositionNotFound)
		}
	} else {
		required := spec.Qty.Mul(execPrice).Div(lev)
		if acct.AvailableBalance.LessThan(required.Add(fee)) {
			return nil, reject("balance", ErrInsufficientBalance)
		}
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:         uuid.New().String(),
		UserID:     userID,
		Symbol:     e.cfg.Symbol,
		Side:       spec.Side,
		Type:       spec.Type,
		Qty:        spec.Qty,
		Price:      execPrice,
		Leverage:   lev,
		StopLoss:   spec.StopLoss,
		TakeProfit: spec.TakeProfit,
		ReduceOnly: spec.ReduceOnly,
		Status:     model.StatusNew,
		Fee:        fee,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.book.addOrder(order)
	metrics.OrdersTotal.WithLabelValues(string(order.Type), string(order.Side)).Inc()

	if order.Type == model.Limit {
		e.book.addPending(order.ID)
		snapshot := *order
		e.publish(event.OrderCreated, userID, snapshot)
		slog.Info("limit order resting",
			"order_id", order.ID,
			"user", userID,
			"side", order.Side,
			"qty", order.Qty.String(),
			"price", order.Price.String(),
		)
	} else {
		e.executeOrderLocked(order)
	}

	snapshot := *order
	return &snapshot, nil
}

// CancelOrder cancels a resting order. Filled and Cancelled orders are
// terminal and cannot be cancelled.
func (e *Engine) CancelOrder(userID, orderID string) (*model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.book.order(orderID)
	if order == nil || order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	if order.Status != model.StatusNew {
		return nil, ErrCannotCancelFilled
	}

	order.Status = model.StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	e.book.removePending(orderID)

	snapshot := *order
	e.publish(event.OrderCancelled, userID, snapshot)
	slog.Info("order cancelled", "order_id", orderID, "user", userID)
	return &snapshot, nil
}

// ClosePosition closes qty of the user's position (full size when qty is
// zero) by submitting a reduce-only market order on the opposite side.
func (e *Engine) ClosePosition(userID, positionID string, qty decimal.Decimal) (*model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.book.account(userID) == nil {
		return nil, ErrUserNotFound
	}
	pos := e.book.position(positionID)
	if pos == nil || pos.UserID != userID {
		return nil, ErrPositionNotFound
	}
	if qty.IsZero() {
		qty = pos.Qty
	}
	if qty.GreaterThan(pos.Qty) {
		return nil, ErrCloseExceedsSize
	}

	return e.createOrderLocked(userID, OrderSpec{
		Side:       pos.Side.CloseSide(),
		Type:       model.Market,
		Qty:        qty,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
	})
}

func reject(reason string, err error) error {
	metrics.OrderRejections.WithLabelValues(reason).Inc()
	return err
}
