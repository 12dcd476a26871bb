package engine

import (
	"sort"

	"github.com/perpsim/trade-engine/internal/model"
)

// arena owns all engine entities: one table per entity type keyed by id,
// with a secondary index from user id to owned entity ids. All access is
// guarded by the engine mutex; the arena itself takes no locks.
type arena struct {
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	orders    map[string]*model.Order
	trades    map[string]*model.Trade

	userPositions map[string][]string
	userOrders    map[string][]string
	userTrades    map[string][]string

	// pending holds resting limit order ids in admission order; trigger
	// scans fill them in the order they are encountered.
	pending []string
}

func newArena() *arena {
	return &arena{
		accounts:      make(map[string]*model.Account),
		positions:     make(map[string]*model.Position),
		orders:        make(map[string]*model.Order),
		trades:        make(map[string]*model.Trade),
		userPositions: make(map[string][]string),
		userOrders:    make(map[string][]string),
		userTrades:    make(map[string][]string),
	}
}

func (a *arena) addAccount(acct *model.Account) {
	a.accounts[acct.UserID] = acct
}

func (a *arena) account(userID string) *model.Account {
	return a.accounts[userID]
}

// userIDs returns all account ids sorted, so per-tick passes visit users in
// a stable order.
func (a *arena) userIDs() []string {
	ids := make([]string, 0, len(a.accounts))
	for id := range a.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *arena) addPosition(pos *model.Position) {
	a.positions[pos.ID] = pos
	a.userPositions[pos.UserID] = append(a.userPositions[pos.UserID], pos.ID)
}

func (a *arena) position(id string) *model.Position {
	return a.positions[id]
}

// positionFor returns the user's open position in symbol, or nil.
func (a *arena) positionFor(userID, symbol string) *model.Position {
	for _, id := range a.userPositions[userID] {
		if p := a.positions[id]; p != nil && p.Symbol == symbol {
			return p
		}
	}
	return nil
}

func (a *arena) removePosition(pos *model.Position) {
	delete(a.positions, pos.ID)
	ids := a.userPositions[pos.UserID]
	for i, id := range ids {
		if id == pos.ID {
			a.userPositions[pos.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (a *arena) positionsOf(userID string) []*model.Position {
	ids := a.userPositions[userID]
	out := make([]*model.Position, 0, len(ids))
	for _, id := range ids {
		if p := a.positions[id]; p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (a *arena) addOrder(o *model.Order) {
	a.orders[o.ID] = o
	a.userOrders[o.UserID] = append(a.userOrders[o.UserID], o.ID)
}

func (a *arena) order(id string) *model.Order {
	return a.orders[id]
}

func (a *arena) ordersOf(userID string) []*model.Order {
	ids := a.userOrders[userID]
	out := make([]*model.Order, 0, len(ids))
	for _, id := range ids {
		if o := a.orders[id]; o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (a *arena) addPending(orderID string) {
	a.pending = append(a.pending, orderID)
}

func (a *arena) removePending(orderID string) {
	for i, id := range a.pending {
		if id == orderID {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return
		}
	}
}

func (a *arena) addTrade(tr *model.Trade) {
	a.trades[tr.ID] = tr
	a.userTrades[tr.UserID] = append(a.userTrades[tr.UserID], tr.ID)
}

func (a *arena) tradesOf(userID string) []*model.Trade {
	ids := a.userTrades[userID]
	out := make([]*model.Trade, 0, len(ids))
	for _, id := range ids {
		if tr := a.trades[id]; tr != nil {
			out = append(out, tr)
		}
	}
	return out
}
