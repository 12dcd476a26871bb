// Package engine implements the position/margin/liquidation state machine:
// order admission and execution, mark-to-market on every price tick, and
// forced closes of under-margined positions. State changes are published as
// typed events on the bus; the engine owns no network state.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/event"
	"github.com/perpsim/trade-engine/internal/model"
)

// Config holds the engine's risk and fee parameters.
type Config struct {
	Symbol                string
	InitialBalance        decimal.Decimal
	MaxLeverage           decimal.Decimal
	DefaultLeverage       decimal.Decimal
	LiquidationThreshold  decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	MakerFee              decimal.Decimal
	TakerFee              decimal.Decimal
}

// DefaultConfig returns the standard simulator parameters.
func DefaultConfig() Config {
	return Config{
		Symbol:                "BTC-USD",
		InitialBalance:        decimal.NewFromInt(10000),
		MaxLeverage:           decimal.NewFromInt(100),
		DefaultLeverage:       decimal.NewFromInt(10),
		LiquidationThreshold:  decimal.NewFromFloat(0.8),
		MaintenanceMarginRate: decimal.NewFromFloat(0.005),
		MakerFee:              decimal.NewFromFloat(0.0002),
		TakerFee:              decimal.NewFromFloat(0.0005),
	}
}

// Engine orchestrates the ledger, position book and pending order book.
// A single mutex serializes all mutation; command handlers and the price
// tick handler never interleave partial updates.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	book      *arena
	bus       *event.Bus
	lastPrice decimal.Decimal
}

// New creates an engine publishing events on bus.
func New(cfg Config, bus *event.Bus) *Engine {
	if cfg.Symbol == "" {
		cfg.Symbol = "BTC-USD"
	}
	return &Engine{cfg: cfg, book: newArena(), bus: bus}
}

func (e *Engine) publish(t event.Type, userID string, data any) {
	if e.bus != nil {
		e.bus.Publish(event.Event{Type: t, UserID: userID, Data: data})
	}
}

// EnsureAccount returns the account for userID, provisioning one with the
// configured initial balance if none exists. An empty id provisions a fresh
// account under a generated id. Idempotent: a present-but-unknown id also
// provisions (this is a bearer identifier, not a security check).
func (e *Engine) EnsureAccount(userID string) model.Account {
	e.mu.Lock()
	defer e.mu.Unlock()

	if userID == "" {
		userID = uuid.New().String()
	}
	if acct := e.book.account(userID); acct != nil {
		return *acct
	}

	acct := &model.Account{
		UserID:           userID,
		CashBalance:      e.cfg.InitialBalance,
		TotalEquity:      e.cfg.InitialBalance,
		AvailableBalance: e.cfg.InitialBalance,
		CreatedAt:        time.Now().UTC(),
	}
	e.book.addAccount(acct)
	return *acct
}

// Account returns a snapshot of the user's ledger.
func (e *Engine) Account(userID string) (model.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct := e.book.account(userID)
	if acct == nil {
		return model.Account{}, ErrUserNotFound
	}
	return *acct, nil
}

// Positions returns snapshots of the user's open positions.
func (e *Engine) Positions(userID string) []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	src := e.book.positionsOf(userID)
	out := make([]model.Position, 0, len(src))
	for _, p := range src {
		out = append(out, *p)
	}
	return out
}

// OpenOrders returns snapshots of the user's resting (New) orders.
func (e *Engine) OpenOrders(userID string) []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.Order
	for _, o := range e.book.ordersOf(userID) {
		if o.Status == model.StatusNew {
			out = append(out, *o)
		}
	}
	if out == nil {
		out = []model.Order{}
	}
	return out
}

// TradeHistory returns the user's fills, oldest first.
func (e *Engine) TradeHistory(userID string) []model.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	src := e.book.tradesOf(userID)
	out := make([]model.Trade, 0, len(src))
	for _, tr := range src {
		out = append(out, *tr)
	}
	return out
}

// WinRate is the fraction of the user's trades that realized a profit,
// zero when no trades exist.
func (e *Engine) WinRate(userID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winRateLocked(userID)
}

func (e *Engine) winRateLocked(userID string) decimal.Decimal {
	trades := e.book.tradesOf(userID)
	if len(trades) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, tr := range trades {
		if tr.RealizedPnl.IsPositive() {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
}

// Leaderboard ranks accounts by total equity, highest first.
func (e *Engine) Leaderboard(limit int) []model.LeaderboardEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]model.LeaderboardEntry, 0, len(e.book.accounts))
	for _, uid := range e.book.userIDs() {
		acct := e.book.account(uid)
		entries = append(entries, model.LeaderboardEntry{
			UserID:      uid,
			TotalEquity: acct.TotalEquity,
			RealizedPnl: acct.RealizedPnl,
			WinRate:     e.winRateLocked(uid),
			TradeCount:  len(e.book.tradesOf(uid)),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalEquity.GreaterThan(entries[j].TotalEquity)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// CurrentPrice returns the engine's reference price (zero before the
// first tick).
func (e *Engine) CurrentPrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice
}

// refreshAccountLocked recomputes the derived ledger fields from the user's
// open positions. TotalEquity and AvailableBalance are never mutated
// anywhere else.
func (e *Engine) refreshAccountLocked(acct *model.Account) {
	margin := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range e.book.positionsOf(acct.UserID) {
		margin = margin.Add(p.MarginUsed)
		unrealized = unrealized.Add(p.UnrealizedPnl)
	}
	acct.MarginUsed = margin
	acct.UnrealizedPnl = unrealized
	acct.TotalEquity = acct.CashBalance.Add(unrealized)
	acct.AvailableBalance = acct.CashBalance.Sub(margin)

	// Admission rejects orders the balance cannot cover, so a negative
	// available balance can only come from losses realized after admission
	// (liquidations, triggered fills). Log it, never swallow it.
	if acct.AvailableBalance.IsNegative() {
		slog.Error("negative available balance",
			"user", acct.UserID,
			"available", acct.AvailableBalance.String(),
			"cash", acct.CashBalance.String(),
			"margin_used", margin.String(),
		)
	}
}
