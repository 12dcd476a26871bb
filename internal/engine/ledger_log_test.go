package engine_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/perpsim/trade-engine/internal/engine"
	"github.com/perpsim/trade-engine/internal/model"
)

// A liquidation loss can push cash below the margin still in use; that state
// is logged as an error, never silently absorbed.
func TestNegativeAvailableBalanceIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	eng, _ := newTestEngine(t)
	eng.UpdateCurrentPrice(d(50000))
	mustOrder(t, eng, "u1", engine.OrderSpec{Side: model.Buy, Type: model.Market, Qty: d(1), Leverage: d(100)})

	// Way past the liquidation price: the realized loss exceeds cash.
	eng.UpdateCurrentPrice(d(30000))

	acct, err := eng.Account("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(eng.Positions("u1")) != 0 {
		t.Fatal("position should have been liquidated")
	}
	if !acct.CashBalance.IsNegative() {
		t.Fatalf("cash should be negative after the loss, got %s", acct.CashBalance)
	}
	if !strings.Contains(buf.String(), "negative available balance") {
		t.Error("negative available balance was not logged")
	}
}
