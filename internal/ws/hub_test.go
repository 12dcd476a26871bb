package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/cache"
	"github.com/perpsim/trade-engine/internal/engine"
	"github.com/perpsim/trade-engine/internal/event"
	"github.com/perpsim/trade-engine/internal/model"
	"github.com/perpsim/trade-engine/internal/ws"
)

type testResp struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testEnv struct {
	eng *engine.Engine
	bus *event.Bus
	reg *ws.Registry
	srv *httptest.Server
}

func newTestEnv(t *testing.T, cfg ws.Config) *testEnv {
	t.Helper()
	bus := event.NewBus(256)
	eng := engine.New(engine.DefaultConfig(), bus)
	reg := ws.NewRegistry(eng, cache.NewMemoryCache(), cfg)
	srv := httptest.NewServer(http.HandlerFunc(reg.HandleWS))
	t.Cleanup(srv.Close)
	return &testEnv{eng: eng, bus: bus, reg: reg, srv: srv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil reads messages until one of the wanted type arrives, skipping
// interleaved pushes.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) testResp {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 50; i++ {
		var resp testResp
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read failed waiting for %s: %v", wantType, err)
		}
		if resp.Type == wantType {
			return resp
		}
	}
	t.Fatalf("no %s message observed", wantType)
	return testResp{}
}

func TestAuth_ProvisionsAccount(t *testing.T) {
	env := newTestEnv(t, ws.Config{})
	conn := env.dial(t)

	send(t, conn, `{"action":"auth","payload":{"userId":"alice"}}`)
	resp := readUntil(t, conn, "auth_success")

	var acct model.Account
	if err := json.Unmarshal(resp.Data, &acct); err != nil {
		t.Fatalf("bad auth_success payload: %v", err)
	}
	if acct.UserID != "alice" {
		t.Errorf("user id: got %s", acct.UserID)
	}
	if !acct.CashBalance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("initial balance: got %s", acct.CashBalance)
	}
}

func TestPlaceOrder_RoundTrip(t *testing.T) {
	env := newTestEnv(t, ws.Config{})
	env.eng.UpdateCurrentPrice(decimal.NewFromInt(50000))
	conn := env.dial(t)

	send(t, conn, `{"action":"auth","payload":{"userId":"alice"}}`)
	readUntil(t, conn, "auth_success")

	send(t, conn, `{"action":"place_order","payload":{"side":"buy","orderType":"market","qty":0.1,"leverage":10}}`)
	resp := readUntil(t, conn, "order_response")

	var order model.Order
	if err := json.Unmarshal(resp.Data, &order); err != nil {
		t.Fatalf("bad order payload: %v", err)
	}
	if order.Status != model.StatusFilled {
		t.Errorf("market order should be filled, got %s", order.Status)
	}

	send(t, conn, `{"action":"get_positions"}`)
	posResp := readUntil(t, conn, "positions")
	var positions []model.Position
	if err := json.Unmarshal(posResp.Data, &positions); err != nil {
		t.Fatalf("bad positions payload: %v", err)
	}
	if len(positions) != 1 || positions[0].Side != model.Long {
		t.Errorf("unexpected positions: %+v", positions)
	}

	send(t, conn, `{"action":"get_balance"}`)
	balResp := readUntil(t, conn, "balance")
	var acct model.Account
	if err := json.Unmarshal(balResp.Data, &acct); err != nil {
		t.Fatalf("bad balance payload: %v", err)
	}
	if !acct.MarginUsed.Equal(decimal.NewFromInt(500)) {
		t.Errorf("margin used: expected 500, got %s", acct.MarginUsed)
	}
}

func TestUnknownAction_ErrorKeepsConnection(t *testing.T) {
	env := newTestEnv(t, ws.Config{})
	conn := env.dial(t)

	send(t, conn, `{"action":"frobnicate"}`)
	resp := readUntil(t, conn, "error")

	var errData ws.ErrorData
	json.Unmarshal(resp.Data, &errData)
	if errData.Code != "unknown_action" {
		t.Errorf("code: got %s", errData.Code)
	}

	// Connection must remain usable.
	send(t, conn, `{"action":"ping"}`)
	readUntil(t, conn, "pong")
}

func TestCommands_RequireAuth(t *testing.T) {
	env := newTestEnv(t, ws.Config{})
	conn := env.dial(t)

	send(t, conn, `{"action":"get_balance"}`)
	resp := readUntil(t, conn, "error")

	var errData ws.ErrorData
	json.Unmarshal(resp.Data, &errData)
	if errData.Code != "unauthenticated" {
		t.Errorf("code: got %s", errData.Code)
	}
}

func TestRateLimit_RejectsWithoutClosing(t *testing.T) {
	env := newTestEnv(t, ws.Config{RateLimitPerSecond: 2})
	conn := env.dial(t)

	send(t, conn, `{"action":"ping"}`)
	send(t, conn, `{"action":"ping"}`)
	send(t, conn, `{"action":"ping"}`)

	resp := readUntil(t, conn, "error")
	var errData ws.ErrorData
	json.Unmarshal(resp.Data, &errData)
	if errData.Code != "rate_limited" {
		t.Errorf("code: got %s", errData.Code)
	}

	// The connection survives; a later window admits messages again.
	time.Sleep(1100 * time.Millisecond)
	send(t, conn, `{"action":"ping"}`)
	readUntil(t, conn, "pong")
}

func TestEventRouting_UserPushAndAnonymizedBroadcast(t *testing.T) {
	env := newTestEnv(t, ws.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.reg.Run(ctx, env.bus.Subscribe())

	alice := env.dial(t)
	send(t, alice, `{"action":"auth","payload":{"userId":"alice"}}`)
	readUntil(t, alice, "auth_success")

	watcher := env.dial(t)
	send(t, watcher, `{"action":"subscribe","payload":{"channels":["liquidations"]}}`)
	readUntil(t, watcher, "subscribed")

	env.bus.Publish(event.Event{
		Type:   event.Liquidation,
		UserID: "alice",
		Data: event.LiquidationData{
			UserID:     "alice",
			PositionID: "p1",
			Symbol:     "BTC-USD",
			Side:       model.Long,
			Qty:        decimal.NewFromInt(1),
			Price:      decimal.NewFromInt(40000),
			Loss:       decimal.NewFromInt(-9000),
		},
	})

	// The owner receives the full payload directly.
	ownResp := readUntil(t, alice, "liquidation")
	var own event.LiquidationData
	if err := json.Unmarshal(ownResp.Data, &own); err != nil {
		t.Fatalf("bad liquidation payload: %v", err)
	}
	if own.UserID != "alice" || own.PositionID != "p1" {
		t.Errorf("owner payload should carry identity: %+v", own)
	}

	// Channel subscribers receive the anonymized broadcast.
	bResp := readUntil(t, watcher, "broadcast")
	var bd struct {
		Channel string                `json:"channel"`
		Data    event.LiquidationData `json:"data"`
	}
	if err := json.Unmarshal(bResp.Data, &bd); err != nil {
		t.Fatalf("bad broadcast payload: %v", err)
	}
	if bd.Channel != "liquidations" {
		t.Errorf("channel: got %s", bd.Channel)
	}
	if bd.Data.UserID != "" || bd.Data.PositionID != "" {
		t.Errorf("broadcast must be anonymized: %+v", bd.Data)
	}
	if !bd.Data.Loss.Equal(decimal.NewFromInt(-9000)) {
		t.Errorf("broadcast must keep loss: %+v", bd.Data)
	}
}

func TestBroadcast_OnlySubscribedChannels(t *testing.T) {
	env := newTestEnv(t, ws.Config{})

	sub := env.dial(t)
	send(t, sub, `{"action":"subscribe","payload":{"channels":["ticker"]}}`)
	readUntil(t, sub, "subscribed")

	other := env.dial(t)
	send(t, other, `{"action":"ping"}`)
	readUntil(t, other, "pong")

	env.reg.Broadcast("ticker", map[string]string{"price": "50000"})

	resp := readUntil(t, sub, "broadcast")
	var bd struct {
		Channel string `json:"channel"`
	}
	json.Unmarshal(resp.Data, &bd)
	if bd.Channel != "ticker" {
		t.Errorf("channel: got %s", bd.Channel)
	}

	// The unsubscribed session sees nothing.
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray testResp
	if err := other.ReadJSON(&stray); err == nil {
		t.Errorf("unsubscribed session received %+v", stray)
	}
}

func TestReauth_StopsOldUserPushes(t *testing.T) {
	env := newTestEnv(t, ws.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.reg.Run(ctx, env.bus.Subscribe())

	conn := env.dial(t)
	send(t, conn, `{"action":"auth","payload":{"userId":"alice"}}`)
	readUntil(t, conn, "auth_success")
	send(t, conn, `{"action":"auth","payload":{"userId":"bob"}}`)
	readUntil(t, conn, "auth_success")

	// Events for the new user still arrive.
	bobAcct, _ := env.eng.Account("bob")
	env.bus.Publish(event.Event{Type: event.BalanceUpdate, UserID: "bob", Data: bobAcct})
	resp := readUntil(t, conn, "balance_update")
	var got model.Account
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("bad balance payload: %v", err)
	}
	if got.UserID != "bob" {
		t.Errorf("push should be for bob, got %s", got.UserID)
	}

	// Events for the previous user must not reach this session.
	aliceAcct, _ := env.eng.Account("alice")
	env.bus.Publish(event.Event{Type: event.BalanceUpdate, UserID: "alice", Data: aliceAcct})
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray testResp
	if err := conn.ReadJSON(&stray); err == nil {
		t.Errorf("session still receives the old user's pushes: %+v", stray)
	}
}

func TestShutdown_ForceClosesAndRejectsNewSessions(t *testing.T) {
	env := newTestEnv(t, ws.Config{})

	conn := env.dial(t)
	send(t, conn, `{"action":"ping"}`)
	readUntil(t, conn, "pong")

	// An expired deadline skips the drain wait and force-closes immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.reg.Shutdown(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// New upgrades are rejected while shut down.
	resp, err := http.Get(env.srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}
