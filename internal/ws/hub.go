package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/perpsim/trade-engine/internal/cache"
	"github.com/perpsim/trade-engine/internal/engine"
	"github.com/perpsim/trade-engine/internal/event"
	"github.com/perpsim/trade-engine/internal/metrics"
	"github.com/perpsim/trade-engine/internal/model"
)

const leaderboardCacheKey = "leaderboard"

// Config holds the session layer parameters.
type Config struct {
	RateLimitPerSecond int
	InactivityTimeout  time.Duration
	PingInterval       time.Duration
	SendBuffer         int
}

// Registry tracks connected client sessions and dispatches both inbound
// commands and engine events. Command handling goes straight to the engine;
// engine events arrive on the bus and are routed to the owning user's
// sessions, bypassing the broadcast scheduler.
type Registry struct {
	cfg    Config
	engine *engine.Engine
	cache  cache.Cache

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	closed   bool

	upgrader websocket.Upgrader
}

// NewRegistry creates a session registry backed by eng and c.
func NewRegistry(eng *engine.Engine, c cache.Cache, cfg Config) *Registry {
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 2 * time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Registry{
		cfg:      cfg,
		engine:   eng,
		cache:    c,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request and runs the session pumps.
func (r *Registry) HandleWS(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sess := newSession(uuid.New().String(), conn, r.cfg.RateLimitPerSecond, r.cfg.SendBuffer)
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	total := len(r.sessions)
	r.mu.Unlock()
	metrics.Sessions.Set(float64(total))
	slog.Info("session connected", "session_id", sess.ID, "total", total)

	go r.writePump(sess)
	go r.readPump(sess)
}

func (r *Registry) readPump(sess *Session) {
	defer r.unregister(sess)
	conn := sess.conn

	conn.SetReadDeadline(time.Now().Add(r.cfg.InactivityTimeout))
	conn.SetPongHandler(func(string) error {
		sess.touch(time.Now())
		conn.SetReadDeadline(time.Now().Add(r.cfg.InactivityTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(r.cfg.InactivityTimeout))
		r.handleMessage(sess, data)
	}
}

func (r *Registry) writePump(sess *Session) {
	for msg := range sess.send {
		if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// Write failure: the read pump will observe the dead
			// connection and unregister.
			return
		}
	}
	sess.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	sess.conn.Close()
}

func (r *Registry) unregister(sess *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID)
	if uid := sess.User(); uid != "" {
		if peers := r.byUser[uid]; peers != nil {
			delete(peers, sess.ID)
			if len(peers) == 0 {
				delete(r.byUser, uid)
			}
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	sess.close()
	sess.conn.Close()
	metrics.Sessions.Set(float64(total))
	slog.Info("session disconnected", "session_id", sess.ID, "total", total)
}

// handleMessage parses and dispatches one inbound message. Protocol errors
// are reported on the session; the connection stays open.
func (r *Registry) handleMessage(sess *Session, data []byte) {
	now := time.Now()
	sess.touch(now)

	if !sess.allow(now) {
		metrics.RateLimitRejections.Inc()
		r.sendError(sess, "rate_limited", "message rate limit exceeded")
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		r.sendError(sess, "bad_payload", "malformed message envelope")
		return
	}

	switch req.Action {
	case "ping":
		r.send(sess, Response{Type: "pong"})
	case "auth":
		r.handleAuth(sess, req.Payload)
	case "subscribe":
		r.handleSubscribe(sess, req.Payload, true)
	case "unsubscribe":
		r.handleSubscribe(sess, req.Payload, false)
	case "place_order":
		r.handlePlaceOrder(sess, req.Payload)
	case "cancel_order":
		r.handleCancelOrder(sess, req.Payload)
	case "close_position":
		r.handleClosePosition(sess, req.Payload)
	case "get_positions":
		r.withUser(sess, func(uid string) {
			r.send(sess, Response{Type: "positions", Data: r.engine.Positions(uid)})
		})
	case "get_orders":
		r.withUser(sess, func(uid string) {
			r.send(sess, Response{Type: "orders", Data: r.engine.OpenOrders(uid)})
		})
	case "get_balance":
		r.withUser(sess, func(uid string) {
			acct, err := r.engine.Account(uid)
			if err != nil {
				r.sendError(sess, errorCode(err), err.Error())
				return
			}
			r.send(sess, Response{Type: "balance", Data: acct})
		})
	case "get_trade_history":
		r.withUser(sess, func(uid string) {
			r.send(sess, Response{Type: "trade_history", Data: r.engine.TradeHistory(uid)})
		})
	case "get_leaderboard":
		r.send(sess, Response{Type: "leaderboard", Data: r.Leaderboard(context.Background())})
	default:
		r.sendError(sess, "unknown_action", "unknown action: "+req.Action)
	}
}

func (r *Registry) handleAuth(sess *Session, payload json.RawMessage) {
	var p AuthPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			r.sendError(sess, "bad_payload", "malformed auth payload")
			return
		}
	}

	prev := sess.User()
	acct := r.engine.EnsureAccount(p.UserID)
	sess.setUser(acct.UserID)

	r.mu.Lock()
	// Re-authentication moves the session: drop the old user-index entry so
	// the previous user's private pushes stop reaching this session.
	if prev != "" && prev != acct.UserID {
		if old := r.byUser[prev]; old != nil {
			delete(old, sess.ID)
			if len(old) == 0 {
				delete(r.byUser, prev)
			}
		}
	}
	peers := r.byUser[acct.UserID]
	if peers == nil {
		peers = make(map[string]*Session)
		r.byUser[acct.UserID] = peers
	}
	peers[sess.ID] = sess
	r.mu.Unlock()

	slog.Info("session authenticated", "session_id", sess.ID, "user", acct.UserID)
	r.send(sess, Response{Type: "auth_success", Data: acct})
}

func (r *Registry) handleSubscribe(sess *Session, payload json.RawMessage, add bool) {
	var p SubscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.sendError(sess, "bad_payload", "malformed subscribe payload")
		return
	}
	kind := "subscribed"
	if add {
		sess.subscribe(p.Channels)
	} else {
		sess.unsubscribe(p.Channels)
		kind = "unsubscribed"
	}
	r.send(sess, Response{Type: kind, Data: map[string]any{"channels": sess.channels()}})
}

func (r *Registry) handlePlaceOrder(sess *Session, payload json.RawMessage) {
	r.withUser(sess, func(uid string) {
		var p PlaceOrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			r.sendError(sess, "bad_payload", "malformed order payload")
			return
		}
		side := model.Side(p.Side)
		if side != model.Buy && side != model.Sell {
			r.sendError(sess, "bad_payload", "side must be buy or sell")
			return
		}
		orderType := model.OrderType(p.OrderType)
		if orderType != model.Market && orderType != model.Limit {
			r.sendError(sess, "bad_payload", "orderType must be market or limit")
			return
		}

		order, err := r.engine.CreateOrder(uid, engine.OrderSpec{
			Side:       side,
			Type:       orderType,
			Qty:        p.Qty,
			Price:      p.Price,
			Leverage:   p.Leverage,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			ReduceOnly: p.ReduceOnly,
		})
		if err != nil {
			r.sendError(sess, errorCode(err), err.Error())
			return
		}
		r.send(sess, Response{Type: "order_response", Data: order})
	})
}

func (r *Registry) handleCancelOrder(sess *Session, payload json.RawMessage) {
	r.withUser(sess, func(uid string) {
		var p CancelOrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			r.sendError(sess, "bad_payload", "malformed cancel payload")
			return
		}
		order, err := r.engine.CancelOrder(uid, p.OrderID)
		if err != nil {
			r.sendError(sess, errorCode(err), err.Error())
			return
		}
		r.send(sess, Response{Type: "order_cancelled", Data: order})
	})
}

func (r *Registry) handleClosePosition(sess *Session, payload json.RawMessage) {
	r.withUser(sess, func(uid string) {
		var p ClosePositionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			r.sendError(sess, "bad_payload", "malformed close payload")
			return
		}
		order, err := r.engine.ClosePosition(uid, p.PositionID, p.Qty)
		if err != nil {
			r.sendError(sess, errorCode(err), err.Error())
			return
		}
		r.send(sess, Response{Type: "position_closed", Data: order})
	})
}

// withUser runs fn with the session's user id, rejecting unauthenticated
// sessions.
func (r *Registry) withUser(sess *Session, fn func(userID string)) {
	uid := sess.User()
	if uid == "" {
		r.sendError(sess, "unauthenticated", "authenticate first")
		return
	}
	fn(uid)
}

// Leaderboard returns the ranked accounts, read through the cache with a
// short TTL so bursts of requests do not hammer the engine.
func (r *Registry) Leaderboard(ctx context.Context) []model.LeaderboardEntry {
	if raw, ok := r.cache.Get(ctx, leaderboardCacheKey); ok {
		var entries []model.LeaderboardEntry
		if json.Unmarshal([]byte(raw), &entries) == nil {
			return entries
		}
	}
	entries := r.engine.Leaderboard(20)
	if data, err := json.Marshal(entries); err == nil {
		r.cache.Set(ctx, leaderboardCacheKey, string(data), 5*time.Second)
	}
	return entries
}

// Run consumes engine events and probes session liveness until ctx is
// cancelled. Must be called in a goroutine.
func (r *Registry) Run(ctx context.Context, events <-chan event.Event) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.dispatchEvent(ev)
		case <-ticker.C:
			r.probeSessions()
		}
	}
}

// dispatchEvent routes an engine event directly to the owning user's
// sessions, bypassing the broadcast scheduler. Liquidations additionally
// broadcast anonymized on the public liquidation channel.
func (r *Registry) dispatchEvent(ev event.Event) {
	msg, err := json.Marshal(Response{Type: string(ev.Type), Data: ev.Data})
	if err != nil {
		slog.Error("event marshal failed", "type", ev.Type, "err", err)
		return
	}

	if ev.UserID != "" {
		r.mu.RLock()
		for _, sess := range r.byUser[ev.UserID] {
			if !sess.enqueue(msg) {
				slog.Warn("event dropped, slow session", "session_id", sess.ID, "type", ev.Type)
			}
		}
		r.mu.RUnlock()
	}

	if ev.Type == event.Liquidation {
		if data, ok := ev.Data.(event.LiquidationData); ok {
			r.Broadcast("liquidations", data.Anonymized())
		}
	}
}

// Broadcast delivers data to every session subscribed to channel. Slow or
// closed sessions are skipped, never waited on.
func (r *Registry) Broadcast(channel string, data any) {
	msg, err := json.Marshal(Response{
		Type: "broadcast",
		Data: BroadcastData{Channel: channel, Data: data},
	})
	if err != nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if !sess.subscribed(channel) {
			continue
		}
		if !sess.enqueue(msg) {
			slog.Warn("broadcast dropped, slow session", "session_id", sess.ID, "channel", channel)
		}
	}
}

// probeSessions pings every session and force-closes those idle beyond the
// inactivity window.
func (r *Registry) probeSessions() {
	now := time.Now()

	r.mu.RLock()
	stale := make([]*Session, 0)
	live := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.idle(now) > r.cfg.InactivityTimeout {
			stale = append(stale, sess)
		} else {
			live = append(live, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range stale {
		slog.Info("closing idle session", "session_id", sess.ID)
		r.unregister(sess)
	}
	for _, sess := range live {
		// WriteControl is safe concurrently with the write pump.
		sess.conn.WriteControl(websocket.PingMessage, nil, now.Add(5*time.Second))
	}
}

// Shutdown stops accepting new sessions, waits for connected sessions to
// drain until ctx expires, then force-closes the remainder. The deadline is
// a hard timeout, not a retry.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.RLock()
		n := len(r.sessions)
		r.mu.RUnlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			r.mu.RLock()
			remaining := make([]*Session, 0, len(r.sessions))
			for _, sess := range r.sessions {
				remaining = append(remaining, sess)
			}
			r.mu.RUnlock()
			slog.Info("force closing sessions", "count", len(remaining))
			for _, sess := range remaining {
				r.unregister(sess)
			}
			return
		case <-ticker.C:
		}
	}
}

// send marshals and enqueues a response on the session.
func (r *Registry) send(sess *Session, resp Response) {
	msg, err := json.Marshal(resp)
	if err != nil {
		slog.Error("response marshal failed", "type", resp.Type, "err", err)
		return
	}
	if !sess.enqueue(msg) {
		slog.Warn("response dropped, slow session", "session_id", sess.ID, "type", resp.Type)
	}
}

func (r *Registry) sendError(sess *Session, code, message string) {
	r.send(sess, Response{Type: "error", Data: ErrorData{Code: code, Message: message}})
}
