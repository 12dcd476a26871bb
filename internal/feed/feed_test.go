package feed_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/cache"
	"github.com/perpsim/trade-engine/internal/feed"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Enqueue(channel string, data any) {
	s.mu.Lock()
	s.events = append(s.events, channel)
	s.mu.Unlock()
}

func (s *recordingSink) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBackoffProgression(t *testing.T) {
	b := feed.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2.0}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := feed.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2.0, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		got := b.Next(2) // base 200ms, jitter window 100..300ms
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 300ms]", got)
		}
	}
}

func TestRunGivesUpAfterMaxReconnects(t *testing.T) {
	c := feed.New(feed.Config{
		URL:           "ws://127.0.0.1:1",
		Symbol:        "BTC-PERP",
		Backoff:       feed.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2.0},
		MaxReconnects: 3,
	}, func(decimal.Decimal) {}, &recordingSink{}, cache.NewMemoryCache())

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up after max reconnects")
	}
	if c.Status() != feed.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", c.Status())
	}
}

func TestRunDeliversTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgs := []string{
			`{"type":"ticker","symbol":"BTC-PERP","price":"50000"}`,
			`{"type":"trade","symbol":"BTC-PERP","data":{"qty":"1"}}`,
			`{"type":"orderbook","symbol":"BTC-PERP","data":{"bids":[],"asks":[]}}`,
			`{"type":"ticker","symbol":"BTC-PERP","price":"50100.5"}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var prices []decimal.Decimal
	sink := &recordingSink{}
	mem := cache.NewMemoryCache()

	c := feed.New(feed.Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:      "BTC-PERP",
		SnapshotTTL: time.Minute,
	}, func(p decimal.Decimal) {
		mu.Lock()
		prices = append(prices, p)
		mu.Unlock()
	}, sink, mem)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) == 2
	})
	waitFor(t, 2*time.Second, func() bool { return len(sink.channels()) == 4 })

	mu.Lock()
	if !prices[0].Equal(decimal.NewFromInt(50000)) {
		t.Errorf("first tick = %s, want 50000", prices[0])
	}
	if !prices[1].Equal(decimal.RequireFromString("50100.5")) {
		t.Errorf("second tick = %s, want 50100.5", prices[1])
	}
	mu.Unlock()

	got := sink.channels()
	want := []string{"ticker", "trades", "orderbook", "ticker"}
	for i, ch := range want {
		if got[i] != ch {
			t.Errorf("sink event %d: got %q, want %q", i, got[i], ch)
		}
	}

	if !c.Connected() {
		t.Error("client should report connected while the stream is live")
	}
	if _, ok := mem.HGet(context.Background(), "feed:ticker", "BTC-PERP"); !ok {
		t.Error("latest ticker snapshot missing from cache")
	}
	if _, ok := mem.Get(context.Background(), "feed:orderbook:BTC-PERP"); !ok {
		t.Error("orderbook snapshot missing from cache")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := feed.New(feed.Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol: "BTC-PERP",
	}, func(decimal.Decimal) {}, &recordingSink{}, cache.NewMemoryCache())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, c.Connected)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
	if c.Status() != feed.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", c.Status())
	}
}
