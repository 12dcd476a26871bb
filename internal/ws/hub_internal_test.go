package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpsim/trade-engine/internal/cache"
	"github.com/perpsim/trade-engine/internal/engine"
	"github.com/perpsim/trade-engine/internal/event"
)

func TestProbeSessions_ReapsIdleSession(t *testing.T) {
	bus := event.NewBus(16)
	eng := engine.New(engine.DefaultConfig(), bus)
	reg := NewRegistry(eng, cache.NewMemoryCache(), Config{InactivityTimeout: time.Hour})

	srv := httptest.NewServer(http.HandlerFunc(reg.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var sess *Session
	waitFor(t, func() bool {
		reg.mu.RLock()
		defer reg.mu.RUnlock()
		for _, s := range reg.sessions {
			sess = s
			return true
		}
		return false
	})

	// A fresh session survives a probe.
	reg.probeSessions()
	reg.mu.RLock()
	n := len(reg.sessions)
	reg.mu.RUnlock()
	if n != 1 {
		t.Fatalf("live session reaped, %d sessions remain", n)
	}

	// Idle past the inactivity window: the next probe force-closes it.
	sess.touch(time.Now().Add(-2 * time.Hour))
	reg.probeSessions()

	reg.mu.RLock()
	n = len(reg.sessions)
	reg.mu.RUnlock()
	if n != 0 {
		t.Fatalf("idle session not reaped, %d sessions remain", n)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
