package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one client connection. It is created on connect, destroyed on
// disconnect, and never outlives the connection; user/ledger state lives in
// the engine, not here.
type Session struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	mu           sync.Mutex
	userID       string // empty until authenticated
	subs         map[string]struct{}
	lastActivity time.Time

	// fixed-window rate limit: at most `limit` inbound messages per
	// 1-second window.
	windowStart time.Time
	windowCount int
	limit       int

	closed    bool
	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, limit, sendBuffer int) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		subs:         make(map[string]struct{}),
		lastActivity: time.Now(),
		limit:        limit,
	}
}

// allow applies the fixed-window counter. Exceeding the limit rejects the
// message; it never closes the connection.
func (s *Session) allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		s.windowCount = 0
	}
	s.windowCount++
	return s.windowCount <= s.limit
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) setUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// User returns the authenticated user id, empty if unauthenticated.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) subscribe(channels []string) {
	s.mu.Lock()
	for _, ch := range channels {
		s.subs[ch] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *Session) unsubscribe(channels []string) {
	s.mu.Lock()
	for _, ch := range channels {
		delete(s.subs, ch)
	}
	s.mu.Unlock()
}

func (s *Session) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[channel]
	return ok
}

func (s *Session) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		out = append(out, ch)
	}
	return out
}

// enqueue hands msg to the write pump without blocking. A slow or closed
// session drops the message rather than stalling delivery to others. The
// send happens under the session mutex so it never races close.
func (s *Session) enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
	})
}
