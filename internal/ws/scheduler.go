package ws

import (
	"context"
	"sync"
	"time"

	"github.com/perpsim/trade-engine/internal/metrics"
)

// Broadcaster delivers one channel event to every subscribed session.
type Broadcaster interface {
	Broadcast(channel string, data any)
}

// Scheduler decouples high-frequency feed events (ticker, order book, trade
// prints) from per-session delivery. Events queue unbounded; the drain loop
// removes a fixed-size batch, delivers it, then yields before draining
// again, so a burst of feed events cannot starve session handling.
// Engine-originated per-user events bypass the scheduler entirely.
type Scheduler struct {
	b        Broadcaster
	batch    int
	interval time.Duration

	mu    sync.Mutex
	queue []queuedEvent
	wake  chan struct{}
}

type queuedEvent struct {
	channel string
	data    any
}

// NewScheduler creates a scheduler draining up to batch events per step,
// yielding interval between steps.
func NewScheduler(b Broadcaster, batch int, interval time.Duration) *Scheduler {
	if batch <= 0 {
		batch = 10
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Scheduler{
		b:        b,
		batch:    batch,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends an event for broadcast on channel.
func (s *Scheduler) Enqueue(channel string, data any) {
	s.mu.Lock()
	s.queue = append(s.queue, queuedEvent{channel: channel, data: data})
	depth := len(s.queue)
	s.mu.Unlock()

	metrics.BroadcastQueueDepth.Set(float64(depth))
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. Must be called in a
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			batch := s.takeBatch()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				s.b.Broadcast(ev.channel, ev.data)
			}
			if s.depth() == 0 {
				break
			}
			// Backlog remains: schedule another drain instead of looping
			// synchronously.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
		}
	}
}

func (s *Scheduler) takeBatch() []queuedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.batch
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := make([]queuedEvent, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	metrics.BroadcastQueueDepth.Set(float64(len(s.queue)))
	return batch
}

func (s *Scheduler) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
