package twitch

import (
	"context"
	"sync"

	"github.com/pscheid92/chatguard/internal/domain"
)

// Queue is an unbounded FIFO of BotEvents. Push never blocks so the session
// read loop cannot be stalled by a slow consumer; memory grows instead.
type Queue struct {
	mu    sync.Mutex
	items []domain.BotEvent
	ready chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(ev domain.BotEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop blocks until an event is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (domain.BotEvent, error) {
	for {
		if ev, ok := q.tryPop(); ok {
			return ev, nil
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) tryPop() (domain.BotEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	// wake another consumer if work remains
	if len(q.items) > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return ev, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
