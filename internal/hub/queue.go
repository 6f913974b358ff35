package hub

import (
	"errors"
	"sync"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
)

var (
	ErrOffline     = errors.New("user is not connected")
	ErrQueueFull   = errors.New("outbound queue full")
	ErrQueueClosed = errors.New("outbound queue closed")
)

// DefaultQueueSize is the per-user outbound queue capacity.
const DefaultQueueSize = 1000

// Queue is a bounded outbound queue owned by one connected user. Producers
// never block: a push to a full or closed queue fails immediately.
type Queue struct {
	ch     chan domain.Envelope
	mu     sync.Mutex
	closed bool
}

func newQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan domain.Envelope, size)}
}

// TryPush enqueues env without blocking.
func (q *Queue) TryPush(env domain.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close marks the queue closed and closes C. Envelopes already buffered
// remain readable until drained. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan domain.Envelope {
	return q.ch
}

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
