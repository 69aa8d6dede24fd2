// Package bus fans decoded frames out to independent consumers. Every
// consumer owns one bounded queue; the producer never blocks on a slow
// consumer, it evicts the unread frame and inserts the newer one.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irview/thermstream/pkg/types"
)

var (
	ErrBusClosed      = errors.New("bus: closed")
	ErrConsumerExists = errors.New("bus: consumer already registered")
	ErrQueueClosed    = errors.New("bus: queue closed")
	ErrTimeout        = errors.New("bus: take timed out")
)

// queueCap matches the reference behavior: a consumer only ever holds the
// most recent unread frame.
const queueCap = 1

// Stats tracks delivery counters for one consumer queue.
type Stats struct {
	Delivered uint64
	Dropped   uint64
}

// Queue is one consumer's bounded mailbox.
type Queue struct {
	id        string
	ch        chan *types.Frame
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Take blocks until a frame is available or the timeout expires. Expiry is
// reported as ErrTimeout rather than a panic or a nil frame, so feed loops
// can poll their stop flag between takes.
func (q *Queue) Take(timeout time.Duration) (*types.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return f, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// TryTake returns the queued frame without blocking.
func (q *Queue) TryTake() (*types.Frame, bool) {
	select {
	case f, ok := <-q.ch:
		return f, ok
	default:
		return nil, false
	}
}

// Stats returns a snapshot of the queue's delivery counters.
func (q *Queue) Stats() Stats {
	return Stats{Delivered: q.delivered.Load(), Dropped: q.dropped.Load()}
}

// ID returns the consumer ID the queue was registered under.
func (q *Queue) ID() string { return q.id }

// Bus distributes frames to registered consumer queues. State is owned by
// the instance; two sources never share queues.
type Bus struct {
	mu        sync.RWMutex
	queues    map[string]*Queue
	published atomic.Uint64
	closed    bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{queues: make(map[string]*Queue)}
}

// Register creates the bounded queue for a new consumer.
func (b *Bus) Register(id string) (*Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.queues[id]; exists {
		return nil, ErrConsumerExists
	}

	q := &Queue{id: id, ch: make(chan *types.Frame, queueCap)}
	b.queues[id] = q
	return q, nil
}

// Unregister removes a consumer and wakes any blocked Take with
// ErrQueueClosed.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[id]; ok {
		close(q.ch)
		delete(b.queues, id)
	}
}

// Publish offers the frame to every queue. A full queue has its unread
// frame evicted first, so the producer never waits and every consumer only
// ever observes frames in publish order.
func (b *Bus) Publish(f *types.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, q := range b.queues {
		select {
		case q.ch <- f:
			q.delivered.Add(1)
			continue
		default:
		}

		// Queue full: drop the oldest, then retry once. The retry can
		// still lose a race against a consumer that drained and refilled
		// nothing, in which case the send succeeds; if another publisher
		// somehow filled it, the frame is counted dropped.
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
		select {
		case q.ch <- f:
			q.delivered.Add(1)
		default:
			q.dropped.Add(1)
		}
	}
}

// Published returns the total number of frames offered to the bus.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Close shuts the bus down and wakes all blocked consumers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.ch)
	}
	b.queues = map[string]*Queue{}
}
