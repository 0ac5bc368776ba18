// Package queue carries pipeline units from ingestion to the partitioned
// worker pool. The in-memory implementation is a bounded channel with
// non-blocking enqueue; callers treat a false return as backpressure and
// unrecord the unit's dedup key so it can be retried.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultCapacity = 100000
)

// Unit is one piece of pipeline work: either a contact candidate to
// resolve or an interaction event to record. PartitionKey routes all
// units about the same person to the same worker partition so per-identity
// order is preserved.
type Unit struct {
	DedupKey     string
	PartitionKey string
	Candidate    *model.ContactCandidate
	Interaction  *model.Interaction
	EnqueuedAt   time.Time
}

// Queue provides non-blocking enqueue and channel-based dequeue.
type Queue interface {
	// Enqueue adds a unit. Returns false when the queue is full, closed,
	// or the context is done; the unit was not accepted.
	Enqueue(ctx context.Context, u Unit) bool

	// Dequeue returns a channel yielding units as they become available.
	// The channel closes when the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan Unit

	// Len returns the number of units currently queued.
	Len(ctx context.Context) int

	// Close stops accepting units. Queued units still drain.
	Close() error

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}

// InMemoryQueue implements Queue over a buffered channel.
type InMemoryQueue struct {
	units    chan Unit
	capacity int
	mu       sync.RWMutex
	closed   bool
}

// NewInMemoryQueue creates an in-memory queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.units = make(chan Unit, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	metrics.UpdateQueueUtilization(0)
	return q
}

// Enqueue adds a unit without blocking.
func (q *InMemoryQueue) Enqueue(ctx context.Context, u Unit) bool {
	start := time.Now()
	defer func() {
		metrics.RecordQueueProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "closed")
		return false
	}

	select {
	case q.units <- u:
		metrics.RecordQueueEnqueue()
		q.publishSize()
		return true
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "context_cancelled")
		return false
	default:
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "queue_full")
		return false
	}
}

// Dequeue returns a channel of units, closed when the queue drains after
// Close or when ctx is done.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Unit {
	out := make(chan Unit)
	go func() {
		defer close(out)
		for u := range q.units {
			select {
			case out <- u:
				metrics.RecordQueueDequeue()
				q.publishSize()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current number of queued units.
func (q *InMemoryQueue) Len(ctx context.Context) int {
	q.publishSize()
	return len(q.units)
}

// Close stops accepting units and lets consumers drain the backlog.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.units)
	q.closed = true
	return nil
}

// IsClosed reports whether the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *InMemoryQueue) publishSize() {
	size := len(q.units)
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
}
