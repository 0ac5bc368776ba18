// Package dedupe tracks pipeline dedup keys so re-submitted candidate
// batches and interaction events are acknowledged without being applied
// twice.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultMaxSize = 50000

// Deduper records dedup keys for at-most-once processing of pipeline
// units.
type Deduper interface {
	// SeenAndRecord atomically checks whether key was seen and records it
	// if not. Returns true when the key was already present.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord forgets a key so the unit can be retried. Used when a unit
	// was marked seen but never made it into the pipeline, e.g. queue
	// backpressure on enqueue.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

type entry struct {
	key  string
	next *entry
}

func (n *entry) reset() {
	n.key = ""
	n.next = nil
}

// memDeduper keeps keys in a map, optionally bounded. In bounded mode a
// singly linked list ordered newest-first backs eviction: when full, the
// oldest recorded key is dropped. Unbounded mode is a plain map.
type memDeduper struct {
	mu      sync.Mutex
	seen    map[string]*entry // key -> list node; value nil in unbounded mode
	newest  *entry
	maxSize int // <= 0 means unbounded
	size    atomic.Int64
	pool    sync.Pool
}

// NewInMemory creates an in-memory deduper.
func NewInMemory(opts ...Option) Deduper {
	d := &memDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]*entry)
	if d.maxSize > 0 {
		d.pool = sync.Pool{New: func() interface{} { return &entry{} }}
	}
	return d
}

func (d *memDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}

	if d.maxSize <= 0 {
		d.seen[key] = nil
		d.size.Add(1)
		return false
	}

	if len(d.seen) >= d.maxSize {
		d.evictOldest()
	}
	n := d.pool.Get().(*entry)
	n.key = key
	n.next = d.newest
	d.newest = n
	d.seen[key] = n
	d.size.Add(1)
	return false
}

func (d *memDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.seen[key]
	if !ok {
		return
	}
	delete(d.seen, key)
	d.size.Add(-1)
	if d.maxSize <= 0 {
		return
	}

	if d.newest == n {
		d.newest = n.next
	} else {
		for cur := d.newest; cur != nil; cur = cur.next {
			if cur.next == n {
				cur.next = n.next
				break
			}
		}
	}
	n.reset()
	d.pool.Put(n)
}

// evictOldest drops the tail of the list. Caller holds d.mu.
func (d *memDeduper) evictOldest() {
	if d.newest == nil {
		return
	}
	var prev *entry
	cur := d.newest
	for cur.next != nil {
		prev = cur
		cur = cur.next
	}
	if prev == nil {
		d.newest = nil
	} else {
		prev.next = nil
	}
	delete(d.seen, cur.key)
	cur.reset()
	d.pool.Put(cur)
	d.size.Add(-1)
}

func (d *memDeduper) Size() int64 {
	return d.size.Load()
}
