package service

import (
	"context"
	"sync"

	"github.com/okian/kinship/internal/domain/types"
)

// ReviewSink receives review-band match proposals. Implementations hand
// them to whatever review workflow the deployment has; the engine never
// applies them itself.
type ReviewSink interface {
	Publish(ctx context.Context, item types.ReviewItem) error
}

// MemoryReviewLog is the default sink: an in-memory, append-only list of
// pending review items.
type MemoryReviewLog struct {
	mu    sync.RWMutex
	items []types.ReviewItem
}

// NewMemoryReviewLog creates an empty review log.
func NewMemoryReviewLog() *MemoryReviewLog {
	return &MemoryReviewLog{}
}

// Publish appends the item.
func (l *MemoryReviewLog) Publish(_ context.Context, item types.ReviewItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
	return nil
}

// Pending returns a copy of the logged items in publish order.
func (l *MemoryReviewLog) Pending() []types.ReviewItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.ReviewItem, len(l.items))
	copy(out, l.items)
	return out
}

// Take removes and returns the item with the given id, if present.
func (l *MemoryReviewLog) Take(id string) (types.ReviewItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, item := range l.items {
		if item.ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return item, true
		}
	}
	return types.ReviewItem{}, false
}
