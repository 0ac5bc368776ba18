package worker_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/okian/kinship/internal/adapters/mq/queue"
	"github.com/okian/kinship/internal/adapters/mq/worker"
	. "github.com/smartystreets/goconvey/convey"
)

// captureProc records the order units arrive per partition key and signals
// once the expected total has been processed.
type captureProc struct {
	mu   sync.Mutex
	seen map[string][]int
	n    int
	want int
	done chan struct{}
	fail func(u queue.Unit) error
}

func newCaptureProc(want int) *captureProc {
	return &captureProc{seen: make(map[string][]int), want: want, done: make(chan struct{})}
}

func (p *captureProc) Process(_ context.Context, u queue.Unit) error {
	var err error
	if p.fail != nil {
		err = p.fail(u)
	}
	key, seqStr, _ := strings.Cut(u.DedupKey, "|")
	seq, _ := strconv.Atoi(seqStr)

	p.mu.Lock()
	p.seen[key] = append(p.seen[key], seq)
	p.n++
	if p.n == p.want {
		close(p.done)
	}
	p.mu.Unlock()
	return err
}

func (p *captureProc) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not process all units in time")
	}
}

func seqUnit(key string, seq int) queue.Unit {
	return queue.Unit{
		DedupKey:     fmt.Sprintf("%s|%d", key, seq),
		PartitionKey: key,
		EnqueuedAt:   time.Now(),
	}
}

func TestPerKeyOrdering(t *testing.T) {
	Convey("Given a pool with more partitions than keys", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(1000))
		const perKey = 50
		keys := []string{"alice", "bob", "carol"}
		proc := newCaptureProc(len(keys) * perKey)
		p := worker.NewPool(8, q, proc)
		p.Start(ctx)

		Convey("When interleaved units for each key are enqueued", func() {
			for seq := 0; seq < perKey; seq++ {
				for _, k := range keys {
					So(q.Enqueue(ctx, seqUnit(k, seq)), ShouldBeTrue)
				}
			}
			proc.wait(t)
			So(p.Shutdown(ctx), ShouldBeNil)

			Convey("Then each key's units are processed in submission order", func() {
				for _, k := range keys {
					So(len(proc.seen[k]), ShouldEqual, perKey)
					for i, seq := range proc.seen[k] {
						So(seq, ShouldEqual, i)
					}
				}
			})
		})
	})
}

func TestProcessorErrorsDoNotStallThePool(t *testing.T) {
	Convey("Given a processor that fails on one unit", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		proc := newCaptureProc(10)
		proc.fail = func(u queue.Unit) error {
			if u.DedupKey == "alice|3" {
				return errors.New("boom")
			}
			return nil
		}
		p := worker.NewPool(2, q, proc)
		p.Start(ctx)

		Convey("When ten units flow through", func() {
			for seq := 0; seq < 10; seq++ {
				So(q.Enqueue(ctx, seqUnit("alice", seq)), ShouldBeTrue)
			}
			proc.wait(t)
			So(p.Shutdown(ctx), ShouldBeNil)

			Convey("Then the failing unit does not block its successors", func() {
				So(len(proc.seen["alice"]), ShouldEqual, 10)
				So(proc.seen["alice"][9], ShouldEqual, 9)
			})
		})
	})
}

func TestShutdownClosesTheQueue(t *testing.T) {
	Convey("Given a running pool", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		proc := newCaptureProc(1)
		p := worker.NewPool(2, q, proc)
		p.Start(ctx)

		So(q.Enqueue(ctx, seqUnit("alice", 0)), ShouldBeTrue)
		proc.wait(t)

		Convey("When the pool shuts down", func() {
			So(p.Shutdown(ctx), ShouldBeNil)

			Convey("Then the queue refuses further work", func() {
				So(q.IsClosed(), ShouldBeTrue)
				So(q.Enqueue(ctx, seqUnit("alice", 1)), ShouldBeFalse)
			})
		})
	})
}
