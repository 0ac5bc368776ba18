// Package worker runs the partitioned pool that drains the unit queue.
// Units are routed by a hash of their partition key, so everything about
// one identity flows through a single serial stream and no two workers
// race on the same record.
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/okian/kinship/internal/adapters/mq/queue"
	"github.com/okian/kinship/pkg/logger"
	"github.com/okian/kinship/pkg/metrics"
)

// Default pool configuration constants.
const (
	defaultPartitionBuffer = 256
	metricsUpdateInterval  = 5 * time.Second
	poolShutdownTimeout    = 30 * time.Second
)

// Processor applies one pipeline unit. Implemented by the application
// engine.
type Processor interface {
	Process(ctx context.Context, u queue.Unit) error
}

// Queue defines how the pool receives units.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Unit
}

// Pool dispatches units to per-partition goroutines.
type Pool struct {
	queue      Queue
	proc       Processor
	partitions []chan queue.Unit
	bufferSize int

	shutdown chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu            sync.Mutex
	processed     int64
	lastMeasured  time.Time
	logger        logger.Logger
}

// NewPool creates a pool with the given number of partitions. Counts
// below one default to the CPU count.
func NewPool(partitionCount int, q Queue, proc Processor, opts ...PoolOption) *Pool {
	if partitionCount < 1 {
		partitionCount = runtime.NumCPU()
	}
	p := &Pool{
		queue:        q,
		proc:         proc,
		bufferSize:   defaultPartitionBuffer,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		lastMeasured: time.Now(),
		logger:       logger.Get().Named("worker-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.partitions = make([]chan queue.Unit, partitionCount)
	for i := range p.partitions {
		p.partitions[i] = make(chan queue.Unit, p.bufferSize)
	}
	metrics.UpdateWorkerActiveCount(partitionCount)
	metrics.UpdateWorkerIdleCount(partitionCount)
	metrics.UpdateWorkerMessagesPerSecond(0)
	return p
}

// Start launches the partition workers and the dispatcher. It returns
// immediately; the pool runs until the queue closes, ctx is cancelled, or
// Shutdown is called.
func (p *Pool) Start(ctx context.Context) {
	for i := range p.partitions {
		p.wg.Add(1)
		go p.runPartition(ctx, i)
	}
	go p.dispatch(ctx)
	go p.runMetricsUpdater(ctx)
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

// dispatch routes dequeued units to their partition. The partition send
// blocks when the partition is backed up, which is the desired behavior:
// it stalls only units hashing to a busy identity stream.
func (p *Pool) dispatch(ctx context.Context) {
	defer func() {
		for _, ch := range p.partitions {
			close(ch)
		}
	}()
	units := p.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case u, ok := <-units:
			if !ok {
				return
			}
			idx := p.partitionFor(u.PartitionKey)
			select {
			case p.partitions[idx] <- u:
			case <-ctx.Done():
				return
			case <-p.shutdown:
				return
			}
		}
	}
}

func (p *Pool) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.partitions)))
}

func (p *Pool) runPartition(ctx context.Context, idx int) {
	defer p.wg.Done()
	log := p.logger.Named(fmt.Sprintf("partition-%d", idx))
	for u := range p.partitions[idx] {
		p.processUnit(ctx, log, u)
	}
}

func (p *Pool) processUnit(ctx context.Context, log logger.Logger, u queue.Unit) {
	start := time.Now()
	err := p.proc.Process(ctx, u)
	metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))

	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "process_error")
		log.Error(ctx, "unit processing failed",
			logger.String("dedup_key", u.DedupKey),
			logger.Error(err))
		return
	}
	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
}

func (p *Pool) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.publishMetrics()
		}
	}
}

func (p *Pool) publishMetrics() {
	idle := 0
	for _, ch := range p.partitions {
		if len(ch) == 0 {
			idle++
		}
	}
	metrics.UpdateWorkerIdleCount(idle)

	p.mu.Lock()
	processed := p.processed
	elapsed := time.Since(p.lastMeasured).Seconds()
	p.processed = 0
	p.lastMeasured = time.Now()
	p.mu.Unlock()
	if elapsed > 0 {
		metrics.UpdateWorkerMessagesPerSecond(float64(processed) / elapsed)
	}
}

// Shutdown closes the queue, stops the dispatcher, and waits for the
// partitions to drain their buffers, bounded by ctx and the pool timeout.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	close(p.shutdown)

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()
	select {
	case <-p.done:
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("worker pool shutdown timed out: %w", shutdownCtx.Err())
	}
}
