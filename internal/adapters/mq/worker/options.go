package worker

import (
	"github.com/okian/kinship/pkg/logger"
)

// PoolOption applies a configuration option to the Pool.
type PoolOption func(*Pool)

// WithPartitionBuffer sets the per-partition channel buffer size.
func WithPartitionBuffer(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithLogger sets a custom logger for the pool.
func WithLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}
