package service

import (
	"time"

	"github.com/okian/kinship/internal/domain/interest"
	"github.com/okian/kinship/internal/domain/match"
	"github.com/okian/kinship/internal/domain/merge"
	"github.com/okian/kinship/internal/domain/score"
	"github.com/okian/kinship/pkg/logger"
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithPartitionCount sets the number of worker partitions.
func WithPartitionCount(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.partitionCount = n
		}
	}
}

// WithQueueSize sets the unit queue capacity.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithDedupeSize bounds the dedup-key cache.
func WithDedupeSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.dedupeSize = n
		}
	}
}

// WithStoreRetries bounds retries against a transiently failing store.
func WithStoreRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.storeRetries = n
		}
	}
}

// WithRetryBackoff sets the initial backoff between store retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryBackoff = d
		}
	}
}

// WithMatcher replaces the default candidate matcher.
func WithMatcher(m *match.Matcher) Option {
	return func(e *Engine) {
		if m != nil {
			e.matcher = m
		}
	}
}

// WithResolver replaces the default merge resolver.
func WithResolver(r *merge.Resolver) Option {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
		}
	}
}

// WithScorer replaces the default relationship scorer.
func WithScorer(s *score.Scorer) Option {
	return func(e *Engine) {
		if s != nil {
			e.scorer = s
		}
	}
}

// WithInterestEngine replaces the default interest engine.
func WithInterestEngine(ie *interest.Engine) Option {
	return func(e *Engine) {
		if ie != nil {
			e.interests = ie
		}
	}
}

// WithReviewSink sets where review-band items are published.
func WithReviewSink(s ReviewSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.reviews = s
		}
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}
