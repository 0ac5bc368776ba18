package dedupe

// Option applies a configuration option to the in-memory deduper.
type Option func(*memDeduper)

// WithMaxSize bounds the number of keys kept in memory. Values <= 0
// switch to unbounded mode with no eviction.
func WithMaxSize(n int) Option {
	return func(d *memDeduper) { d.maxSize = n }
}
