// Package config defines service configuration structures and loading hooks.
//
// Every heuristic constant in the resolution pipeline is a tuning knob
// here, not a correctness requirement: thresholds, weights, trust tables,
// and decay rates all layer from defaults, an optional YAML file, and
// KINSHIP_-prefixed environment variables.
package config

import (
	"runtime"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the operational HTTP listen address (metrics,
	// health), e.g. ":9080".
	Addr string `koanf:"addr"`

	// StorePath selects the SQLite database file. Empty means the
	// in-memory store.
	StorePath string `koanf:"store_path"`

	// ShardCount configures the in-memory store's shard count.
	ShardCount int `koanf:"shard_count"`

	// QueueSize bounds the in-memory unit queue.
	QueueSize int `koanf:"queue_size"`

	// PartitionCount sets the number of worker partitions. Units hash to
	// a partition by identity, preserving per-identity order.
	PartitionCount int `koanf:"partition_count"`

	// DedupeSize bounds the dedup-key cache.
	DedupeSize int `koanf:"dedupe_size"`

	// StoreRetries bounds retries against a transiently failing store.
	StoreRetries int `koanf:"store_retries"`

	// Matching thresholds: scores at or above AutoMergeThreshold merge
	// automatically; scores in [ReviewThreshold, AutoMergeThreshold) go
	// to manual review.
	AutoMergeThreshold float64 `koanf:"auto_merge_threshold"`
	ReviewThreshold    float64 `koanf:"review_threshold"`

	// Similarity term weights.
	EmailWeight   float64 `koanf:"email_weight"`
	PhoneWeight   float64 `koanf:"phone_weight"`
	NameWeight    float64 `koanf:"name_weight"`
	CompanyWeight float64 `koanf:"company_weight"`

	// SourceTrust maps sources to base trust in [0,1] for conflict
	// resolution; FieldTrust overrides per "field.source" pairs.
	SourceTrust map[string]float64 `koanf:"source_trust"`
	FieldTrust  map[string]float64 `koanf:"field_trust"`

	// ProvenanceHalfLifeDays controls how fast an observation's say in
	// conflicts fades.
	ProvenanceHalfLifeDays float64 `koanf:"provenance_half_life_days"`

	// DecayRate is the per-day exponential decay constant for the
	// relationship strength sum.
	DecayRate float64 `koanf:"decay_rate"`

	// Saturation shapes how fast strength approaches 1.
	Saturation float64 `koanf:"saturation"`

	// TypeWeights maps interaction types to their contribution;
	// DefaultTypeWeight covers unknown types.
	TypeWeights       map[string]float64 `koanf:"type_weights"`
	DefaultTypeWeight float64            `koanf:"default_type_weight"`

	// Interest knobs: reinforcement rate, per-day decay multiplier, and
	// the archive floor.
	InterestAlpha       float64 `koanf:"interest_alpha"`
	InterestDecayFactor float64 `koanf:"interest_decay_factor"`
	InterestFloor       float64 `koanf:"interest_floor"`

	// DecayIntervalMinutes schedules the background decay passes.
	DecayIntervalMinutes int `koanf:"decay_interval_minutes"`
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:       "info",
		Addr:           ":9080",
		ShardCount:     8,
		QueueSize:      100_000,
		PartitionCount: runtime.NumCPU() * 2,
		DedupeSize:     50_000,
		StoreRetries:   3,

		AutoMergeThreshold: 0.85,
		ReviewThreshold:    0.60,
		EmailWeight:        0.40,
		PhoneWeight:        0.25,
		NameWeight:         0.20,
		CompanyWeight:      0.15,

		SourceTrust: map[string]float64{
			"manual":   1.0,
			"linkedin": 0.9,
			"calendar": 0.8,
			"email":    0.7,
			"import":   0.6,
			"unknown":  0.5,
		},
		FieldTrust:             map[string]float64{},
		ProvenanceHalfLifeDays: 180,

		DecayRate:  0.02,
		Saturation: 0.25,
		TypeWeights: map[string]float64{
			"meeting": 3.0,
			"call":    2.0,
			"email":   1.0,
			"note":    0.5,
		},
		DefaultTypeWeight: 1.0,

		InterestAlpha:       0.3,
		InterestDecayFactor: 0.98,
		InterestFloor:       0.05,

		DecayIntervalMinutes: 60,
	}
}
