// Package score folds interaction events into per-identity running
// statistics and derives a bounded, time-decaying relationship strength.
//
// The running state is a decayed sum: each interaction contributes
// w(type) discounted by exp(-lambda * ageDays). Strength is the
// saturating transform 1 - exp(-k * sum), clamped to [0,1]. Updates are
// incremental; Recompute exists for periodic drift correction only.
package score

import (
	"math"
	"time"

	"github.com/okian/kinship/internal/domain/model"
)

// Default scoring configuration constants.
const (
	defaultLambda     = 0.02 // per-day decay; half-life around 35 days
	defaultSaturation = 0.25 // k in the strength transform

	hoursPerDay  = 24
	daysPerMonth = 30
)

// Default per-interaction-type weights: meetings outweigh calls outweigh
// emails outweigh manual notes.
var defaultTypeWeights = map[model.InteractionType]float64{
	model.InteractionMeeting: 3.0,
	model.InteractionCall:    2.0,
	model.InteractionEmail:   1.0,
	model.InteractionNote:    0.5,
}

// Relationship tier thresholds, highest first.
var tierThresholds = []struct {
	floor float64
	name  string
}{
	{0.8, "inner_circle"},
	{0.6, "strong_network"},
	{0.4, "active_network"},
	{0.2, "peripheral"},
	{0.0, "dormant"},
}

// Option applies a configuration option to the Scorer.
type Option func(*Scorer)

// WithDecayRate sets the per-day exponential decay constant lambda.
func WithDecayRate(lambda float64) Option {
	return func(s *Scorer) {
		if lambda > 0 {
			s.lambda = lambda
		}
	}
}

// WithSaturation sets the k constant in the strength transform.
func WithSaturation(k float64) Option {
	return func(s *Scorer) {
		if k > 0 {
			s.k = k
		}
	}
}

// WithTypeWeightsFromConfig sets interaction type weights from a
// configuration map.
func WithTypeWeightsFromConfig(weights map[string]float64, defaultWeight float64) Option {
	return func(s *Scorer) {
		s.weights = make(map[model.InteractionType]float64)
		for t, w := range weights {
			if w > 0 {
				s.weights[model.InteractionType(t)] = w
			}
		}
		if defaultWeight > 0 {
			s.defaultWeight = defaultWeight
		}
	}
}

// Scorer computes relationship strength from interaction history. All
// methods are pure: state goes in, state comes out, nothing blocks.
type Scorer struct {
	lambda        float64
	k             float64
	weights       map[model.InteractionType]float64
	defaultWeight float64
}

// New constructs a Scorer with default constants.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		lambda:        defaultLambda,
		k:             defaultSaturation,
		weights:       defaultTypeWeights,
		defaultWeight: 0.5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Weight returns the configured weight for an interaction type.
func (s *Scorer) Weight(t model.InteractionType) float64 {
	if w, ok := s.weights[t]; ok {
		return w
	}
	return s.defaultWeight
}

// Advance moves the running state forward to asOf with no new evidence:
// pure decay. Strength never increases here; moving backwards in time is
// a no-op so replays cannot inflate a score.
func (s *Scorer) Advance(stats model.RelationshipStats, asOf time.Time) model.RelationshipStats {
	if stats.AnchorAt.IsZero() || !asOf.After(stats.AnchorAt) {
		return stats
	}
	ageDays := asOf.Sub(stats.AnchorAt).Hours() / hoursPerDay
	stats.DecayedSum *= math.Exp(-s.lambda * ageDays)
	stats.AnchorAt = asOf
	stats.Strength = s.strength(stats.DecayedSum)
	stats.MonthlyFrequency = s.monthlyFrequency(stats, asOf)
	stats.Tier = Tier(stats.Strength)
	stats.FrequencyLabel = FrequencyLabel(stats.MonthlyFrequency)
	return stats
}

// Record folds one interaction into the running state incrementally:
// decay to the event time, then add the type weight. The full history is
// never consulted.
func (s *Scorer) Record(stats model.RelationshipStats, in model.Interaction) model.RelationshipStats {
	if stats.AnchorAt.IsZero() {
		stats.AnchorAt = in.OccurredAt
	}
	if in.OccurredAt.After(stats.AnchorAt) {
		stats = s.Advance(stats, in.OccurredAt)
		stats.DecayedSum += s.Weight(in.Type)
	} else {
		// Late event: discount its weight back to the current anchor so
		// out-of-order replays during recovery stay consistent.
		ageDays := stats.AnchorAt.Sub(in.OccurredAt).Hours() / hoursPerDay
		stats.DecayedSum += s.Weight(in.Type) * math.Exp(-s.lambda*ageDays)
	}
	stats.InteractionCount++
	if stats.FirstInteractionAt.IsZero() || in.OccurredAt.Before(stats.FirstInteractionAt) {
		stats.FirstInteractionAt = in.OccurredAt
	}
	if in.OccurredAt.After(stats.LastInteractionAt) {
		stats.LastInteractionAt = in.OccurredAt
	}
	stats.Strength = s.strength(stats.DecayedSum)
	stats.MonthlyFrequency = s.monthlyFrequency(stats, stats.AnchorAt)
	stats.Tier = Tier(stats.Strength)
	stats.FrequencyLabel = FrequencyLabel(stats.MonthlyFrequency)
	return stats
}

// Recompute rebuilds the state from the complete history. This is the
// drift-correction path; routine updates go through Record.
func (s *Scorer) Recompute(history []model.Interaction, asOf time.Time) model.RelationshipStats {
	var stats model.RelationshipStats
	stats.AnchorAt = asOf
	for _, in := range history {
		if in.OccurredAt.After(asOf) {
			continue
		}
		ageDays := asOf.Sub(in.OccurredAt).Hours() / hoursPerDay
		stats.DecayedSum += s.Weight(in.Type) * math.Exp(-s.lambda*ageDays)
		stats.InteractionCount++
		if stats.FirstInteractionAt.IsZero() || in.OccurredAt.Before(stats.FirstInteractionAt) {
			stats.FirstInteractionAt = in.OccurredAt
		}
		if in.OccurredAt.After(stats.LastInteractionAt) {
			stats.LastInteractionAt = in.OccurredAt
		}
	}
	stats.Strength = s.strength(stats.DecayedSum)
	stats.MonthlyFrequency = s.monthlyFrequency(stats, asOf)
	stats.Tier = Tier(stats.Strength)
	stats.FrequencyLabel = FrequencyLabel(stats.MonthlyFrequency)
	return stats
}

// Combine folds two running states into one at a common reference time,
// used when two identities merge. Sums add after both decay to asOf;
// counts and timestamps merge conservatively.
func (s *Scorer) Combine(a, b model.RelationshipStats, asOf time.Time) model.RelationshipStats {
	a = s.Advance(a, asOf)
	b = s.Advance(b, asOf)
	out := model.RelationshipStats{
		DecayedSum:       a.DecayedSum + b.DecayedSum,
		AnchorAt:         asOf,
		InteractionCount: a.InteractionCount + b.InteractionCount,
	}
	out.FirstInteractionAt = earlier(a.FirstInteractionAt, b.FirstInteractionAt)
	if b.LastInteractionAt.After(a.LastInteractionAt) {
		out.LastInteractionAt = b.LastInteractionAt
	} else {
		out.LastInteractionAt = a.LastInteractionAt
	}
	out.Strength = s.strength(out.DecayedSum)
	out.MonthlyFrequency = s.monthlyFrequency(out, asOf)
	out.Tier = Tier(out.Strength)
	out.FrequencyLabel = FrequencyLabel(out.MonthlyFrequency)
	return out
}

// EdgeStrength saturates a co-occurrence evidence count into [0,1] using
// the same transform as identity strength.
func (s *Scorer) EdgeStrength(evidence int) float64 {
	if evidence <= 0 {
		return 0
	}
	return s.strength(float64(evidence))
}

func (s *Scorer) strength(sum float64) float64 {
	if sum <= 0 {
		return 0
	}
	v := 1 - math.Exp(-s.k*sum)
	return math.Min(1, math.Max(0, v))
}

func (s *Scorer) monthlyFrequency(stats model.RelationshipStats, asOf time.Time) float64 {
	if stats.InteractionCount == 0 || stats.FirstInteractionAt.IsZero() {
		return 0
	}
	months := asOf.Sub(stats.FirstInteractionAt).Hours() / hoursPerDay / daysPerMonth
	if months < 1 {
		months = 1
	}
	return float64(stats.InteractionCount) / months
}

// Tier maps a strength value to its relationship tier label.
func Tier(strength float64) string {
	for _, t := range tierThresholds {
		if strength >= t.floor {
			return t.name
		}
	}
	return "dormant"
}

// FrequencyLabel buckets a per-month interaction rate.
func FrequencyLabel(perMonth float64) string {
	switch {
	case perMonth >= 4:
		return "weekly"
	case perMonth >= 1:
		return "monthly"
	case perMonth >= 0.25:
		return "quarterly"
	default:
		return "rarely"
	}
}

func earlier(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
