package model

import "time"

// RelationshipEdge links two identities with a bounded strength value.
// Edges are symmetric and stored once: IdentityA is always the
// lexicographically smaller id, so (A,B) and (B,A) land on the same row.
type RelationshipEdge struct {
	IdentityA string
	IdentityB string
	Strength  float64 // in [0,1]
	Evidence  int
	UpdatedAt time.Time
}

// EdgeKey returns the canonical (smaller, larger) ordering for a pair of
// identity ids.
func EdgeKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// InterestTag is a confidence-scored interest detected for an identity,
// unique per (identity, category, topic). Tags below the archive floor are
// marked archived but never deleted; evidence history is kept for audit.
type InterestTag struct {
	IdentityRef      string
	Category         string
	Topic            string
	Confidence       float64 // in [0,1]
	EvidenceCount    int
	LastReinforcedAt time.Time
	LastDecayedAt    time.Time // anchor for scheduled decay passes
	Archived         bool
}
