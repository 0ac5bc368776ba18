package model

import (
	"sort"
	"time"
)

// Provenance records which source contributed a field value, with what
// confidence, and when it was observed.
type Provenance struct {
	Source     Source
	Confidence float64 // in [0,1]
	ObservedAt time.Time
}

// ScalarField holds the currently chosen value of a single-valued field
// together with the provenance of that choice.
type ScalarField struct {
	Value string
	Prov  Provenance
}

// Set returns true if the field currently holds a value.
func (f ScalarField) Set() bool { return f.Value != "" }

// ValueProv is one element of a multi-valued field with its own provenance.
type ValueProv struct {
	Value string
	Prov  Provenance
}

// Observation records a contributing source observation, including values
// that lost a conflict and were not chosen for the canonical field.
type Observation struct {
	Field      string
	Value      string
	Source     Source
	ObservedAt time.Time
}

// RelationshipStats is the running decayed interaction state for an
// identity. DecayedSum is sum(w(type) * exp(-lambda*ageDays)) referenced
// to AnchorAt; Strength is the saturated [0,1] transform of that sum.
type RelationshipStats struct {
	DecayedSum         float64
	AnchorAt           time.Time
	Strength           float64
	InteractionCount   int
	FirstInteractionAt time.Time
	LastInteractionAt  time.Time
	MonthlyFrequency   float64
	Tier               string
	FrequencyLabel     string
}

// CanonicalIdentity is the single resolved record for one real person.
// Owned exclusively by the resolution engine once created; all mutation
// goes through the merge resolver's versioned store discipline.
type CanonicalIdentity struct {
	ID string

	FullName     ScalarField
	FirstName    ScalarField
	LastName     ScalarField
	Phone        ScalarField
	Company      ScalarField
	Title        ScalarField
	LinkedInSlug ScalarField

	Emails []ValueProv
	Tags   []ValueProv

	Observations []Observation
	Sources      []Source

	Relationship RelationshipStats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy, used for pre-merge snapshots and previews.
func (c *CanonicalIdentity) Clone() *CanonicalIdentity {
	cp := *c
	cp.Emails = append([]ValueProv(nil), c.Emails...)
	cp.Tags = append([]ValueProv(nil), c.Tags...)
	cp.Observations = append([]Observation(nil), c.Observations...)
	cp.Sources = append([]Source(nil), c.Sources...)
	return &cp
}

// RecordSource adds s to the contributing-source set, keeping it sorted
// and free of duplicates.
func (c *CanonicalIdentity) RecordSource(s Source) {
	for _, have := range c.Sources {
		if have == s {
			return
		}
	}
	c.Sources = append(c.Sources, s)
	sort.Slice(c.Sources, func(i, j int) bool { return c.Sources[i] < c.Sources[j] })
}

// MergeLineage is the audit record written before a merge mutates state.
// The snapshots make UndoMerge an exact inverse.
type MergeLineage struct {
	ID           string
	MergedFromID string
	MergedIntoID string
	FromSnapshot *CanonicalIdentity
	IntoSnapshot *CanonicalIdentity
	MergedAt     time.Time
	Undone       bool
}
