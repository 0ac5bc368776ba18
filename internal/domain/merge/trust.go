package merge

import (
	"math"
	"time"

	"github.com/okian/kinship/internal/domain/model"
)

// Default source trust weights, per the provider hierarchy: direct entry
// beats professional-network data beats calendar beats email headers.
var defaultSourceTrust = map[model.Source]float64{
	model.SourceManual:   1.0,
	model.SourceLinkedIn: 0.9,
	model.SourceCalendar: 0.8,
	model.SourceEmail:    0.7,
	model.SourceImport:   0.6,
	model.SourceUnknown:  0.5,
}

// Default per-field overrides: calendar attendee lists are the best name
// source, while an address observed on an actual email beats everything.
var defaultFieldTrust = map[string]map[model.Source]float64{
	"full_name": {model.SourceCalendar: 0.95},
	"email":     {model.SourceEmail: 0.95, model.SourceManual: 1.0},
}

// Trust resolves per-field source trust weights. Weights are configuration,
// not business logic: both maps can be replaced wholesale from config.
type Trust struct {
	base     map[model.Source]float64
	perField map[string]map[model.Source]float64
	fallback float64
}

// NewTrust builds the default trust table.
func NewTrust() Trust {
	return Trust{base: defaultSourceTrust, perField: defaultFieldTrust, fallback: 0.5}
}

// NewTrustFromConfig builds a trust table from configuration maps keyed by
// source name. Missing entries fall back to defaults.
func NewTrustFromConfig(base map[string]float64, perField map[string]map[string]float64) Trust {
	t := Trust{
		base:     make(map[model.Source]float64, len(defaultSourceTrust)),
		perField: make(map[string]map[model.Source]float64),
		fallback: 0.5,
	}
	for s, w := range defaultSourceTrust {
		t.base[s] = w
	}
	for s, w := range base {
		if w > 0 && w <= 1 {
			t.base[model.Source(s)] = w
		}
	}
	for field, sources := range defaultFieldTrust {
		m := make(map[model.Source]float64, len(sources))
		for s, w := range sources {
			m[s] = w
		}
		t.perField[field] = m
	}
	for field, sources := range perField {
		m := t.perField[field]
		if m == nil {
			m = make(map[model.Source]float64, len(sources))
			t.perField[field] = m
		}
		for s, w := range sources {
			if w > 0 && w <= 1 {
				m[model.Source(s)] = w
			}
		}
	}
	return t
}

// Weight returns the trust weight for a source contributing to a field.
func (t Trust) Weight(field string, s model.Source) float64 {
	if m, ok := t.perField[field]; ok {
		if w, ok := m[s]; ok {
			return w
		}
	}
	if w, ok := t.base[s]; ok {
		return w
	}
	return t.fallback
}

// recencyDecay discounts an observation by its age: half the weight per
// halfLife days. Never increases, never goes negative.
func recencyDecay(observedAt, asOf time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 || !observedAt.Before(asOf) {
		return 1
	}
	ageDays := asOf.Sub(observedAt).Hours() / 24
	return math.Exp2(-ageDays / halfLifeDays)
}

