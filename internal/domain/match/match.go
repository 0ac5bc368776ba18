// Package match computes similarity between a normalized candidate and a
// blocked subset of existing identities and yields a match decision.
package match

import (
	"strings"

	"github.com/okian/kinship/internal/domain/normalize"
)

// Default matching configuration constants.
const (
	defaultEmailWeight   = 0.40
	defaultPhoneWeight   = 0.25
	defaultNameWeight    = 0.20
	defaultCompanyWeight = 0.15

	defaultAutoThreshold   = 0.85
	defaultReviewThreshold = 0.60

	// nameOnlyCap bounds matches supported by nothing but name
	// similarity, forcing them into the review band.
	nameOnlyCap = 0.70

	// ratioShare and phoneticShare blend the token-sort ratio with
	// surname phonetic-code equality inside the name term.
	ratioShare    = 0.7
	phoneticShare = 0.3

	// firstNameMismatchPenalty halves the name term when both sides carry
	// first names that cannot be the same person's; minPrefixLen is the
	// shortest short-form treated as a nickname prefix.
	firstNameMismatchPenalty = 0.5
	minPrefixLen             = 3
)

// Decision is the outcome of matching one candidate.
type Decision string

// Match decisions.
const (
	DecisionAutoMerge   Decision = "auto_merge"
	DecisionNeedsReview Decision = "needs_review"
	DecisionDistinct    Decision = "distinct"
)

// Result carries the decision, the chosen target (when any identity
// scored above the review floor), and the winning score.
type Result struct {
	Decision Decision
	TargetID string
	Score    float64
}

// Option applies a configuration option to the Matcher.
type Option func(*Matcher)

// WithThresholds overrides the auto-merge and review-band thresholds.
func WithThresholds(auto, review float64) Option {
	return func(m *Matcher) {
		if auto > review && review > 0 && auto <= 1 {
			m.autoThreshold = auto
			m.reviewThreshold = review
		}
	}
}

// WithWeights overrides the per-term similarity weights.
func WithWeights(email, phone, name, company float64) Option {
	return func(m *Matcher) {
		if email > 0 && phone > 0 && name > 0 && company > 0 {
			m.emailWeight = email
			m.phoneWeight = phone
			m.nameWeight = name
			m.companyWeight = company
		}
	}
}

// Matcher scores candidates against identity views. Given the same
// candidate and the same index snapshot the result is reproducible
// bit-for-bit: blocked ids iterate in sorted order and every tie-break is
// documented data, never map order or wall clock.
type Matcher struct {
	emailWeight   float64
	phoneWeight   float64
	nameWeight    float64
	companyWeight float64

	autoThreshold   float64
	reviewThreshold float64
}

// New constructs a Matcher with default weights and thresholds.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		emailWeight:     defaultEmailWeight,
		phoneWeight:     defaultPhoneWeight,
		nameWeight:      defaultNameWeight,
		companyWeight:   defaultCompanyWeight,
		autoThreshold:   defaultAutoThreshold,
		reviewThreshold: defaultReviewThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match compares the candidate against every identity sharing a blocking
// key and returns the best decision. Ties above the auto threshold break
// on most recent interaction, then on the smaller identity id.
func (m *Matcher) Match(c *normalize.Candidate, idx *Index) Result {
	best := Result{Decision: DecisionDistinct}
	var bestView *identityView

	for _, id := range idx.Block(c) {
		v := idx.views[id]
		score := m.similarity(c, v)
		if score < m.reviewThreshold {
			continue
		}
		switch {
		case score > best.Score:
			best.Score, best.TargetID, bestView = score, id, v
		case score == best.Score && bestView != nil:
			if v.lastInteraction.After(bestView.lastInteraction) ||
				(v.lastInteraction.Equal(bestView.lastInteraction) && id < best.TargetID) {
				best.TargetID, bestView = id, v
			}
		}
	}

	best.Decision = m.Decide(best.Score)
	if best.Decision == DecisionDistinct {
		best.TargetID = ""
	}
	return best
}

// Decide maps a similarity score to a decision. Exposed separately so the
// exact boundary behavior is testable: a score equal to the auto threshold
// merges, anything below it down to the review threshold goes to review.
func (m *Matcher) Decide(score float64) Decision {
	switch {
	case score >= m.autoThreshold:
		return DecisionAutoMerge
	case score >= m.reviewThreshold:
		return DecisionNeedsReview
	default:
		return DecisionDistinct
	}
}

// Similarity exposes the raw weighted score for diagnostics and tests.
func (m *Matcher) Similarity(c *normalize.Candidate, idx *Index, identityID string) float64 {
	v, ok := idx.views[identityID]
	if !ok {
		return 0
	}
	return m.similarity(c, v)
}

// similarity is the weighted sum of per-term scores, renormalized over the
// terms both sides actually carry. A candidate with no email cannot be
// penalized on the email term; it simply contributes no weight.
func (m *Matcher) similarity(c *normalize.Candidate, v *identityView) float64 {
	var score, weight float64
	nameOnly := true

	// Email term. An exact professional-network slug match carries the
	// same weight when neither side has a comparable address.
	switch {
	case c.Email != "" && len(v.emails) > 0:
		weight += m.emailWeight
		if v.emails[c.Email] {
			score += m.emailWeight
		}
		nameOnly = false
	case c.LinkedInSlug != "" && v.linkedInSlug != "":
		weight += m.emailWeight
		if c.LinkedInSlug == v.linkedInSlug {
			score += m.emailWeight
		}
		nameOnly = false
	}

	if c.PhoneLast7 != "" && v.phoneLast7 != "" {
		weight += m.phoneWeight
		if c.PhoneLast7 == v.phoneLast7 {
			score += m.phoneWeight
		}
		nameOnly = false
	}

	if len(c.NameTokens) > 0 && len(v.nameTokens) > 0 {
		weight += m.nameWeight
		score += m.nameWeight * nameTerm(c, v)
	}

	if len(c.CompanyTokens)+len(c.TitleTokens) > 0 && len(v.orgTokens) > 0 {
		org := dedupTokens(append(append([]string(nil), c.CompanyTokens...), c.TitleTokens...))
		weight += m.companyWeight
		score += m.companyWeight * jaccard(org, v.orgTokens)
		nameOnly = false
	}

	if weight == 0 {
		return 0
	}
	s := score / weight
	if nameOnly && s > nameOnlyCap {
		s = nameOnlyCap
	}
	return s
}

// nameTerm blends token-sort ratio with surname phonetic equality. When
// either side lacks a surname the ratio stands alone. A shared surname
// must not carry two different people over the line, so when both sides
// have first names and they are incompatible the whole term is halved.
func nameTerm(c *normalize.Candidate, v *identityView) float64 {
	ratio := tokenSortRatio(c.NameTokens, v.nameTokens)
	if c.LastName == "" || v.lastName == "" {
		return ratio
	}
	phonetic := 0.0
	if soundex(c.LastName) == soundex(v.lastName) {
		phonetic = 1.0
	}
	term := ratioShare*ratio + phoneticShare*phonetic
	if c.FirstName != "" && v.firstName != "" && !firstNamesCompatible(c.FirstName, v.firstName) {
		term *= firstNameMismatchPenalty
	}
	return term
}

// firstNamesCompatible accepts equality, a short-form prefix ("jon" for
// "jonathan"), or phonetic equality ("jon" and "john").
func firstNamesCompatible(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) >= minPrefixLen && strings.HasPrefix(b, a) {
		return true
	}
	if len(b) >= minPrefixLen && strings.HasPrefix(a, b) {
		return true
	}
	return soundex(a) == soundex(b)
}
