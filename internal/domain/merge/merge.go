// Package merge applies accepted match decisions: it merges fields with
// provenance and trust weighting or creates new identities, records
// reversible lineage, and keeps the canonical pointer table that resolves
// stale references after chains of merges.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/okian/kinship/internal/adapters/repository"
	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/internal/domain/normalize"
	"github.com/okian/kinship/pkg/logger"
)

// Default resolver configuration constants.
const (
	defaultHalfLifeDays = 180
	defaultMaxRetries   = 5
)

// StatsCombiner folds two running relationship states into one at a
// common reference time. Implemented by the scoring engine.
type StatsCombiner interface {
	Combine(a, b model.RelationshipStats, asOf time.Time) model.RelationshipStats
}

// Conflict describes one scalar field where both sides held a value and
// one had to lose.
type Conflict struct {
	Field  string
	Kept   model.ScalarField
	Lost   model.ScalarField
	Reason string
}

// Preview is the dry-run result of a merge: the would-be surviving
// identity and the conflicts that resolving it would decide.
type Preview struct {
	Merged    *model.CanonicalIdentity
	Conflicts []Conflict
}

// Option applies a configuration option to the Resolver.
type Option func(*Resolver)

// WithTrust replaces the source trust table.
func WithTrust(t Trust) Option {
	return func(r *Resolver) { r.trust = t }
}

// WithHalfLife sets the provenance recency half-life in days.
func WithHalfLife(days float64) Option {
	return func(r *Resolver) {
		if days > 0 {
			r.halfLifeDays = days
		}
	}
}

// WithMaxRetries bounds optimistic-concurrency retries per merge.
func WithMaxRetries(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithStatsCombiner sets the relationship-stats fold used when two
// identities merge.
func WithStatsCombiner(c StatsCombiner) Option {
	return func(r *Resolver) {
		if c != nil {
			r.stats = c
		}
	}
}

// WithLogger sets a custom logger for the resolver.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver owns all identity mutation. Concurrent merges on one identity
// serialize through the store's version check: a conflicting write re-reads
// and replays, bounded by maxRetries, so neither side's fields are lost.
type Resolver struct {
	store        repository.Store
	canon        *Canonical
	trust        Trust
	stats        StatsCombiner
	halfLifeDays float64
	maxRetries   int
	logger       logger.Logger
}

// New constructs a Resolver over the given store.
func New(store repository.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:        store,
		canon:        NewCanonical(),
		trust:        NewTrust(),
		halfLifeDays: defaultHalfLifeDays,
		maxRetries:   defaultMaxRetries,
		logger:       logger.Get().Named("merge"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Canonical exposes the pointer table for read-side resolution.
func (r *Resolver) Canonical() *Canonical { return r.canon }

// RestorePointers rebuilds the canonical table from the surviving merge
// log, ordered by merge time. Called at startup and after every undo.
func (r *Resolver) RestorePointers(ctx context.Context) error {
	lineages, err := r.store.ListLineages(ctx)
	if err != nil {
		return fmt.Errorf("list lineages: %w", err)
	}
	sort.Slice(lineages, func(i, j int) bool { return lineages[i].MergedAt.Before(lineages[j].MergedAt) })
	pairs := make([][2]string, 0, len(lineages))
	for _, lin := range lineages {
		if lin.Undone {
			continue
		}
		pairs = append(pairs, [2]string{lin.MergedFromID, lin.MergedIntoID})
	}
	r.canon.Rebuild(pairs)
	return nil
}

// IdentityFromCandidate materializes a normalized candidate as a fresh
// identity document with per-field provenance. It is not persisted.
func (r *Resolver) IdentityFromCandidate(c *normalize.Candidate) *model.CanonicalIdentity {
	now := c.Raw.ObservedAt
	prov := func(field string) model.Provenance {
		return model.Provenance{
			Source:     c.Raw.Source,
			Confidence: r.trust.Weight(field, c.Raw.Source),
			ObservedAt: now,
		}
	}
	ident := &model.CanonicalIdentity{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.FullName != "" {
		ident.FullName = model.ScalarField{Value: c.FullName, Prov: prov("full_name")}
	}
	if c.FirstName != "" {
		ident.FirstName = model.ScalarField{Value: c.FirstName, Prov: prov("full_name")}
	}
	if c.LastName != "" {
		ident.LastName = model.ScalarField{Value: c.LastName, Prov: prov("full_name")}
	}
	if c.PhoneDigits != "" {
		ident.Phone = model.ScalarField{Value: c.PhoneDigits, Prov: prov("phone")}
	}
	if c.Company != "" {
		ident.Company = model.ScalarField{Value: c.Company, Prov: prov("company")}
	}
	if c.Title != "" {
		ident.Title = model.ScalarField{Value: c.Title, Prov: prov("title")}
	}
	if c.LinkedInSlug != "" {
		ident.LinkedInSlug = model.ScalarField{Value: c.LinkedInSlug, Prov: prov("linkedin")}
	}
	if c.Email != "" {
		ident.Emails = []model.ValueProv{{Value: c.Email, Prov: prov("email")}}
	}
	for _, t := range c.Tags {
		ident.Tags = append(ident.Tags, model.ValueProv{Value: t, Prov: prov("tags")})
	}
	ident.RecordSource(c.Raw.Source)
	return ident
}

// Create persists a brand-new identity for a distinct candidate.
func (r *Resolver) Create(ctx context.Context, c *normalize.Candidate) (*model.CanonicalIdentity, error) {
	ident := r.IdentityFromCandidate(c)
	if err := r.store.PutIdentity(ctx, ident, 0); err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	r.canon.Add(ident.ID)
	return ident, nil
}

// Absorb merges a candidate into an existing identity. The candidate is
// materialized as an identity snapshot first so lineage captures an exact
// pre-merge state for both sides and undo can restore the contribution as
// a standalone identity.
func (r *Resolver) Absorb(ctx context.Context, c *normalize.Candidate, targetID string) (string, string, error) {
	from := r.IdentityFromCandidate(c)
	lin, err := r.mergeInto(ctx, from, 0, targetID, c.Raw.ObservedAt)
	if err != nil {
		return "", "", err
	}
	return lin.MergedIntoID, lin.ID, nil
}

// MergeIdentities merges one persisted identity into another, as when a
// human confirms a review item. Both ids are resolved through the
// canonical table first, so a target that was itself merged away since
// the review was created still lands on the live identity.
func (r *Resolver) MergeIdentities(ctx context.Context, fromID, intoID string) (string, string, error) {
	fromID = r.canon.Resolve(fromID)
	intoID = r.canon.Resolve(intoID)
	if fromID == intoID {
		return intoID, "", nil
	}
	from, fromVersion, err := r.store.GetIdentity(ctx, fromID)
	if err != nil {
		return "", "", fmt.Errorf("read merge source: %w", err)
	}
	lin, err := r.mergeInto(ctx, from, fromVersion, intoID, time.Now().UTC())
	if err != nil {
		return "", "", err
	}
	return lin.MergedIntoID, lin.ID, nil
}

// mergeInto performs the atomic merge: snapshot both sides, write lineage,
// CAS-write the survivor, then retire the source. fromVersion 0 means the
// source was never persisted (candidate absorption).
func (r *Resolver) mergeInto(ctx context.Context, from *model.CanonicalIdentity, fromVersion repository.Version, intoID string, asOf time.Time) (*model.MergeLineage, error) {
	intoID = r.canon.Resolve(intoID)

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		into, intoVersion, err := r.store.GetIdentity(ctx, intoID)
		if err != nil {
			return nil, fmt.Errorf("read merge target: %w", err)
		}

		lin := &model.MergeLineage{
			ID:           uuid.NewString(),
			MergedFromID: from.ID,
			MergedIntoID: into.ID,
			FromSnapshot: from.Clone(),
			IntoSnapshot: into.Clone(),
			MergedAt:     asOf,
		}

		merged, _ := r.mergeFields(into.Clone(), from, asOf)
		merged.UpdatedAt = asOf

		// Lineage lands before mutation so a crash between writes leaves
		// an unapplied audit row, never an unaudited merge.
		if err := r.store.PutLineage(ctx, lin); err != nil {
			return nil, fmt.Errorf("write lineage: %w", err)
		}
		if err := r.store.PutIdentity(ctx, merged, intoVersion); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				lastErr = err
				// Flag the unapplied lineage so pointer rebuilds skip it.
				lin.Undone = true
				_ = r.store.UpdateLineage(ctx, lin)
				r.logger.Debug(ctx, "merge target moved, retrying",
					logger.String("into", intoID), logger.Int("attempt", attempt+1))
				continue
			}
			return nil, fmt.Errorf("write merged identity: %w", err)
		}
		if fromVersion != 0 {
			if err := r.store.DeleteIdentity(ctx, from.ID, fromVersion); err != nil &&
				!errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("retire merged identity: %w", err)
			}
			r.canon.Union(from.ID, into.ID)
		} else {
			r.canon.Add(into.ID)
			r.canon.Union(from.ID, into.ID)
		}
		return lin, nil
	}
	return nil, fmt.Errorf("merge into %s: retries exhausted: %w", intoID, lastErr)
}

// PreviewMerge computes the merge outcome without mutating anything.
func (r *Resolver) PreviewMerge(ctx context.Context, fromID, intoID string) (*Preview, error) {
	from, _, err := r.store.GetIdentity(ctx, r.canon.Resolve(fromID))
	if err != nil {
		return nil, err
	}
	into, _, err := r.store.GetIdentity(ctx, r.canon.Resolve(intoID))
	if err != nil {
		return nil, err
	}
	merged, conflicts := r.mergeFields(into.Clone(), from, time.Now().UTC())
	return &Preview{Merged: merged, Conflicts: conflicts}, nil
}

// Undo reverses a merge exactly: the survivor reverts to its pre-merge
// snapshot, the retired identity is recreated from its snapshot, and the
// canonical table is rebuilt without the undone pointer.
func (r *Resolver) Undo(ctx context.Context, lineageID string) (*model.MergeLineage, error) {
	lin, err := r.store.GetLineage(ctx, lineageID)
	if err != nil {
		return nil, fmt.Errorf("read lineage: %w", err)
	}
	if lin.Undone {
		return lin, nil
	}

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		_, v, err := r.store.GetIdentity(ctx, lin.MergedIntoID)
		if err != nil {
			return nil, fmt.Errorf("read merge survivor: %w", err)
		}
		if err := r.store.PutIdentity(ctx, lin.IntoSnapshot.Clone(), v); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("restore survivor: %w", err)
		}
		break
	}
	if lastErr != nil {
		return nil, fmt.Errorf("undo %s: retries exhausted: %w", lineageID, lastErr)
	}

	if _, _, err := r.store.GetIdentity(ctx, lin.MergedFromID); errors.Is(err, repository.ErrNotFound) {
		if err := r.store.PutIdentity(ctx, lin.FromSnapshot.Clone(), 0); err != nil {
			return nil, fmt.Errorf("restore merged-from identity: %w", err)
		}
	}

	lin.Undone = true
	if err := r.store.UpdateLineage(ctx, lin); err != nil {
		return nil, fmt.Errorf("mark lineage undone: %w", err)
	}
	if err := r.RestorePointers(ctx); err != nil {
		return nil, err
	}
	r.logger.Info(ctx, "merge undone",
		logger.String("lineage", lin.ID),
		logger.String("from", lin.MergedFromID),
		logger.String("into", lin.MergedIntoID))
	return lin, nil
}

// mergeFields folds src into dst and reports the scalar conflicts it
// resolved. dst must be a private copy.
func (r *Resolver) mergeFields(dst, src *model.CanonicalIdentity, asOf time.Time) (*model.CanonicalIdentity, []Conflict) {
	var conflicts []Conflict

	scalars := []struct {
		name string
		d, s *model.ScalarField
	}{
		{"full_name", &dst.FullName, &src.FullName},
		{"full_name", &dst.FirstName, &src.FirstName},
		{"full_name", &dst.LastName, &src.LastName},
		{"phone", &dst.Phone, &src.Phone},
		{"company", &dst.Company, &src.Company},
		{"title", &dst.Title, &src.Title},
		{"linkedin", &dst.LinkedInSlug, &src.LinkedInSlug},
	}
	for _, f := range scalars {
		if c := r.resolveScalar(f.name, f.d, *f.s, asOf, dst); c != nil {
			conflicts = append(conflicts, *c)
		}
	}

	dst.Emails = unionValues(dst.Emails, src.Emails)
	dst.Tags = unionValues(dst.Tags, src.Tags)
	dst.Observations = append(dst.Observations, src.Observations...)
	for _, s := range src.Sources {
		dst.RecordSource(s)
	}
	if r.stats != nil {
		dst.Relationship = r.stats.Combine(dst.Relationship, src.Relationship, asOf)
	} else if src.Relationship.LastInteractionAt.After(dst.Relationship.LastInteractionAt) {
		dst.Relationship = src.Relationship
	}
	return dst, conflicts
}

// resolveScalar applies the conflict policy: the candidate value wins only
// when its trust times recency decay beats the incumbent's. The losing
// value's source is still recorded as a contributing observation.
func (r *Resolver) resolveScalar(field string, cur *model.ScalarField, cand model.ScalarField, asOf time.Time, owner *model.CanonicalIdentity) *Conflict {
	switch {
	case !cand.Set():
		return nil
	case !cur.Set():
		*cur = cand
		return nil
	case cur.Value == cand.Value:
		// Same value from another source reinforces; keep the stronger
		// provenance.
		if r.score(field, cand.Prov, asOf) > r.score(field, cur.Prov, asOf) {
			cur.Prov = cand.Prov
		}
		return nil
	}

	curScore := r.score(field, cur.Prov, asOf)
	candScore := r.score(field, cand.Prov, asOf)
	kept, lost := *cur, cand
	reason := "incumbent provenance outweighs candidate"
	if candScore > curScore {
		kept, lost = cand, *cur
		*cur = cand
		reason = "candidate trust and recency outweigh incumbent"
	}
	owner.Observations = append(owner.Observations, model.Observation{
		Field:      field,
		Value:      lost.Value,
		Source:     lost.Prov.Source,
		ObservedAt: lost.Prov.ObservedAt,
	})
	return &Conflict{Field: field, Kept: kept, Lost: lost, Reason: reason}
}

func (r *Resolver) score(field string, p model.Provenance, asOf time.Time) float64 {
	return r.trust.Weight(field, p.Source) * recencyDecay(p.ObservedAt, asOf, r.halfLifeDays)
}

// unionValues merges multi-valued fields with de-duplication, keeping the
// higher-confidence provenance for values both sides carry.
func unionValues(a, b []model.ValueProv) []model.ValueProv {
	out := append([]model.ValueProv(nil), a...)
	for _, v := range b {
		found := false
		for i := range out {
			if out[i].Value == v.Value {
				if v.Prov.Confidence > out[i].Prov.Confidence {
					out[i].Prov = v.Prov
				}
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
