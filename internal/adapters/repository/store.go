// Package repository defines the canonical-identity store interface and
// errors. The store is the only shared mutable resource in the system;
// every write carries the version token read earlier so concurrent merges
// surface as ErrVersionConflict instead of lost updates.
package repository

import (
	"context"

	"github.com/okian/kinship/internal/domain/model"
)

// Version is the optimistic-concurrency token attached to a stored row.
// Zero means "does not exist yet"; a Put with Version 0 is a create.
type Version int64

// Store provides read/write access to identities, relationship edges,
// interest tags, and merge lineage.
type Store interface {
	// GetIdentity returns the identity and its current version token.
	// Returns ErrNotFound for unknown or deleted ids.
	GetIdentity(ctx context.Context, id string) (*model.CanonicalIdentity, Version, error)

	// PutIdentity writes an identity if the stored version still equals v.
	// v == 0 creates; a mismatch returns ErrVersionConflict and writes
	// nothing.
	PutIdentity(ctx context.Context, ident *model.CanonicalIdentity, v Version) error

	// DeleteIdentity removes an identity under the same version check.
	// Used when a merge retires the merged-from identity, and reversed by
	// UndoMerge recreating it from the lineage snapshot.
	DeleteIdentity(ctx context.Context, id string, v Version) error

	// ListIdentities pages through identities in ascending id order,
	// starting strictly after afterID. Used for index snapshots and for
	// checkpointed decay batches.
	ListIdentities(ctx context.Context, afterID string, limit int) ([]*model.CanonicalIdentity, error)

	// UpsertEdge writes a relationship edge. Implementations apply the
	// canonical (smaller id, larger id) ordering so (A,B) and (B,A) land
	// on one row.
	UpsertEdge(ctx context.Context, edge model.RelationshipEdge) error

	// GetEdge reads the edge between two identities in either order.
	GetEdge(ctx context.Context, a, b string) (model.RelationshipEdge, error)

	// ListEdges returns every edge touching the given identity.
	ListEdges(ctx context.Context, identityID string) ([]model.RelationshipEdge, error)

	// GetInterest reads one (identity, category, topic) tag.
	GetInterest(ctx context.Context, identityID, category, topic string) (model.InterestTag, Version, error)

	// PutInterest writes a tag under the usual version check.
	PutInterest(ctx context.Context, tag model.InterestTag, v Version) error

	// ListInterests returns every tag for an identity, archived included,
	// sorted by (category, topic).
	ListInterests(ctx context.Context, identityID string) ([]model.InterestTag, error)

	// PutLineage records a merge audit row. Lineage is immutable except
	// for the Undone flag, which UpdateLineage flips.
	PutLineage(ctx context.Context, lin *model.MergeLineage) error

	// GetLineage reads a lineage row by id.
	GetLineage(ctx context.Context, id string) (*model.MergeLineage, error)

	// ListLineages returns every lineage row, undone included. Used to
	// rebuild the canonical pointer table at startup and after undo.
	ListLineages(ctx context.Context) ([]*model.MergeLineage, error)

	// UpdateLineage persists the Undone flag after a successful undo.
	UpdateLineage(ctx context.Context, lin *model.MergeLineage) error

	// CountIdentities returns the number of live identities.
	CountIdentities(ctx context.Context) int
}
