package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/pkg/metrics"
)

// Default memstore configuration constants.
const defaultShardCount = 8

// versioned pairs a stored identity with its token.
type versionedIdentity struct {
	ident   *model.CanonicalIdentity
	version Version
}

type versionedInterest struct {
	tag     model.InterestTag
	version Version
}

// shard holds a slice of the identity space behind its own lock, so
// writes to unrelated identities never contend.
type shard struct {
	mu         sync.RWMutex
	identities map[string]*versionedIdentity
}

// MemStore is the in-memory Store used in tests and as the default
// persistence collaborator when no durable store is configured.
type MemStore struct {
	shards     []*shard
	shardCount int

	edgeMu sync.RWMutex
	edges  map[string]model.RelationshipEdge

	interestMu sync.RWMutex
	interests  map[string]*versionedInterest

	lineageMu sync.RWMutex
	lineages  map[string]*model.MergeLineage
}

// Option applies a configuration option to the MemStore.
type Option func(*MemStore)

// WithShardCount sets the number of identity shards.
func WithShardCount(n int) Option {
	return func(s *MemStore) {
		if n > 0 {
			s.shardCount = n
		}
	}
}

// NewMemStore creates an in-memory store with configuration options.
func NewMemStore(opts ...Option) *MemStore {
	s := &MemStore{
		shardCount: defaultShardCount,
		edges:      make(map[string]model.RelationshipEdge),
		interests:  make(map[string]*versionedInterest),
		lineages:   make(map[string]*model.MergeLineage),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.shards = make([]*shard, s.shardCount)
	for i := range s.shards {
		s.shards[i] = &shard{identities: make(map[string]*versionedIdentity)}
	}
	metrics.UpdateRepositoryShardCount(s.shardCount)
	return s
}

func (s *MemStore) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(s.shardCount)]
}

// GetIdentity returns a deep copy so callers can mutate freely before Put.
func (s *MemStore) GetIdentity(ctx context.Context, id string) (*model.CanonicalIdentity, Version, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	vi, ok := sh.identities[id]
	if !ok {
		return nil, 0, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return vi.ident.Clone(), vi.version, nil
}

// PutIdentity stores a copy under compare-and-set semantics.
func (s *MemStore) PutIdentity(ctx context.Context, ident *model.CanonicalIdentity, v Version) error {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryUpdateLatency(float64(time.Since(start).Milliseconds()))
	}()

	sh := s.shardFor(ident.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	existing, ok := sh.identities[ident.ID]
	switch {
	case !ok && v != 0:
		return fmt.Errorf("identity %s: %w", ident.ID, ErrVersionConflict)
	case ok && existing.version != v:
		return fmt.Errorf("identity %s: have %d want %d: %w", ident.ID, existing.version, v, ErrVersionConflict)
	}
	sh.identities[ident.ID] = &versionedIdentity{ident: ident.Clone(), version: v + 1}
	return nil
}

// DeleteIdentity removes a row under the same version check.
func (s *MemStore) DeleteIdentity(ctx context.Context, id string, v Version) error {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryUpdateLatency(float64(time.Since(start).Milliseconds()))
	}()

	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	existing, ok := sh.identities[id]
	if !ok {
		return fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	if existing.version != v {
		return fmt.Errorf("identity %s: have %d want %d: %w", id, existing.version, v, ErrVersionConflict)
	}
	delete(sh.identities, id)
	return nil
}

// ListIdentities pages in ascending id order starting after afterID.
func (s *MemStore) ListIdentities(ctx context.Context, afterID string, limit int) ([]*model.CanonicalIdentity, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	var ids []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id := range sh.identities {
			if id > afterID {
				ids = append(ids, id)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*model.CanonicalIdentity, 0, len(ids))
	for _, id := range ids {
		ident, _, err := s.GetIdentity(ctx, id)
		if err != nil {
			continue // deleted between snapshot and read
		}
		out = append(out, ident)
	}
	return out, nil
}

// CountIdentities returns the number of live identities.
func (s *MemStore) CountIdentities(ctx context.Context) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.identities)
		sh.mu.RUnlock()
	}
	return n
}

// UpsertEdge writes the symmetric edge row under canonical ordering.
func (s *MemStore) UpsertEdge(ctx context.Context, edge model.RelationshipEdge) error {
	a, b := model.EdgeKey(edge.IdentityA, edge.IdentityB)
	edge.IdentityA, edge.IdentityB = a, b
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	s.edges[a+"|"+b] = edge
	return nil
}

// GetEdge reads an edge in either id order.
func (s *MemStore) GetEdge(ctx context.Context, a, b string) (model.RelationshipEdge, error) {
	ka, kb := model.EdgeKey(a, b)
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	edge, ok := s.edges[ka+"|"+kb]
	if !ok {
		return model.RelationshipEdge{}, fmt.Errorf("edge %s|%s: %w", ka, kb, ErrNotFound)
	}
	return edge, nil
}

// ListEdges returns every edge touching identityID, sorted by peer id.
func (s *MemStore) ListEdges(ctx context.Context, identityID string) ([]model.RelationshipEdge, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	var out []model.RelationshipEdge
	for _, e := range s.edges {
		if e.IdentityA == identityID || e.IdentityB == identityID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IdentityA != out[j].IdentityA {
			return out[i].IdentityA < out[j].IdentityA
		}
		return out[i].IdentityB < out[j].IdentityB
	})
	return out, nil
}

func interestKey(identityID, category, topic string) string {
	return identityID + "|" + category + "|" + topic
}

// GetInterest reads one tag with its version token.
func (s *MemStore) GetInterest(ctx context.Context, identityID, category, topic string) (model.InterestTag, Version, error) {
	s.interestMu.RLock()
	defer s.interestMu.RUnlock()
	vi, ok := s.interests[interestKey(identityID, category, topic)]
	if !ok {
		return model.InterestTag{}, 0, fmt.Errorf("interest %s/%s/%s: %w", identityID, category, topic, ErrNotFound)
	}
	return vi.tag, vi.version, nil
}

// PutInterest writes a tag under compare-and-set semantics.
func (s *MemStore) PutInterest(ctx context.Context, tag model.InterestTag, v Version) error {
	key := interestKey(tag.IdentityRef, tag.Category, tag.Topic)
	s.interestMu.Lock()
	defer s.interestMu.Unlock()
	existing, ok := s.interests[key]
	switch {
	case !ok && v != 0:
		return fmt.Errorf("interest %s: %w", key, ErrVersionConflict)
	case ok && existing.version != v:
		return fmt.Errorf("interest %s: %w", key, ErrVersionConflict)
	}
	s.interests[key] = &versionedInterest{tag: tag, version: v + 1}
	return nil
}

// ListInterests returns every tag for an identity sorted by category then
// topic, archived tags included.
func (s *MemStore) ListInterests(ctx context.Context, identityID string) ([]model.InterestTag, error) {
	s.interestMu.RLock()
	defer s.interestMu.RUnlock()
	var out []model.InterestTag
	for _, vi := range s.interests {
		if vi.tag.IdentityRef == identityID {
			out = append(out, vi.tag)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Topic < out[j].Topic
	})
	return out, nil
}

// PutLineage records a merge audit row.
func (s *MemStore) PutLineage(ctx context.Context, lin *model.MergeLineage) error {
	s.lineageMu.Lock()
	defer s.lineageMu.Unlock()
	cp := *lin
	cp.FromSnapshot = lin.FromSnapshot.Clone()
	cp.IntoSnapshot = lin.IntoSnapshot.Clone()
	s.lineages[lin.ID] = &cp
	return nil
}

// GetLineage reads a lineage row by id.
func (s *MemStore) GetLineage(ctx context.Context, id string) (*model.MergeLineage, error) {
	s.lineageMu.RLock()
	defer s.lineageMu.RUnlock()
	lin, ok := s.lineages[id]
	if !ok {
		return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}
	cp := *lin
	cp.FromSnapshot = lin.FromSnapshot.Clone()
	cp.IntoSnapshot = lin.IntoSnapshot.Clone()
	return &cp, nil
}

// ListLineages returns every lineage row sorted by merge time.
func (s *MemStore) ListLineages(ctx context.Context) ([]*model.MergeLineage, error) {
	s.lineageMu.RLock()
	defer s.lineageMu.RUnlock()
	out := make([]*model.MergeLineage, 0, len(s.lineages))
	for _, lin := range s.lineages {
		cp := *lin
		cp.FromSnapshot = lin.FromSnapshot.Clone()
		cp.IntoSnapshot = lin.IntoSnapshot.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MergedAt.Before(out[j].MergedAt) })
	return out, nil
}

// UpdateLineage persists the Undone flag.
func (s *MemStore) UpdateLineage(ctx context.Context, lin *model.MergeLineage) error {
	s.lineageMu.Lock()
	defer s.lineageMu.Unlock()
	if _, ok := s.lineages[lin.ID]; !ok {
		return fmt.Errorf("lineage %s: %w", lin.ID, ErrNotFound)
	}
	cp := *lin
	cp.FromSnapshot = lin.FromSnapshot.Clone()
	cp.IntoSnapshot = lin.IntoSnapshot.Clone()
	s.lineages[lin.ID] = &cp
	return nil
}
