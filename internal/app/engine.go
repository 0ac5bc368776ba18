// Package service wires the resolution pipeline together: normalization,
// candidate matching, merge resolution, relationship scoring, and interest
// decay, fed by a dedup-keyed queue and a partition-hashed worker pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	unitqueue "github.com/okian/kinship/internal/adapters/mq/queue"
	workerpool "github.com/okian/kinship/internal/adapters/mq/worker"
	"github.com/okian/kinship/internal/adapters/repository"
	"github.com/okian/kinship/internal/domain/dedupe"
	"github.com/okian/kinship/internal/domain/interest"
	"github.com/okian/kinship/internal/domain/match"
	"github.com/okian/kinship/internal/domain/merge"
	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/internal/domain/normalize"
	"github.com/okian/kinship/internal/domain/score"
	"github.com/okian/kinship/internal/domain/types"
	"github.com/okian/kinship/pkg/logger"
	"github.com/okian/kinship/pkg/metrics"
)

// Default engine configuration constants.
const (
	defaultPartitionCount = 8
	defaultQueueSize      = 100000
	defaultDedupeSize     = 50000
	defaultStoreRetries   = 3
	defaultRetryBackoff   = 50 * time.Millisecond
	indexPageSize         = 512
)

// Engine is the resolution core exposed to callers: it resolves contact
// candidates into canonical identities, folds interactions into
// relationship scores, and runs decay batches.
type Engine struct {
	mu sync.RWMutex

	store      repository.Store
	normalizer *normalize.Normalizer
	matcher    *match.Matcher
	resolver   *merge.Resolver
	scorer     *score.Scorer
	interests  *interest.Engine
	deduper    dedupe.Deduper
	queue      unitqueue.Queue
	pool       *workerpool.Pool
	reviews    ReviewSink

	// idx is the blocking index for the current run, guarded by idxMu.
	// It is owned here and rebuilt from the store on start; workers
	// never hold their own matching state.
	idxMu sync.RWMutex
	idx   *match.Index

	partitionCount int
	queueSize      int
	dedupeSize     int
	storeRetries   int
	retryBackoff   time.Duration

	started bool
	logger  logger.Logger
}

// New constructs an engine over the given store. Collaborators not
// supplied via options are built with their defaults on Start.
func New(store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		normalizer:     normalize.New(),
		partitionCount: defaultPartitionCount,
		queueSize:      defaultQueueSize,
		dedupeSize:     defaultDedupeSize,
		storeRetries:   defaultStoreRetries,
		retryBackoff:   defaultRetryBackoff,
		logger:         logger.Get().Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.matcher == nil {
		e.matcher = match.New()
	}
	if e.resolver == nil {
		e.resolver = merge.New(store)
	}
	if e.scorer == nil {
		e.scorer = score.New()
	}
	if e.interests == nil {
		e.interests = interest.NewEngine(store)
	}
	if e.reviews == nil {
		e.reviews = NewMemoryReviewLog()
	}
	return e
}

// Start restores merge pointers, builds the blocking index from the
// store, and launches the queue and worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if err := e.resolver.RestorePointers(ctx); err != nil {
		return fmt.Errorf("restore merge pointers: %w", err)
	}
	if err := e.rebuildIndex(ctx); err != nil {
		return fmt.Errorf("build blocking index: %w", err)
	}

	e.deduper = dedupe.NewInMemory(dedupe.WithMaxSize(e.dedupeSize))
	q := unitqueue.NewInMemoryQueue(unitqueue.WithCapacity(e.queueSize))
	e.queue = q
	e.pool = workerpool.NewPool(e.partitionCount, q, e)
	e.pool.Start(ctx)

	metrics.UpdateIdentityCount(e.store.CountIdentities(ctx))
	e.started = true
	e.logger.Info(ctx, "resolution engine started",
		logger.Int("partitions", e.partitionCount),
		logger.Int("queue_size", e.queueSize),
		logger.Int("dedupe_size", e.dedupeSize))
	return nil
}

// Stop drains the pool and shuts the queue down.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	err := e.pool.Shutdown(ctx)
	e.started = false
	e.logger.Info(ctx, "resolution engine stopped")
	return err
}

// rebuildIndex snapshots every identity into a fresh blocking index.
func (e *Engine) rebuildIndex(ctx context.Context) error {
	idx := match.NewIndex(nil)
	after := ""
	for {
		page, err := e.store.ListIdentities(ctx, after, indexPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, ident := range page {
			idx.Add(ident)
			after = ident.ID
		}
	}
	e.idxMu.Lock()
	e.idx = idx
	e.idxMu.Unlock()
	return nil
}

// refreshIndexEntry re-indexes one identity after a write.
func (e *Engine) refreshIndexEntry(ctx context.Context, id string) {
	ident, _, err := e.store.GetIdentity(ctx, id)
	if err != nil {
		return
	}
	e.idxMu.Lock()
	e.idx.Add(ident)
	e.idxMu.Unlock()
}

// SubmitCandidate records the unit's dedup key and enqueues it for
// asynchronous resolution. Returns false when the key was already seen or
// the queue rejected the unit; a rejected unit is unrecorded so a later
// submission can retry it.
func (e *Engine) SubmitCandidate(ctx context.Context, dedupKey string, c model.ContactCandidate) bool {
	return e.submit(ctx, unitqueue.Unit{
		DedupKey:     dedupKey,
		PartitionKey: candidatePartitionKey(c),
		Candidate:    &c,
		EnqueuedAt:   time.Now().UTC(),
	})
}

// SubmitInteraction enqueues an interaction event keyed by its id.
func (e *Engine) SubmitInteraction(ctx context.Context, in model.Interaction) bool {
	return e.submit(ctx, unitqueue.Unit{
		DedupKey:     "interaction:" + in.ID,
		PartitionKey: e.resolver.Canonical().Resolve(in.IdentityRef),
		Interaction:  &in,
		EnqueuedAt:   time.Now().UTC(),
	})
}

func (e *Engine) submit(ctx context.Context, u unitqueue.Unit) bool {
	if u.DedupKey != "" && e.deduper.SeenAndRecord(ctx, u.DedupKey) {
		metrics.RecordDuplicateUnit()
		return false
	}
	if !e.queue.Enqueue(ctx, u) {
		// Backpressure: forget the key so a retry is not mistaken for a
		// duplicate.
		if u.DedupKey != "" {
			e.deduper.Unrecord(ctx, u.DedupKey)
		}
		return false
	}
	return true
}

// candidatePartitionKey picks the strongest normalized identifier so
// candidates describing the same person serialize onto one partition.
func candidatePartitionKey(c model.ContactCandidate) string {
	if email := normalize.Email(c.Email); email != "" {
		return "e:" + email
	}
	if phone := normalize.Phone(c.Phone); phone != "" {
		return "p:" + phone
	}
	return "n:" + normalize.Name(c.FullName)
}

// Process applies one queued unit. It implements the worker pool's
// Processor. Stages that committed are never re-run: a candidate unit that
// resolved but whose attached interaction failed re-processes only the
// interaction on redelivery, because the dedup key stays recorded and the
// error is surfaced for the operator rather than unwinding the merge.
func (e *Engine) Process(ctx context.Context, u unitqueue.Unit) error {
	var (
		outcome types.ResolveOutcome
		err     error
	)
	if u.Candidate != nil {
		outcome, err = e.resolveCandidate(ctx, *u.Candidate, u.DedupKey)
		if err != nil {
			if !errors.Is(err, model.ErrValidation) && u.DedupKey != "" {
				// Nothing committed; let a redelivery retry the unit.
				e.deduper.Unrecord(ctx, u.DedupKey)
			}
			return err
		}
	}
	if u.Interaction != nil {
		in := *u.Interaction
		if in.IdentityRef == "" && outcome.IdentityID != "" {
			in.IdentityRef = outcome.IdentityID
		}
		if _, err := e.RecordInteraction(ctx, in); err != nil {
			if u.Candidate == nil && !errors.Is(err, model.ErrValidation) && u.DedupKey != "" {
				// Nothing committed for this unit; free the key so the
				// interaction can be resubmitted once the store recovers.
				e.deduper.Unrecord(ctx, u.DedupKey)
			}
			return err
		}
	}
	return nil
}

// ResolveCandidate runs the synchronous pipeline for one candidate:
// normalize, match against the blocking index, then merge or create.
// Review-band scores persist the candidate as a new identity and emit a
// review item proposing the merge; nothing in the review band is merged
// automatically.
func (e *Engine) ResolveCandidate(ctx context.Context, c model.ContactCandidate) (types.ResolveOutcome, error) {
	return e.resolveCandidate(ctx, c, "")
}

// resolveCandidate carries the originating unit's dedup key, if any, so a
// review item can be traced back to the submission that produced it.
func (e *Engine) resolveCandidate(ctx context.Context, c model.ContactCandidate, dedupKey string) (types.ResolveOutcome, error) {
	cand, err := e.normalizer.Normalize(c)
	if err != nil {
		metrics.RecordValidationError()
		return types.ResolveOutcome{}, err
	}

	matchStart := time.Now()
	e.idxMu.RLock()
	res := e.matcher.Match(cand, e.idx)
	e.idxMu.RUnlock()
	metrics.RecordMatchLatency(float64(time.Since(matchStart).Milliseconds()))

	switch res.Decision {
	case match.DecisionAutoMerge:
		target := e.resolver.Canonical().Resolve(res.TargetID)
		var intoID, lineageID string
		err := e.withStoreRetry(ctx, "merge", func() error {
			var aerr error
			intoID, lineageID, aerr = e.resolver.Absorb(ctx, cand, target)
			return aerr
		})
		if err != nil {
			return types.ResolveOutcome{}, err
		}
		e.refreshIndexEntry(ctx, intoID)
		metrics.RecordMergeApplied()
		metrics.RecordCandidateResolved(string(types.ActionMerged))
		return types.ResolveOutcome{
			Action:         types.ActionMerged,
			IdentityID:     intoID,
			MergeLineageID: lineageID,
			Score:          res.Score,
		}, nil

	case match.DecisionNeedsReview:
		ident, err := e.createIdentity(ctx, cand)
		if err != nil {
			return types.ResolveOutcome{}, err
		}
		item := types.ReviewItem{
			ID:        uuid.NewString(),
			SourceID:  ident.ID,
			TargetID:  e.resolver.Canonical().Resolve(res.TargetID),
			Score:     res.Score,
			DedupKey:  dedupKey,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.reviews.Publish(ctx, item); err != nil {
			e.logger.Warn(ctx, "review item publish failed",
				logger.String("review", item.ID), logger.Error(err))
		}
		metrics.RecordReviewItem()
		metrics.RecordCandidateResolved(string(types.ActionNeedsReview))
		return types.ResolveOutcome{
			Action:       types.ActionNeedsReview,
			IdentityID:   ident.ID,
			ReviewItemID: item.ID,
			Score:        res.Score,
		}, nil

	default:
		ident, err := e.createIdentity(ctx, cand)
		if err != nil {
			return types.ResolveOutcome{}, err
		}
		metrics.RecordCandidateResolved(string(types.ActionCreated))
		return types.ResolveOutcome{
			Action:     types.ActionCreated,
			IdentityID: ident.ID,
			Score:      res.Score,
		}, nil
	}
}

func (e *Engine) createIdentity(ctx context.Context, cand *normalize.Candidate) (*model.CanonicalIdentity, error) {
	var ident *model.CanonicalIdentity
	err := e.withStoreRetry(ctx, "create", func() error {
		var cerr error
		ident, cerr = e.resolver.Create(ctx, cand)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	e.idxMu.Lock()
	e.idx.Add(ident)
	e.idxMu.Unlock()
	metrics.UpdateIdentityCount(e.store.CountIdentities(ctx))
	return ident, nil
}

// ConfirmReview applies a human-confirmed review item. Both sides resolve
// through the canonical pointer table first, so a target merged away since
// the item was created still lands on the live identity.
func (e *Engine) ConfirmReview(ctx context.Context, item types.ReviewItem) (types.ResolveOutcome, error) {
	var intoID, lineageID string
	err := e.withStoreRetry(ctx, "confirm_review", func() error {
		var merr error
		intoID, lineageID, merr = e.resolver.MergeIdentities(ctx, item.SourceID, item.TargetID)
		return merr
	})
	if err != nil {
		return types.ResolveOutcome{}, err
	}
	if lineageID != "" {
		if err := e.interests.MergeInto(ctx, item.SourceID, intoID, time.Now().UTC()); err != nil {
			e.logger.Warn(ctx, "interest union failed after merge",
				logger.String("from", item.SourceID),
				logger.String("into", intoID), logger.Error(err))
		}
		metrics.RecordMergeApplied()
	}
	e.refreshIndexEntry(ctx, intoID)
	metrics.UpdateIdentityCount(e.store.CountIdentities(ctx))
	return types.ResolveOutcome{
		Action:         types.ActionMerged,
		IdentityID:     intoID,
		MergeLineageID: lineageID,
	}, nil
}

// RecordInteraction folds one interaction into the identity's running
// relationship state and returns the updated strength. Replays keyed by
// the interaction id are idempotent.
func (e *Engine) RecordInteraction(ctx context.Context, in model.Interaction) (float64, error) {
	if err := in.Validate(); err != nil {
		metrics.RecordValidationError()
		return 0, err
	}
	id := e.resolver.Canonical().Resolve(in.IdentityRef)

	var strength float64
	err := e.withStoreRetry(ctx, "record_interaction", func() error {
		for attempt := 0; attempt < e.storeRetries; attempt++ {
			ident, ver, err := e.store.GetIdentity(ctx, id)
			if err != nil {
				return err
			}
			ident.Relationship = e.scorer.Record(ident.Relationship, in)
			if err := e.store.PutIdentity(ctx, ident, ver); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					metrics.RecordMergeConflict()
					continue
				}
				return err
			}
			strength = ident.Relationship.Strength
			return nil
		}
		return fmt.Errorf("record interaction %s: %w", in.ID, repository.ErrVersionConflict)
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordInteractionRecorded(string(in.Type))
	return strength, nil
}

// LinkIdentities records that two identities co-occurred, strengthening
// the edge between them. Ids resolve through the canonical table and the
// edge lands on one canonical (smaller, larger) row regardless of
// argument order.
func (e *Engine) LinkIdentities(ctx context.Context, a, b string, at time.Time) (model.RelationshipEdge, error) {
	a = e.resolver.Canonical().Resolve(a)
	b = e.resolver.Canonical().Resolve(b)
	if a == b {
		return model.RelationshipEdge{}, fmt.Errorf("link %s to itself: %w", a, model.ErrValidation)
	}
	ka, kb := model.EdgeKey(a, b)

	var edge model.RelationshipEdge
	err := e.withStoreRetry(ctx, "link", func() error {
		cur, err := e.store.GetEdge(ctx, ka, kb)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		edge = model.RelationshipEdge{
			IdentityA: ka,
			IdentityB: kb,
			Evidence:  cur.Evidence + 1,
			UpdatedAt: at,
		}
		edge.Strength = e.scorer.EdgeStrength(edge.Evidence)
		return e.store.UpsertEdge(ctx, edge)
	})
	return edge, err
}

// RecomputeDecay advances every identity's relationship state to asOf.
// The pass checkpoints after each identity; on cancellation the summary
// carries the last completed id so the next pass resumes there.
func (e *Engine) RecomputeDecay(ctx context.Context, asOf time.Time) (types.BatchSummary, error) {
	return e.RecomputeDecayFrom(ctx, "", asOf)
}

// RecomputeDecayFrom is RecomputeDecay resuming strictly after checkpoint.
func (e *Engine) RecomputeDecayFrom(ctx context.Context, checkpoint string, asOf time.Time) (types.BatchSummary, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDecayBatchDuration(time.Since(start).Seconds())
	}()

	sum := types.BatchSummary{Checkpoint: checkpoint, AsOf: asOf}
	for {
		page, err := e.store.ListIdentities(ctx, sum.Checkpoint, indexPageSize)
		if err != nil {
			return sum, err
		}
		if len(page) == 0 {
			sum.Checkpoint = ""
			return sum, nil
		}
		for _, ident := range page {
			if err := ctx.Err(); err != nil {
				e.logger.Info(ctx, "decay recompute interrupted",
					logger.String("checkpoint", sum.Checkpoint),
					logger.Int("processed", sum.Processed))
				return sum, err
			}
			if updated, err := e.decayIdentity(ctx, ident.ID, asOf); err != nil {
				sum.Failed++
				e.logger.Warn(ctx, "decay recompute failed for identity",
					logger.String("identity", ident.ID), logger.Error(err))
			} else if updated {
				sum.Updated++
			}
			sum.Processed++
			sum.Checkpoint = ident.ID
		}
	}
}

func (e *Engine) decayIdentity(ctx context.Context, id string, asOf time.Time) (bool, error) {
	for attempt := 0; attempt < e.storeRetries; attempt++ {
		ident, ver, err := e.store.GetIdentity(ctx, id)
		if err != nil {
			return false, err
		}
		next := e.scorer.Advance(ident.Relationship, asOf)
		if next == ident.Relationship {
			return false, nil
		}
		ident.Relationship = next
		if err := e.store.PutIdentity(ctx, ident, ver); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("decay identity %s: %w", id, repository.ErrVersionConflict)
}

// DecayInterests runs one interest decay pass; see interest.Engine.
func (e *Engine) DecayInterests(ctx context.Context, asOf time.Time) (types.BatchSummary, error) {
	sum, err := e.interests.DecayAll(ctx, asOf)
	for i := 0; i < sum.Archived; i++ {
		metrics.RecordTagArchived()
	}
	return sum, err
}

// ReinforceInterest folds interest evidence for an identity, resolving the
// reference through the canonical table first.
func (e *Engine) ReinforceInterest(ctx context.Context, identityRef, category, topic string, evidence float64) (model.InterestTag, error) {
	id := e.resolver.Canonical().Resolve(identityRef)
	return e.interests.Reinforce(ctx, id, category, topic, evidence, time.Now().UTC())
}

// UndoMerge reverses a merge from its lineage record, restoring both
// sides to their exact pre-merge snapshots.
func (e *Engine) UndoMerge(ctx context.Context, lineageID string) (*model.MergeLineage, error) {
	lin, err := e.resolver.Undo(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	metrics.RecordMergeUndone()
	e.refreshIndexEntry(ctx, lin.MergedIntoID)
	e.refreshIndexEntry(ctx, lin.MergedFromID)
	metrics.UpdateIdentityCount(e.store.CountIdentities(ctx))
	return lin, nil
}

// GetStats returns a point-in-time operational snapshot for the ops
// endpoints.
func (e *Engine) GetStats(ctx context.Context) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := map[string]interface{}{
		"identities": e.store.CountIdentities(ctx),
		"started":    e.started,
	}
	if e.queue != nil {
		stats["queue_size"] = e.queue.Len(ctx)
	}
	if e.deduper != nil {
		stats["dedupe_size"] = e.deduper.Size()
	}
	return stats
}

// withStoreRetry retries fn with exponential backoff while it fails with
// ErrUnavailable. Other errors surface immediately; exhaustion surfaces
// the last error as the degraded-mode signal.
func (e *Engine) withStoreRetry(ctx context.Context, component string, fn func() error) error {
	backoff := e.retryBackoff
	var err error
	for attempt := 0; attempt < e.storeRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, repository.ErrUnavailable) {
			return err
		}
		metrics.RecordErrorByComponent(component, "store_unavailable")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: store unavailable after %d attempts: %w",
		component, e.storeRetries, err)
}
