// Package interest maintains confidence-scored interest tags: EWMA
// reinforcement when new evidence arrives, multiplicative per-day decay on
// scheduled passes, and an archive floor below which tags are flagged but
// never deleted so evidence history survives for audit.
package interest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/kinship/internal/adapters/repository"
	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/internal/domain/types"
	"github.com/okian/kinship/pkg/logger"
)

// Default engine configuration constants.
const (
	defaultAlpha        = 0.3  // reinforcement rate
	defaultDecayFactor  = 0.98 // per-day confidence multiplier
	defaultArchiveFloor = 0.05
	defaultBatchSize    = 256
	defaultMaxRetries   = 5
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithAlpha sets the reinforcement rate in (0,1].
func WithAlpha(a float64) Option {
	return func(e *Engine) {
		if a > 0 && a <= 1 {
			e.alpha = a
		}
	}
}

// WithDecayFactor sets the per-day confidence multiplier in (0,1).
func WithDecayFactor(f float64) Option {
	return func(e *Engine) {
		if f > 0 && f < 1 {
			e.decayFactor = f
		}
	}
}

// WithArchiveFloor sets the confidence below which tags are archived.
func WithArchiveFloor(floor float64) Option {
	return func(e *Engine) {
		if floor > 0 && floor < 1 {
			e.floor = floor
		}
	}
}

// WithBatchSize sets the identity page size used by decay passes.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMaxRetries bounds optimistic-concurrency retries per tag write.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithLogger sets the logger used by the engine.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine reinforces and decays interest tags. All writes go through the
// store's compare-and-set so concurrent reinforcement of the same tag is
// replayed instead of lost.
type Engine struct {
	store       repository.Store
	logger      logger.Logger
	alpha       float64
	decayFactor float64
	floor       float64
	batchSize   int
	maxRetries  int
}

// NewEngine builds an interest engine over the given store.
func NewEngine(store repository.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		logger:      logger.Get().Named("interest"),
		alpha:       defaultAlpha,
		decayFactor: defaultDecayFactor,
		floor:       defaultArchiveFloor,
		batchSize:   defaultBatchSize,
		maxRetries:  defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reinforce folds one piece of evidence into the (identity, category,
// topic) tag, creating it when absent. Confidence moves toward the
// evidence value at rate alpha, so it stays inside [0,1] whenever the
// evidence does. Reinforcing an archived tag revives it once confidence
// clears the floor again.
func (e *Engine) Reinforce(ctx context.Context, identityID, category, topic string, evidence float64, now time.Time) (model.InterestTag, error) {
	if identityID == "" || category == "" || topic == "" {
		return model.InterestTag{}, fmt.Errorf("interest key %q/%q/%q: %w",
			identityID, category, topic, model.ErrValidation)
	}
	if evidence < 0 || evidence > 1 {
		return model.InterestTag{}, fmt.Errorf("evidence confidence %v out of [0,1]: %w",
			evidence, model.ErrValidation)
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		tag, ver, err := e.store.GetInterest(ctx, identityID, category, topic)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			tag = model.InterestTag{
				IdentityRef: identityID,
				Category:    category,
				Topic:       topic,
			}
			ver = 0
		case err != nil:
			return model.InterestTag{}, err
		default:
			tag = e.decayed(tag, now)
		}

		tag.Confidence = tag.Confidence*(1-e.alpha) + evidence*e.alpha
		tag.EvidenceCount++
		tag.LastReinforcedAt = now
		tag.LastDecayedAt = now
		tag.Archived = tag.Confidence < e.floor

		if err := e.store.PutInterest(ctx, tag, ver); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return model.InterestTag{}, err
		}
		return tag, nil
	}
	return model.InterestTag{}, fmt.Errorf("reinforce %s/%s/%s: retries exhausted: %w",
		identityID, category, topic, lastErr)
}

// DecayAll runs one scheduled decay pass over every identity's tags,
// paging through the store in id order. Cancellation stops the pass
// cleanly; the returned summary carries the last completed identity id as
// a checkpoint so the next pass can resume instead of restarting.
func (e *Engine) DecayAll(ctx context.Context, asOf time.Time) (types.BatchSummary, error) {
	return e.DecayFrom(ctx, "", asOf)
}

// DecayFrom is DecayAll resuming strictly after the checkpoint id.
func (e *Engine) DecayFrom(ctx context.Context, checkpoint string, asOf time.Time) (types.BatchSummary, error) {
	sum := types.BatchSummary{Checkpoint: checkpoint, AsOf: asOf}
	for {
		idents, err := e.store.ListIdentities(ctx, sum.Checkpoint, e.batchSize)
		if err != nil {
			return sum, err
		}
		if len(idents) == 0 {
			sum.Checkpoint = ""
			return sum, nil
		}
		for _, ident := range idents {
			if err := ctx.Err(); err != nil {
				e.logger.Info(ctx, "decay pass interrupted",
					logger.String("checkpoint", sum.Checkpoint),
					logger.Int("processed", sum.Processed))
				return sum, err
			}
			if err := e.decayIdentity(ctx, ident.ID, asOf, &sum); err != nil {
				sum.Failed++
				e.logger.Warn(ctx, "decay failed for identity",
					logger.String("identity", ident.ID), logger.Error(err))
			}
			sum.Processed++
			sum.Checkpoint = ident.ID
		}
	}
}

func (e *Engine) decayIdentity(ctx context.Context, identityID string, asOf time.Time, sum *types.BatchSummary) error {
	tags, err := e.store.ListInterests(ctx, identityID)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if tag.Archived {
			continue
		}
		next := e.decayed(tag, asOf)
		if next.Confidence == tag.Confidence {
			continue
		}
		next.LastDecayedAt = asOf
		next.Archived = next.Confidence < e.floor
		if err := e.putWithRetry(ctx, identityID, next); err != nil {
			return err
		}
		sum.Updated++
		if next.Archived {
			sum.Archived++
		}
	}
	return nil
}

// putWithRetry replays a tag write through fresh reads until the version
// check passes, re-deriving the decayed state each time so a concurrent
// reinforcement is never clobbered.
func (e *Engine) putWithRetry(ctx context.Context, identityID string, next model.InterestTag) error {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		cur, ver, err := e.store.GetInterest(ctx, identityID, next.Category, next.Topic)
		if err != nil {
			return err
		}
		if cur.LastReinforcedAt.After(next.LastReinforcedAt) {
			// Reinforced since we computed the decay; its anchor is
			// current, nothing left to apply.
			return nil
		}
		if attempt > 0 {
			recomputed := e.decayed(cur, next.LastDecayedAt)
			recomputed.LastDecayedAt = next.LastDecayedAt
			recomputed.Archived = recomputed.Confidence < e.floor
			next = recomputed
		}
		if err := e.store.PutInterest(ctx, next, ver); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("decay %s/%s/%s: retries exhausted: %w",
		identityID, next.Category, next.Topic, lastErr)
}

// MergeInto folds every tag of fromID into intoID as part of an identity
// merge. Identical (category, topic) pairs combine via the reinforcement
// rule rather than an overwrite, and evidence counts sum. Tags only the
// merged-from side held move over unchanged.
func (e *Engine) MergeInto(ctx context.Context, fromID, intoID string, now time.Time) error {
	fromTags, err := e.store.ListInterests(ctx, fromID)
	if err != nil {
		return err
	}
	for _, ft := range fromTags {
		if err := e.mergeTag(ctx, ft, intoID, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mergeTag(ctx context.Context, ft model.InterestTag, intoID string, now time.Time) error {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		it, ver, err := e.store.GetInterest(ctx, intoID, ft.Category, ft.Topic)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			moved := ft
			moved.IdentityRef = intoID
			err = e.store.PutInterest(ctx, moved, 0)
		case err != nil:
			return err
		default:
			fd := e.decayed(ft, now)
			id := e.decayed(it, now)
			it.Confidence = id.Confidence*(1-e.alpha) + fd.Confidence*e.alpha
			it.EvidenceCount += ft.EvidenceCount
			if ft.LastReinforcedAt.After(it.LastReinforcedAt) {
				it.LastReinforcedAt = ft.LastReinforcedAt
			}
			it.LastDecayedAt = now
			it.Archived = it.Confidence < e.floor
			err = e.store.PutInterest(ctx, it, ver)
		}
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("merge interest %s/%s into %s: retries exhausted: %w",
		ft.Category, ft.Topic, intoID, lastErr)
}

// decayed returns the tag with confidence decayed for the whole days
// elapsed since its decay anchor. The anchor is whichever of
// reinforcement and last decay is newer, so repeated passes never
// compound over the same interval.
func (e *Engine) decayed(tag model.InterestTag, asOf time.Time) model.InterestTag {
	anchor := tag.LastReinforcedAt
	if tag.LastDecayedAt.After(anchor) {
		anchor = tag.LastDecayedAt
	}
	if anchor.IsZero() || !asOf.After(anchor) {
		return tag
	}
	days := math.Floor(asOf.Sub(anchor).Hours() / 24)
	if days < 1 {
		return tag
	}
	tag.Confidence *= math.Pow(e.decayFactor, days)
	return tag
}
