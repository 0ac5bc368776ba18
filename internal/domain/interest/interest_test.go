package interest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/kinship/internal/adapters/repository"
	"github.com/okian/kinship/internal/domain/interest"
	"github.com/okian/kinship/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

var day0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func seedIdentity(ctx context.Context, store *repository.MemStore, id string) {
	_ = store.PutIdentity(ctx, &model.CanonicalIdentity{
		ID:       id,
		FullName: model.ScalarField{Value: "someone"},
	}, 0)
}

func seedTag(ctx context.Context, store *repository.MemStore, id, topic string, conf float64, at time.Time) {
	_ = store.PutInterest(ctx, model.InterestTag{
		IdentityRef:      id,
		Category:         "topic",
		Topic:            topic,
		Confidence:       conf,
		EvidenceCount:    1,
		LastReinforcedAt: at,
		LastDecayedAt:    at,
	}, 0)
}

func TestReinforce(t *testing.T) {
	Convey("Given an interest engine over an empty store", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		e := interest.NewEngine(store)

		Convey("When the same topic is reinforced three times in one day", func() {
			tag, err := e.Reinforce(ctx, "id-1", "topic", "golf", 0.6, day0)
			So(err, ShouldBeNil)
			So(tag.Confidence, ShouldAlmostEqual, 0.18)

			tag, err = e.Reinforce(ctx, "id-1", "topic", "golf", 0.7, day0)
			So(err, ShouldBeNil)
			So(tag.Confidence, ShouldAlmostEqual, 0.336)

			tag, err = e.Reinforce(ctx, "id-1", "topic", "golf", 0.8, day0)
			So(err, ShouldBeNil)

			Convey("Then confidence rises monotonically and stays bounded", func() {
				So(tag.Confidence, ShouldAlmostEqual, 0.4752)
				So(tag.Confidence, ShouldBeLessThan, 1)
				So(tag.EvidenceCount, ShouldEqual, 3)
				So(tag.LastReinforcedAt, ShouldEqual, day0)
				So(tag.Archived, ShouldBeFalse)
			})
		})
		Convey("When the key is incomplete", func() {
			_, err := e.Reinforce(ctx, "id-1", "", "golf", 0.6, day0)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		})
		Convey("When the evidence confidence is out of range", func() {
			_, err := e.Reinforce(ctx, "id-1", "topic", "golf", 1.1, day0)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			_, err = e.Reinforce(ctx, "id-1", "topic", "golf", -0.1, day0)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		})
	})
}

func TestScheduledDecay(t *testing.T) {
	Convey("Given identities with tags of varying age", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		e := interest.NewEngine(store)

		seedIdentity(ctx, store, "id-1")
		seedTag(ctx, store, "id-1", "golf", 0.9, day0)
		seedTag(ctx, store, "id-1", "chess", 0.18, day0)

		Convey("When a decay pass runs 30 days later", func() {
			sum, err := e.DecayAll(ctx, day0.AddDate(0, 0, 30))
			So(err, ShouldBeNil)

			Convey("Then confidence shrinks by the per-day factor", func() {
				tag, _, err := store.GetInterest(ctx, "id-1", "topic", "golf")
				So(err, ShouldBeNil)
				// 0.9 * 0.98^30
				So(tag.Confidence, ShouldAlmostEqual, 0.49093, 1e-4)
				So(tag.Archived, ShouldBeFalse)
				So(sum.Updated, ShouldEqual, 2)
				So(sum.Archived, ShouldEqual, 0)
			})
		})
		Convey("When a decay pass runs 180 days later", func() {
			sum, err := e.DecayAll(ctx, day0.AddDate(0, 0, 180))
			So(err, ShouldBeNil)

			Convey("Then a weak tag falls below the floor and is archived, not deleted", func() {
				tag, _, err := store.GetInterest(ctx, "id-1", "topic", "chess")
				So(err, ShouldBeNil)
				So(tag.Archived, ShouldBeTrue)
				So(tag.Confidence, ShouldBeLessThan, 0.05)
				So(tag.Confidence, ShouldBeGreaterThan, 0)
				So(sum.Archived, ShouldEqual, 1)

				tags, err := store.ListInterests(ctx, "id-1")
				So(err, ShouldBeNil)
				So(len(tags), ShouldEqual, 2)
			})
		})
		Convey("When the same pass runs twice at one reference time", func() {
			asOf := day0.AddDate(0, 0, 30)
			_, err := e.DecayAll(ctx, asOf)
			So(err, ShouldBeNil)
			again, err := e.DecayAll(ctx, asOf)
			So(err, ShouldBeNil)

			Convey("Then the second pass finds nothing to update", func() {
				So(again.Updated, ShouldEqual, 0)
				tag, _, err := store.GetInterest(ctx, "id-1", "topic", "golf")
				So(err, ShouldBeNil)
				So(tag.Confidence, ShouldAlmostEqual, 0.49093, 1e-4)
			})
		})
		Convey("When less than a whole day has elapsed", func() {
			sum, err := e.DecayAll(ctx, day0.Add(12*time.Hour))
			So(err, ShouldBeNil)
			So(sum.Updated, ShouldEqual, 0)
		})
	})
}

func TestDecayFromCheckpoint(t *testing.T) {
	Convey("Given two identities with decayable tags", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		e := interest.NewEngine(store)

		seedIdentity(ctx, store, "id-a")
		seedIdentity(ctx, store, "id-b")
		seedTag(ctx, store, "id-a", "golf", 0.8, day0)
		seedTag(ctx, store, "id-b", "golf", 0.8, day0)

		Convey("When the pass resumes after the first identity", func() {
			sum, err := e.DecayFrom(ctx, "id-a", day0.AddDate(0, 0, 10))
			So(err, ShouldBeNil)

			Convey("Then only the later identity is touched", func() {
				So(sum.Processed, ShouldEqual, 1)
				So(sum.Checkpoint, ShouldBeEmpty)

				a, _, err := store.GetInterest(ctx, "id-a", "topic", "golf")
				So(err, ShouldBeNil)
				So(a.Confidence, ShouldAlmostEqual, 0.8)

				b, _, err := store.GetInterest(ctx, "id-b", "topic", "golf")
				So(err, ShouldBeNil)
				So(b.Confidence, ShouldBeLessThan, 0.8)
			})
		})
	})
}

func TestReviveArchivedTag(t *testing.T) {
	Convey("Given a tag archived by long decay", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		e := interest.NewEngine(store)

		seedIdentity(ctx, store, "id-1")
		seedTag(ctx, store, "id-1", "golf", 0.18, day0)
		_, err := e.DecayAll(ctx, day0.AddDate(0, 0, 180))
		So(err, ShouldBeNil)
		tag, _, err := store.GetInterest(ctx, "id-1", "topic", "golf")
		So(err, ShouldBeNil)
		So(tag.Archived, ShouldBeTrue)

		Convey("When strong evidence arrives again", func() {
			revived, err := e.Reinforce(ctx, "id-1", "topic", "golf", 1.0, day0.AddDate(0, 0, 181))
			So(err, ShouldBeNil)

			Convey("Then the tag clears the floor and comes back", func() {
				So(revived.Archived, ShouldBeFalse)
				So(revived.Confidence, ShouldBeGreaterThan, 0.05)
				So(revived.EvidenceCount, ShouldEqual, 2)
			})
		})
	})
}

func TestMergeInto(t *testing.T) {
	Convey("Given two identities with overlapping tags", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		e := interest.NewEngine(store)

		seedTag(ctx, store, "id-from", "golf", 0.5, day0)
		seedTag(ctx, store, "id-from", "ai", 0.3, day0)
		seedTag(ctx, store, "id-into", "golf", 0.4, day0)

		Convey("When the first identity merges into the second", func() {
			So(e.MergeInto(ctx, "id-from", "id-into", day0), ShouldBeNil)

			Convey("Then a shared topic combines by reinforcement, not overwrite", func() {
				tag, _, err := store.GetInterest(ctx, "id-into", "topic", "golf")
				So(err, ShouldBeNil)
				// 0.4*(1-0.3) + 0.5*0.3
				So(tag.Confidence, ShouldAlmostEqual, 0.43)
				So(tag.EvidenceCount, ShouldEqual, 2)
			})
			Convey("Then a topic only the merged-from side held moves over", func() {
				tag, _, err := store.GetInterest(ctx, "id-into", "topic", "ai")
				So(err, ShouldBeNil)
				So(tag.IdentityRef, ShouldEqual, "id-into")
				So(tag.Confidence, ShouldAlmostEqual, 0.3)
			})
		})
	})
}
