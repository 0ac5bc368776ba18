package merge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okian/kinship/internal/adapters/repository"
	"github.com/okian/kinship/internal/domain/merge"
	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/internal/domain/normalize"
	. "github.com/smartystreets/goconvey/convey"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func candidate(t *testing.T, raw model.ContactCandidate) *normalize.Candidate {
	t.Helper()
	if raw.ObservedAt.IsZero() {
		raw.ObservedAt = baseTime
	}
	c, err := normalize.New().Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return c
}

func emailValues(ident *model.CanonicalIdentity) []string {
	out := make([]string, 0, len(ident.Emails))
	for _, e := range ident.Emails {
		out = append(out, e.Value)
	}
	return out
}

func TestCreate(t *testing.T) {
	Convey("Given a resolver over an empty store", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		r := merge.New(store)

		Convey("When a manual candidate is created", func() {
			c := candidate(t, model.ContactCandidate{
				Source:   model.SourceManual,
				FullName: "Jane Doe",
				Email:    "jane@initech.com",
				Company:  "Initech Inc.",
			})
			ident, err := r.Create(ctx, c)
			So(err, ShouldBeNil)

			Convey("Then the identity is persisted with per-field provenance", func() {
				got, _, err := store.GetIdentity(ctx, ident.ID)
				So(err, ShouldBeNil)
				So(got.FullName.Value, ShouldEqual, "jane doe")
				So(got.Company.Value, ShouldEqual, "initech")
				So(emailValues(got), ShouldResemble, []string{"jane@initech.com"})
				So(got.FullName.Prov.Source, ShouldEqual, model.SourceManual)
				So(got.FullName.Prov.Confidence, ShouldEqual, 1.0)
				So(got.Emails[0].Prov.ObservedAt, ShouldEqual, baseTime)
				So(got.Sources, ShouldResemble, []model.Source{model.SourceManual})
			})
			Convey("Then the new id resolves to itself", func() {
				So(r.Canonical().Resolve(ident.ID), ShouldEqual, ident.ID)
			})
		})
	})
}

func TestAbsorbFieldResolution(t *testing.T) {
	Convey("Given a manual identity with a company and an email", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		r := merge.New(store)

		ident, err := r.Create(ctx, candidate(t, model.ContactCandidate{
			Source:   model.SourceManual,
			FullName: "Jane Doe",
			Email:    "jane@initech.com",
			Company:  "Initech",
		}))
		So(err, ShouldBeNil)

		Convey("When an email-sourced candidate with a different company is absorbed", func() {
			intoID, lineageID, err := r.Absorb(ctx, candidate(t, model.ContactCandidate{
				Source:   model.SourceEmail,
				FullName: "Jane Doe",
				Email:    "jane.doe@gmail.com",
				Company:  "Globex",
			}), ident.ID)
			So(err, ShouldBeNil)
			So(intoID, ShouldEqual, ident.ID)
			So(lineageID, ShouldNotBeEmpty)

			got, _, err := store.GetIdentity(ctx, ident.ID)
			So(err, ShouldBeNil)

			Convey("Then the manual company wins the conflict", func() {
				So(got.Company.Value, ShouldEqual, "initech")
				So(got.Company.Prov.Source, ShouldEqual, model.SourceManual)
			})
			Convey("Then the losing value survives as an observation", func() {
				var values []string
				for _, o := range got.Observations {
					if o.Field == "company" {
						values = append(values, o.Value)
					}
				}
				So(values, ShouldContain, "globex")
			})
			Convey("Then email addresses union with both retained", func() {
				So(emailValues(got), ShouldResemble, []string{"jane@initech.com", "janedoe@gmail.com"})
			})
			Convey("Then the contributing source set includes both providers", func() {
				So(got.Sources, ShouldResemble, []model.Source{model.SourceEmail, model.SourceManual})
			})
			Convey("Then lineage snapshots capture both pre-merge states", func() {
				lin, err := store.GetLineage(ctx, lineageID)
				So(err, ShouldBeNil)
				So(lin.MergedIntoID, ShouldEqual, ident.ID)
				So(lin.IntoSnapshot.Company.Value, ShouldEqual, "initech")
				So(lin.FromSnapshot.Company.Value, ShouldEqual, "globex")
				So(lin.Undone, ShouldBeFalse)
			})
		})
	})
}

func TestRecencyOutweighsTrust(t *testing.T) {
	Convey("Given a manual title observed two years ago", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		r := merge.New(store)

		old := baseTime.AddDate(-2, 0, 0)
		ident, err := r.Create(ctx, candidate(t, model.ContactCandidate{
			Source:     model.SourceManual,
			FullName:   "Jane Doe",
			Email:      "jane@initech.com",
			Title:      "Engineer",
			ObservedAt: old,
		}))
		So(err, ShouldBeNil)

		Convey("When a fresh email observation carries a different title", func() {
			_, _, err := r.Absorb(ctx, candidate(t, model.ContactCandidate{
				Source:   model.SourceEmail,
				FullName: "Jane Doe",
				Email:    "jane@initech.com",
				Title:    "Director",
			}), ident.ID)
			So(err, ShouldBeNil)

			Convey("Then recency decay lets the lower-trust source win", func() {
				// manual: 1.0 * 2^(-730/180) ~ 0.060 vs email: 0.7 * 1.
				got, _, err := store.GetIdentity(ctx, ident.ID)
				So(err, ShouldBeNil)
				So(got.Title.Value, ShouldEqual, "director")
				So(got.Title.Prov.Source, ShouldEqual, model.SourceEmail)
			})
		})
	})
}

func TestUndoRestoresBothSides(t *testing.T) {
	Convey("Given an identity that absorbed a candidate", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		r := merge.New(store)

		ident, err := r.Create(ctx, candidate(t, model.ContactCandidate{
			Source:   model.SourceManual,
			FullName: "Jane Doe",
			Email:    "jane@initech.com",
			Company:  "Initech",
		}))
		So(err, ShouldBeNil)
		before, _, err := store.GetIdentity(ctx, ident.ID)
		So(err, ShouldBeNil)
		before = before.Clone()

		_, lineageID, err := r.Absorb(ctx, candidate(t, model.ContactCandidate{
			Source:   model.SourceEmail,
			FullName: "Jane Doe",
			Email:    "jane.doe@gmail.com",
			Company:  "Globex",
		}), ident.ID)
		So(err, ShouldBeNil)

		Convey("When the merge is undone", func() {
			lin, err := r.Undo(ctx, lineageID)
			So(err, ShouldBeNil)
			So(lin.Undone, ShouldBeTrue)

			Convey("Then the survivor reverts to its exact pre-merge state", func() {
				got, _, err := store.GetIdentity(ctx, ident.ID)
				So(err, ShouldBeNil)
				So(got.Company.Value, ShouldEqual, before.Company.Value)
				So(emailValues(got), ShouldResemble, emailValues(before))
				So(len(got.Observations), ShouldEqual, len(before.Observations))
			})
			Convey("Then the absorbed contribution becomes a standalone identity", func() {
				restored, _, err := store.GetIdentity(ctx, lin.MergedFromID)
				So(err, ShouldBeNil)
				So(restored.Company.Value, ShouldEqual, "globex")
				So(r.Canonical().Resolve(lin.MergedFromID), ShouldEqual, lin.MergedFromID)
			})
			Convey("Then undoing a second time is a no-op", func() {
				again, err := r.Undo(ctx, lineageID)
				So(err, ShouldBeNil)
				So(again.Undone, ShouldBeTrue)
			})
		})
	})
}

func TestMergeChainResolution(t *testing.T) {
	Convey("Given three identities merged into a chain", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		r := merge.New(store)

		mk := func(name, email string) *model.CanonicalIdentity {
			ident, err := r.Create(ctx, candidate(t, model.ContactCandidate{
				Source:   model.SourceManual,
				FullName: name,
				Email:    email,
			}))
			So(err, ShouldBeNil)
			return ident
		}
		a := mk("Jane Doe", "jane@a.com")
		b := mk("Jane Doe", "jane@b.com")
		c := mk("Jane Doe", "jane@c.com")

		into, _, err := r.MergeIdentities(ctx, a.ID, b.ID)
		So(err, ShouldBeNil)
		So(into, ShouldEqual, b.ID)
		into, _, err = r.MergeIdentities(ctx, b.ID, c.ID)
		So(err, ShouldBeNil)
		So(into, ShouldEqual, c.ID)

		Convey("Then the oldest id resolves through the chain", func() {
			So(r.Canonical().Resolve(a.ID), ShouldEqual, c.ID)
		})
		Convey("Then the survivor carries all three addresses", func() {
			got, _, err := store.GetIdentity(ctx, c.ID)
			So(err, ShouldBeNil)
			So(emailValues(got), ShouldResemble, []string{"jane@a.com", "jane@b.com", "jane@c.com"})
		})
		Convey("Then merging two ids that already share a root is a no-op", func() {
			into, lineageID, err := r.MergeIdentities(ctx, a.ID, c.ID)
			So(err, ShouldBeNil)
			So(into, ShouldEqual, c.ID)
			So(lineageID, ShouldBeEmpty)
		})
		Convey("Then a stale reference to a retired id still merges correctly", func() {
			d := mk("Jane Doe", "jane@d.com")
			into, _, err := r.MergeIdentities(ctx, d.ID, a.ID)
			So(err, ShouldBeNil)
			So(into, ShouldEqual, c.ID)
		})
		Convey("Then a fresh resolver rebuilds the pointers from the merge log", func() {
			r2 := merge.New(store)
			So(r2.Canonical().Resolve(a.ID), ShouldNotEqual, c.ID)
			So(r2.RestorePointers(ctx), ShouldBeNil)
			So(r2.Canonical().Resolve(a.ID), ShouldEqual, c.ID)
		})
	})
}

func TestConcurrentMergesSerialize(t *testing.T) {
	Convey("Given two sources merging into one target concurrently", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		r := merge.New(store)

		mk := func(email string) *model.CanonicalIdentity {
			ident, err := r.Create(ctx, candidate(t, model.ContactCandidate{
				Source:   model.SourceManual,
				FullName: "Jane Doe",
				Email:    email,
			}))
			So(err, ShouldBeNil)
			return ident
		}
		target := mk("jane@target.com")
		s1 := mk("jane@one.com")
		s2 := mk("jane@two.com")

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, src := range []string{s1.ID, s2.ID} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _, err := r.MergeIdentities(ctx, id, target.ID)
				errs <- err
			}(src)
		}
		wg.Wait()
		close(errs)

		Convey("Then both merges complete without a lost update", func() {
			for err := range errs {
				So(err, ShouldBeNil)
			}
			got, _, err := store.GetIdentity(ctx, target.ID)
			So(err, ShouldBeNil)
			So(emailValues(got), ShouldResemble, []string{"jane@one.com", "jane@target.com", "jane@two.com"})
		})
	})
}

func TestPreviewMergeDoesNotMutate(t *testing.T) {
	Convey("Given two persisted identities", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore()
		r := merge.New(store)

		from, err := r.Create(ctx, candidate(t, model.ContactCandidate{
			Source:   model.SourceEmail,
			FullName: "Jane Doe",
			Email:    "jane.doe@gmail.com",
			Company:  "Globex",
		}))
		So(err, ShouldBeNil)
		into, err := r.Create(ctx, candidate(t, model.ContactCandidate{
			Source:   model.SourceManual,
			FullName: "Jane Doe",
			Email:    "jane@initech.com",
			Company:  "Initech",
		}))
		So(err, ShouldBeNil)

		Convey("When the merge is previewed", func() {
			pv, err := r.PreviewMerge(ctx, from.ID, into.ID)
			So(err, ShouldBeNil)

			Convey("Then the preview shows the union and the conflicts", func() {
				So(emailValues(pv.Merged), ShouldResemble, []string{"jane@initech.com", "janedoe@gmail.com"})
				So(len(pv.Conflicts), ShouldEqual, 1)
				So(pv.Conflicts[0].Field, ShouldEqual, "company")
				So(pv.Conflicts[0].Kept.Value, ShouldEqual, "initech")
			})
			Convey("Then neither identity changed", func() {
				gotFrom, _, err := store.GetIdentity(ctx, from.ID)
				So(err, ShouldBeNil)
				So(gotFrom.Company.Value, ShouldEqual, "globex")
				gotInto, _, err := store.GetIdentity(ctx, into.ID)
				So(err, ShouldBeNil)
				So(emailValues(gotInto), ShouldResemble, []string{"jane@initech.com"})
				So(r.Canonical().Resolve(from.ID), ShouldEqual, from.ID)
			})
		})
	})
}
