package repository_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/okian/kinship/internal/adapters/repository"
	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

var stamp = time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)

type storeCase struct {
	name string
	open func(t *testing.T) repository.Store
}

// storeCases lists every Store implementation under the same assertions.
// Constructors run inside the Convey tree so each branch gets a fresh
// store.
func storeCases() []storeCase {
	return []storeCase{
		{name: "memstore", open: func(t *testing.T) repository.Store {
			return repository.NewMemStore()
		}},
		{name: "sqlite", open: func(t *testing.T) repository.Store {
			s, err := repository.OpenSQLiteMemory()
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		}},
	}
}

func closeStore(store repository.Store) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}

func ident(id string) *model.CanonicalIdentity {
	return &model.CanonicalIdentity{
		ID:        id,
		FullName:  model.ScalarField{Value: "jane doe", Prov: model.Provenance{Source: model.SourceManual, Confidence: 1, ObservedAt: stamp}},
		Emails:    []model.ValueProv{{Value: "jane@initech.com", Prov: model.Provenance{Source: model.SourceEmail, Confidence: 0.95, ObservedAt: stamp}}},
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
}

func TestIdentityVersioning(t *testing.T) {
	for _, tc := range storeCases() {
		Convey("Given the "+tc.name+" identity table", t, func() {
			ctx := context.Background()
			store := tc.open(t)
			Reset(func() { closeStore(store) })

			Convey("When an identity is created with version 0", func() {
				So(store.PutIdentity(ctx, ident("id-1"), 0), ShouldBeNil)

				got, v, err := store.GetIdentity(ctx, "id-1")
				So(err, ShouldBeNil)
				So(v, ShouldEqual, 1)
				So(got.FullName.Value, ShouldEqual, "jane doe")
				So(got.Emails[0].Value, ShouldEqual, "jane@initech.com")
				So(got.CreatedAt.Equal(stamp), ShouldBeTrue)

				Convey("Then a stale write is rejected without clobbering", func() {
					fresh := got.Clone()
					fresh.Company = model.ScalarField{Value: "initech"}
					So(store.PutIdentity(ctx, fresh, v), ShouldBeNil)

					stale := got.Clone()
					stale.Company = model.ScalarField{Value: "globex"}
					err := store.PutIdentity(ctx, stale, v)
					So(errors.Is(err, repository.ErrVersionConflict), ShouldBeTrue)

					cur, _, err := store.GetIdentity(ctx, "id-1")
					So(err, ShouldBeNil)
					So(cur.Company.Value, ShouldEqual, "initech")
				})
				Convey("Then deletion honors the version check", func() {
					err := store.DeleteIdentity(ctx, "id-1", 99)
					So(errors.Is(err, repository.ErrVersionConflict), ShouldBeTrue)
					So(store.DeleteIdentity(ctx, "id-1", v), ShouldBeNil)
					_, _, err = store.GetIdentity(ctx, "id-1")
					So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)

					Convey("And deleting the already-removed row reports not-found", func() {
						err := store.DeleteIdentity(ctx, "id-1", v)
						So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
						So(errors.Is(err, repository.ErrVersionConflict), ShouldBeFalse)
					})
				})
			})
			Convey("When creating over a missing row with a nonzero token", func() {
				err := store.PutIdentity(ctx, ident("id-ghost"), 7)
				So(errors.Is(err, repository.ErrVersionConflict), ShouldBeTrue)
			})
			Convey("When reading an unknown id", func() {
				_, _, err := store.GetIdentity(ctx, "nope")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	}
}

func TestListIdentitiesPaging(t *testing.T) {
	for _, tc := range storeCases() {
		Convey("Given "+tc.name+" holding five identities", t, func() {
			ctx := context.Background()
			store := tc.open(t)
			Reset(func() { closeStore(store) })
			for i := 1; i <= 5; i++ {
				So(store.PutIdentity(ctx, ident(fmt.Sprintf("id-%d", i)), 0), ShouldBeNil)
			}

			Convey("Then pages come back in ascending id order", func() {
				page, err := store.ListIdentities(ctx, "", 2)
				So(err, ShouldBeNil)
				So(len(page), ShouldEqual, 2)
				So(page[0].ID, ShouldEqual, "id-1")
				So(page[1].ID, ShouldEqual, "id-2")

				page, err = store.ListIdentities(ctx, "id-2", 2)
				So(err, ShouldBeNil)
				So(page[0].ID, ShouldEqual, "id-3")
				So(page[1].ID, ShouldEqual, "id-4")

				page, err = store.ListIdentities(ctx, "id-4", 2)
				So(err, ShouldBeNil)
				So(len(page), ShouldEqual, 1)
				So(page[0].ID, ShouldEqual, "id-5")

				page, err = store.ListIdentities(ctx, "id-5", 2)
				So(err, ShouldBeNil)
				So(page, ShouldBeEmpty)
			})
			Convey("Then the count matches", func() {
				So(store.CountIdentities(ctx), ShouldEqual, 5)
			})
		})
	}
}

func TestEdgeSymmetry(t *testing.T) {
	for _, tc := range storeCases() {
		Convey("Given the "+tc.name+" edge table", t, func() {
			ctx := context.Background()
			store := tc.open(t)
			Reset(func() { closeStore(store) })

			Convey("When an edge is written with ids in descending order", func() {
				So(store.UpsertEdge(ctx, model.RelationshipEdge{
					IdentityA: "id-z",
					IdentityB: "id-a",
					Strength:  0.4,
					Evidence:  2,
					UpdatedAt: stamp,
				}), ShouldBeNil)

				Convey("Then it reads back in either order as one canonical row", func() {
					e1, err := store.GetEdge(ctx, "id-a", "id-z")
					So(err, ShouldBeNil)
					e2, err := store.GetEdge(ctx, "id-z", "id-a")
					So(err, ShouldBeNil)
					So(e1.IdentityA, ShouldEqual, "id-a")
					So(e1.IdentityB, ShouldEqual, "id-z")
					So(e2, ShouldResemble, e1)
					So(e1.Evidence, ShouldEqual, 2)
					So(e1.UpdatedAt.UnixNano(), ShouldEqual, stamp.UnixNano())
				})
				Convey("Then an upsert replaces rather than duplicates", func() {
					So(store.UpsertEdge(ctx, model.RelationshipEdge{
						IdentityA: "id-a",
						IdentityB: "id-z",
						Strength:  0.6,
						Evidence:  3,
						UpdatedAt: stamp.Add(time.Hour),
					}), ShouldBeNil)
					edges, err := store.ListEdges(ctx, "id-a")
					So(err, ShouldBeNil)
					So(len(edges), ShouldEqual, 1)
					So(edges[0].Evidence, ShouldEqual, 3)
				})
			})
			Convey("When listing edges for a hub identity", func() {
				for _, peer := range []string{"id-c", "id-b", "id-d"} {
					So(store.UpsertEdge(ctx, model.RelationshipEdge{
						IdentityA: "id-hub", IdentityB: peer, Strength: 0.1, Evidence: 1, UpdatedAt: stamp,
					}), ShouldBeNil)
				}
				edges, err := store.ListEdges(ctx, "id-hub")
				So(err, ShouldBeNil)
				So(len(edges), ShouldEqual, 3)
				So(edges[0].IdentityA, ShouldEqual, "id-b")
				So(edges[1].IdentityA, ShouldEqual, "id-c")
				So(edges[2].IdentityA, ShouldEqual, "id-d")
			})
			Convey("When reading a missing edge", func() {
				_, err := store.GetEdge(ctx, "id-x", "id-y")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	}
}

func TestInterestRoundTrip(t *testing.T) {
	for _, tc := range storeCases() {
		Convey("Given the "+tc.name+" interest table", t, func() {
			ctx := context.Background()
			store := tc.open(t)
			Reset(func() { closeStore(store) })
			tag := model.InterestTag{
				IdentityRef:      "id-1",
				Category:         "topic",
				Topic:            "golf",
				Confidence:       0.42,
				EvidenceCount:    3,
				LastReinforcedAt: stamp,
			}

			Convey("When a tag without a decay anchor round-trips", func() {
				So(store.PutInterest(ctx, tag, 0), ShouldBeNil)
				got, v, err := store.GetInterest(ctx, "id-1", "topic", "golf")
				So(err, ShouldBeNil)
				So(v, ShouldEqual, 1)
				So(got.Confidence, ShouldAlmostEqual, 0.42)
				So(got.EvidenceCount, ShouldEqual, 3)
				So(got.LastReinforcedAt.UnixNano(), ShouldEqual, stamp.UnixNano())
				So(got.LastDecayedAt.IsZero(), ShouldBeTrue)
				So(got.Archived, ShouldBeFalse)

				Convey("Then the decay anchor persists once set", func() {
					got.LastDecayedAt = stamp.AddDate(0, 0, 7)
					got.Archived = true
					So(store.PutInterest(ctx, got, v), ShouldBeNil)

					again, _, err := store.GetInterest(ctx, "id-1", "topic", "golf")
					So(err, ShouldBeNil)
					So(again.LastDecayedAt.UnixNano(), ShouldEqual, stamp.AddDate(0, 0, 7).UnixNano())
					So(again.Archived, ShouldBeTrue)
				})
				Convey("Then a stale tag write is rejected", func() {
					So(store.PutInterest(ctx, got, v), ShouldBeNil)
					err := store.PutInterest(ctx, got, v)
					So(errors.Is(err, repository.ErrVersionConflict), ShouldBeTrue)
				})
			})
			Convey("When listing an identity's tags", func() {
				for _, tt := range []struct{ cat, topic string }{
					{"topic", "golf"}, {"industry", "fintech"}, {"topic", "ai"},
				} {
					So(store.PutInterest(ctx, model.InterestTag{
						IdentityRef: "id-2", Category: tt.cat, Topic: tt.topic,
						Confidence: 0.5, EvidenceCount: 1, LastReinforcedAt: stamp,
					}, 0), ShouldBeNil)
				}
				tags, err := store.ListInterests(ctx, "id-2")
				So(err, ShouldBeNil)
				So(len(tags), ShouldEqual, 3)
				So(tags[0].Category, ShouldEqual, "industry")
				So(tags[1].Topic, ShouldEqual, "ai")
				So(tags[2].Topic, ShouldEqual, "golf")
			})
		})
	}
}

func TestLineageLog(t *testing.T) {
	for _, tc := range storeCases() {
		Convey("Given the "+tc.name+" lineage log", t, func() {
			ctx := context.Background()
			store := tc.open(t)
			Reset(func() { closeStore(store) })
			mk := func(id string, at time.Time) *model.MergeLineage {
				return &model.MergeLineage{
					ID:           id,
					MergedFromID: "id-from",
					MergedIntoID: "id-into",
					FromSnapshot: ident("id-from"),
					IntoSnapshot: ident("id-into"),
					MergedAt:     at,
				}
			}

			Convey("When lineage rows are written out of time order", func() {
				So(store.PutLineage(ctx, mk("lin-2", stamp.Add(2*time.Hour))), ShouldBeNil)
				So(store.PutLineage(ctx, mk("lin-1", stamp.Add(time.Hour))), ShouldBeNil)

				Convey("Then listing returns them sorted by merge time", func() {
					lins, err := store.ListLineages(ctx)
					So(err, ShouldBeNil)
					So(len(lins), ShouldEqual, 2)
					So(lins[0].ID, ShouldEqual, "lin-1")
					So(lins[1].ID, ShouldEqual, "lin-2")
				})
				Convey("Then snapshots survive the round trip", func() {
					lin, err := store.GetLineage(ctx, "lin-1")
					So(err, ShouldBeNil)
					So(lin.FromSnapshot.FullName.Value, ShouldEqual, "jane doe")
					So(lin.IntoSnapshot.Emails[0].Value, ShouldEqual, "jane@initech.com")
					So(lin.Undone, ShouldBeFalse)
				})
				Convey("Then the undone flag persists", func() {
					lin, err := store.GetLineage(ctx, "lin-2")
					So(err, ShouldBeNil)
					lin.Undone = true
					So(store.UpdateLineage(ctx, lin), ShouldBeNil)
					again, err := store.GetLineage(ctx, "lin-2")
					So(err, ShouldBeNil)
					So(again.Undone, ShouldBeTrue)
				})
			})
			Convey("When reading a missing lineage", func() {
				_, err := store.GetLineage(ctx, "lin-none")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	}
}

func TestRepositoryMetricsWiring(t *testing.T) {
	Convey("Given a memstore built with four shards", t, func() {
		ctx := context.Background()
		store := repository.NewMemStore(repository.WithShardCount(4))

		Convey("Then the shard gauge reflects the configured count", func() {
			expected := strings.NewReader(`
# HELP kinship_repository_shard_count Number of shards in the in-memory store.
# TYPE kinship_repository_shard_count gauge
kinship_repository_shard_count 4
`)
			err := testutil.GatherAndCompare(metrics.GetRegistry(), expected,
				"kinship_repository_shard_count")
			So(err, ShouldBeNil)
		})

		Convey("Then instrumented reads and writes pass through cleanly", func() {
			So(store.PutIdentity(ctx, ident("id-m"), 0), ShouldBeNil)
			_, _, err := store.GetIdentity(ctx, "id-m")
			So(err, ShouldBeNil)
		})
	})
}
