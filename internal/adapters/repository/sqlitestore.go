package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/okian/kinship/internal/domain/model"
	"github.com/okian/kinship/pkg/metrics"
)

// SQLiteStore is the durable Store implementation. Rows carry an explicit
// version column bumped on every write; compare-and-set updates guard the
// WHERE clause so a concurrent writer surfaces as ErrVersionConflict.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

type sqliteMigration struct {
	version int
	sql     string
}

var sqliteMigrations = []sqliteMigration{
	{
		version: 1,
		sql: `
CREATE TABLE identities (
    id      TEXT PRIMARY KEY,
    doc     TEXT NOT NULL,
    version INTEGER NOT NULL
);

CREATE TABLE edges (
    id_a       TEXT NOT NULL,
    id_b       TEXT NOT NULL,
    strength   REAL NOT NULL,
    evidence   INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (id_a, id_b),
    CHECK (id_a < id_b)
);

CREATE TABLE interests (
    identity_id        TEXT NOT NULL,
    category           TEXT NOT NULL,
    topic              TEXT NOT NULL,
    confidence         REAL NOT NULL,
    evidence_count     INTEGER NOT NULL,
    last_reinforced_at INTEGER NOT NULL,
    last_decayed_at    INTEGER NOT NULL DEFAULT 0,
    archived           INTEGER NOT NULL DEFAULT 0,
    version            INTEGER NOT NULL,
    PRIMARY KEY (identity_id, category, topic)
);

CREATE TABLE lineages (
    id        TEXT PRIMARY KEY,
    doc       TEXT NOT NULL,
    undone    INTEGER NOT NULL DEFAULT 0,
    merged_at INTEGER NOT NULL
);

CREATE INDEX idx_interests_identity ON interests(identity_id);
`,
	},
}

// OpenSQLite opens (or creates) the database at path, configures pragmas,
// and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	metrics.UpdateRepositoryShardCount(1) // single database file
	return s, nil
}

// OpenSQLiteMemory opens an in-memory database for tests.
func OpenSQLiteMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// A single in-memory database must not be reopened per connection.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, path: ":memory:"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// GetIdentity reads one identity row and its version token.
func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*model.CanonicalIdentity, Version, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	var doc string
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT doc, version FROM identities WHERE id = ?`, id).Scan(&doc, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get identity: %v: %w", err, ErrUnavailable)
	}
	var ident model.CanonicalIdentity
	if err := json.Unmarshal([]byte(doc), &ident); err != nil {
		return nil, 0, fmt.Errorf("decode identity %s: %w", id, err)
	}
	return &ident, Version(v), nil
}

// PutIdentity writes under compare-and-set semantics; v 0 creates.
func (s *SQLiteStore) PutIdentity(ctx context.Context, ident *model.CanonicalIdentity, v Version) error {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryUpdateLatency(float64(time.Since(start).Milliseconds()))
	}()

	doc, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", ident.ID, err)
	}
	if v == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO identities (id, doc, version) VALUES (?, ?, 1)`, ident.ID, string(doc))
		if err != nil {
			// Treat a duplicate insert as a stale-version write.
			return fmt.Errorf("create identity %s: %v: %w", ident.ID, err, ErrVersionConflict)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET doc = ?, version = version + 1 WHERE id = ? AND version = ?`,
		string(doc), ident.ID, int64(v))
	if err != nil {
		return fmt.Errorf("put identity: %v: %w", err, ErrUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s: %w", ident.ID, ErrVersionConflict)
	}
	return nil
}

// DeleteIdentity removes a row under the version check.
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, id string, v Version) error {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryUpdateLatency(float64(time.Since(start).Milliseconds()))
	}()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identities WHERE id = ? AND version = ?`, id, int64(v))
	if err != nil {
		return fmt.Errorf("delete identity: %v: %w", err, ErrUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Zero rows means either the id is gone or the version is stale.
		var have int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM identities WHERE id = ?`, id).Scan(&have)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("identity %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("delete identity: %v: %w", err, ErrUnavailable)
		}
		return fmt.Errorf("identity %s: %w", id, ErrVersionConflict)
	}
	return nil
}

// ListIdentities pages in ascending id order starting after afterID.
func (s *SQLiteStore) ListIdentities(ctx context.Context, afterID string, limit int) ([]*model.CanonicalIdentity, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	q := `SELECT doc FROM identities WHERE id > ? ORDER BY id`
	args := []any{afterID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list identities: %v: %w", err, ErrUnavailable)
	}
	defer rows.Close()
	var out []*model.CanonicalIdentity
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		var ident model.CanonicalIdentity
		if err := json.Unmarshal([]byte(doc), &ident); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		out = append(out, &ident)
	}
	return out, rows.Err()
}

// CountIdentities returns the number of live identities.
func (s *SQLiteStore) CountIdentities(ctx context.Context) int {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// UpsertEdge writes the symmetric edge row under canonical ordering.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, edge model.RelationshipEdge) error {
	a, b := model.EdgeKey(edge.IdentityA, edge.IdentityB)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO edges (id_a, id_b, strength, evidence, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id_a, id_b) DO UPDATE SET strength = excluded.strength,
    evidence = excluded.evidence, updated_at = excluded.updated_at`,
		a, b, edge.Strength, edge.Evidence, edge.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert edge: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// GetEdge reads an edge in either id order.
func (s *SQLiteStore) GetEdge(ctx context.Context, a, b string) (model.RelationshipEdge, error) {
	ka, kb := model.EdgeKey(a, b)
	var edge model.RelationshipEdge
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id_a, id_b, strength, evidence, updated_at FROM edges WHERE id_a = ? AND id_b = ?`,
		ka, kb).Scan(&edge.IdentityA, &edge.IdentityB, &edge.Strength, &edge.Evidence, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RelationshipEdge{}, fmt.Errorf("edge %s|%s: %w", ka, kb, ErrNotFound)
	}
	if err != nil {
		return model.RelationshipEdge{}, fmt.Errorf("get edge: %v: %w", err, ErrUnavailable)
	}
	edge.UpdatedAt = time.Unix(0, ts)
	return edge, nil
}

// ListEdges returns every edge touching identityID.
func (s *SQLiteStore) ListEdges(ctx context.Context, identityID string) ([]model.RelationshipEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id_a, id_b, strength, evidence, updated_at FROM edges
		 WHERE id_a = ? OR id_b = ? ORDER BY id_a, id_b`, identityID, identityID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %v: %w", err, ErrUnavailable)
	}
	defer rows.Close()
	var out []model.RelationshipEdge
	for rows.Next() {
		var e model.RelationshipEdge
		var ts int64
		if err := rows.Scan(&e.IdentityA, &e.IdentityB, &e.Strength, &e.Evidence, &ts); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.UpdatedAt = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetInterest reads one tag with its version token.
func (s *SQLiteStore) GetInterest(ctx context.Context, identityID, category, topic string) (model.InterestTag, Version, error) {
	tag := model.InterestTag{IdentityRef: identityID, Category: category, Topic: topic}
	var ts, tsDecay, v int64
	var archived int
	err := s.db.QueryRowContext(ctx, `
SELECT confidence, evidence_count, last_reinforced_at, last_decayed_at, archived, version
FROM interests WHERE identity_id = ? AND category = ? AND topic = ?`,
		identityID, category, topic).
		Scan(&tag.Confidence, &tag.EvidenceCount, &ts, &tsDecay, &archived, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return model.InterestTag{}, 0, fmt.Errorf("interest %s/%s/%s: %w", identityID, category, topic, ErrNotFound)
	}
	if err != nil {
		return model.InterestTag{}, 0, fmt.Errorf("get interest: %v: %w", err, ErrUnavailable)
	}
	tag.LastReinforcedAt = time.Unix(0, ts)
	if tsDecay != 0 {
		tag.LastDecayedAt = time.Unix(0, tsDecay)
	}
	tag.Archived = archived != 0
	return tag, Version(v), nil
}

func decayedAtNano(tag model.InterestTag) int64 {
	if tag.LastDecayedAt.IsZero() {
		return 0
	}
	return tag.LastDecayedAt.UnixNano()
}

// PutInterest writes a tag under compare-and-set semantics; v 0 creates.
func (s *SQLiteStore) PutInterest(ctx context.Context, tag model.InterestTag, v Version) error {
	archived := 0
	if tag.Archived {
		archived = 1
	}
	if v == 0 {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO interests (identity_id, category, topic, confidence, evidence_count, last_reinforced_at, last_decayed_at, archived, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			tag.IdentityRef, tag.Category, tag.Topic, tag.Confidence, tag.EvidenceCount,
			tag.LastReinforcedAt.UnixNano(), decayedAtNano(tag), archived)
		if err != nil {
			return fmt.Errorf("create interest: %v: %w", err, ErrVersionConflict)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE interests SET confidence = ?, evidence_count = ?, last_reinforced_at = ?, last_decayed_at = ?, archived = ?, version = version + 1
WHERE identity_id = ? AND category = ? AND topic = ? AND version = ?`,
		tag.Confidence, tag.EvidenceCount, tag.LastReinforcedAt.UnixNano(), decayedAtNano(tag), archived,
		tag.IdentityRef, tag.Category, tag.Topic, int64(v))
	if err != nil {
		return fmt.Errorf("put interest: %v: %w", err, ErrUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("interest %s/%s/%s: %w", tag.IdentityRef, tag.Category, tag.Topic, ErrVersionConflict)
	}
	return nil
}

// ListInterests returns every tag for an identity, archived included.
func (s *SQLiteStore) ListInterests(ctx context.Context, identityID string) ([]model.InterestTag, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT category, topic, confidence, evidence_count, last_reinforced_at, last_decayed_at, archived
FROM interests WHERE identity_id = ? ORDER BY category, topic`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list interests: %v: %w", err, ErrUnavailable)
	}
	defer rows.Close()
	var out []model.InterestTag
	for rows.Next() {
		tag := model.InterestTag{IdentityRef: identityID}
		var ts, tsDecay int64
		var archived int
		if err := rows.Scan(&tag.Category, &tag.Topic, &tag.Confidence, &tag.EvidenceCount, &ts, &tsDecay, &archived); err != nil {
			return nil, fmt.Errorf("scan interest: %w", err)
		}
		tag.LastReinforcedAt = time.Unix(0, ts)
		if tsDecay != 0 {
			tag.LastDecayedAt = time.Unix(0, tsDecay)
		}
		tag.Archived = archived != 0
		out = append(out, tag)
	}
	return out, rows.Err()
}

// PutLineage records a merge audit row.
func (s *SQLiteStore) PutLineage(ctx context.Context, lin *model.MergeLineage) error {
	doc, err := json.Marshal(lin)
	if err != nil {
		return fmt.Errorf("encode lineage %s: %w", lin.ID, err)
	}
	undone := 0
	if lin.Undone {
		undone = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lineages (id, doc, undone, merged_at) VALUES (?, ?, ?, ?)`,
		lin.ID, string(doc), undone, lin.MergedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put lineage: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// GetLineage reads a lineage row by id.
func (s *SQLiteStore) GetLineage(ctx context.Context, id string) (*model.MergeLineage, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM lineages WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lineage: %v: %w", err, ErrUnavailable)
	}
	var lin model.MergeLineage
	if err := json.Unmarshal([]byte(doc), &lin); err != nil {
		return nil, fmt.Errorf("decode lineage %s: %w", id, err)
	}
	return &lin, nil
}

// ListLineages returns every lineage row sorted by merge time.
func (s *SQLiteStore) ListLineages(ctx context.Context) ([]*model.MergeLineage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM lineages ORDER BY merged_at`)
	if err != nil {
		return nil, fmt.Errorf("list lineages: %v: %w", err, ErrUnavailable)
	}
	defer rows.Close()
	var out []*model.MergeLineage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		var lin model.MergeLineage
		if err := json.Unmarshal([]byte(doc), &lin); err != nil {
			return nil, fmt.Errorf("decode lineage: %w", err)
		}
		out = append(out, &lin)
	}
	return out, rows.Err()
}

// UpdateLineage persists the Undone flag.
func (s *SQLiteStore) UpdateLineage(ctx context.Context, lin *model.MergeLineage) error {
	doc, err := json.Marshal(lin)
	if err != nil {
		return fmt.Errorf("encode lineage %s: %w", lin.ID, err)
	}
	undone := 0
	if lin.Undone {
		undone = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE lineages SET doc = ?, undone = ? WHERE id = ?`, string(doc), undone, lin.ID)
	if err != nil {
		return fmt.Errorf("update lineage: %v: %w", err, ErrUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lineage %s: %w", lin.ID, ErrNotFound)
	}
	return nil
}
