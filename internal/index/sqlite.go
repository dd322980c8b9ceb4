package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/floegence/lorekeeper/internal/world"
)

// SQLiteIndex keeps chunks and their embeddings in a local SQLite database and
// scores candidates with cosine similarity in process.
//
// Notes:
// - Candidate selection uses the scope filters in SQL; ranking happens in Go.
// - Each Upsert is a single statement, so readers never observe a torn chunk.
type SQLiteIndex struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteIndex{db: db, now: time.Now}, nil
}

func (x *SQLiteIndex) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	const targetVersion = 1
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS lore_chunks (
  pool TEXT NOT NULL,
  chunk_id TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  universe_id TEXT NOT NULL DEFAULT '',
  campaign_id TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL,
  embedding BLOB NOT NULL,
  indexed_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(pool, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_lore_chunks_scope ON lore_chunks(pool, universe_id, campaign_id);
CREATE INDEX IF NOT EXISTS idx_lore_chunks_entity ON lore_chunks(pool, entity_id);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (x *SQLiteIndex) ready() error {
	if x == nil || x.db == nil {
		return errors.New("index not initialized")
	}
	return nil
}

func (x *SQLiteIndex) Query(ctx context.Context, pool world.Pool, embedding []float32, f Filter, limit int) ([]Match, error) {
	if err := x.ready(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, errors.New("empty query embedding")
	}
	if limit <= 0 {
		limit = 10
	}
	recs, err := x.List(ctx, pool, f)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Embedding) != len(embedding) {
			continue
		}
		out = append(out, Match{Record: rec, Score: similarity(embedding, rec.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].IndexedAtUnixMs != out[j].IndexedAtUnixMs {
			return out[i].IndexedAtUnixMs > out[j].IndexedAtUnixMs
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *SQLiteIndex) Get(ctx context.Context, pool world.Pool, chunkID string) (Record, error) {
	if err := x.ready(); err != nil {
		return Record{}, err
	}
	chunkID = strings.TrimSpace(chunkID)
	row := x.db.QueryRowContext(ctx, `
SELECT chunk_id, entity_id, entity_type, universe_id, campaign_id, text, embedding, indexed_at_unix_ms
FROM lore_chunks
WHERE pool = ? AND chunk_id = ?
`, string(pool), chunkID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", pool, chunkID, ErrNotFound)
	}
	return rec, err
}

// Upsert writes rec. IndexedAt only moves when the chunk text changes, so re-indexing
// unchanged content does not reorder recency ties.
func (x *SQLiteIndex) Upsert(ctx context.Context, pool world.Pool, rec Record) (Record, error) {
	if err := x.ready(); err != nil {
		return Record{}, err
	}
	rec.ChunkID = strings.TrimSpace(rec.ChunkID)
	rec.EntityID = strings.TrimSpace(rec.EntityID)
	if rec.ChunkID == "" || rec.EntityID == "" {
		return Record{}, errors.New("missing chunk_id or entity_id")
	}
	if len(rec.Embedding) == 0 {
		return Record{}, errors.New("missing embedding")
	}
	if rec.IndexedAtUnixMs <= 0 {
		rec.IndexedAtUnixMs = x.now().UnixMilli()
	}
	if _, err := x.db.ExecContext(ctx, `
INSERT INTO lore_chunks(pool, chunk_id, entity_id, entity_type, universe_id, campaign_id, text, embedding, indexed_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pool, chunk_id) DO UPDATE SET
  entity_id = excluded.entity_id,
  entity_type = excluded.entity_type,
  universe_id = excluded.universe_id,
  campaign_id = excluded.campaign_id,
  embedding = excluded.embedding,
  indexed_at_unix_ms = CASE WHEN lore_chunks.text = excluded.text THEN lore_chunks.indexed_at_unix_ms ELSE excluded.indexed_at_unix_ms END,
  text = excluded.text
`, string(pool), rec.ChunkID, rec.EntityID, string(rec.EntityType), rec.UniverseID, rec.CampaignID, rec.Text, encodeEmbedding(rec.Embedding), rec.IndexedAtUnixMs); err != nil {
		return Record{}, err
	}
	return x.Get(ctx, pool, rec.ChunkID)
}

func (x *SQLiteIndex) Delete(ctx context.Context, pool world.Pool, chunkID string) error {
	if err := x.ready(); err != nil {
		return err
	}
	_, err := x.db.ExecContext(ctx, `DELETE FROM lore_chunks WHERE pool = ? AND chunk_id = ?`, string(pool), strings.TrimSpace(chunkID))
	return err
}

func (x *SQLiteIndex) List(ctx context.Context, pool world.Pool, f Filter) ([]Record, error) {
	if err := x.ready(); err != nil {
		return nil, err
	}
	where, args := filterClause(pool, f)
	rows, err := x.db.QueryContext(ctx, `
SELECT chunk_id, entity_id, entity_type, universe_id, campaign_id, text, embedding, indexed_at_unix_ms
FROM lore_chunks
WHERE `+where+`
ORDER BY chunk_id ASC
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (x *SQLiteIndex) Count(ctx context.Context, pool world.Pool, f Filter) (int, error) {
	if err := x.ready(); err != nil {
		return 0, err
	}
	where, args := filterClause(pool, f)
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM lore_chunks WHERE `+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func filterClause(pool world.Pool, f Filter) (string, []any) {
	f = f.normalized()
	where := []string{"pool = ?"}
	args := []any{string(pool)}
	if f.UniverseID != "" {
		where = append(where, "universe_id = ?")
		args = append(args, f.UniverseID)
	}
	if f.CampaignID != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, f.CampaignID)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if len(f.EntityTypes) > 0 {
		marks := make([]string, 0, len(f.EntityTypes))
		for _, t := range f.EntityTypes {
			marks = append(marks, "?")
			args = append(args, string(t))
		}
		where = append(where, "entity_type IN ("+strings.Join(marks, ",")+")")
	}
	return strings.Join(where, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (Record, error) {
	var (
		rec  Record
		typ  string
		blob []byte
	)
	if err := r.Scan(&rec.ChunkID, &rec.EntityID, &typ, &rec.UniverseID, &rec.CampaignID, &rec.Text, &blob, &rec.IndexedAtUnixMs); err != nil {
		return Record{}, err
	}
	rec.EntityType = world.EntityType(typ)
	rec.Embedding = decodeEmbedding(blob)
	return rec, nil
}

func encodeEmbedding(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeEmbedding(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// similarity maps cosine similarity from [-1,1] onto [0,1].
func similarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2
}
