package index

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/floegence/lorekeeper/internal/world"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	x, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func TestSQLiteIndex_QueryRanksAndFilters(t *testing.T) {
	t.Parallel()

	x := openTestIndex(t)
	ctx := context.Background()
	recs := []Record{
		{ChunkID: "location:a", EntityID: "a", EntityType: world.TypeLocation, UniverseID: "u1", Text: "a", Embedding: []float32{1, 0}},
		{ChunkID: "location:b", EntityID: "b", EntityType: world.TypeLocation, UniverseID: "u1", Text: "b", Embedding: []float32{0.6, 0.8}},
		{ChunkID: "location:c", EntityID: "c", EntityType: world.TypeLocation, UniverseID: "u2", Text: "c", Embedding: []float32{1, 0}},
	}
	for _, rec := range recs {
		if _, err := x.Upsert(ctx, world.PoolLore, rec); err != nil {
			t.Fatalf("Upsert %s: %v", rec.ChunkID, err)
		}
	}

	got, err := x.Query(ctx, world.PoolLore, []float32{1, 0}, Filter{UniverseID: "u1"}, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[0].ChunkID != "location:a" || got[1].ChunkID != "location:b" {
		t.Fatalf("order=%s,%s", got[0].ChunkID, got[1].ChunkID)
	}
	if got[0].Score < got[1].Score || got[0].Score > 1 || got[1].Score < 0 {
		t.Fatalf("scores=%v,%v", got[0].Score, got[1].Score)
	}

	rules, err := x.Query(ctx, world.PoolRules, []float32{1, 0}, Filter{}, 10)
	if err != nil {
		t.Fatalf("Query rules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("rules pool leaked lore chunks: %+v", rules)
	}
}

func TestSQLiteIndex_UpsertKeepsIndexedAtForSameText(t *testing.T) {
	t.Parallel()

	x := openTestIndex(t)
	ctx := context.Background()
	clock := time.UnixMilli(1000)
	x.now = func() time.Time { return clock }

	rec := Record{ChunkID: "event:e1", EntityID: "e1", EntityType: world.TypeEvent, Text: "the siege", Embedding: []float32{1, 1}}
	first, err := x.Upsert(ctx, world.PoolLore, rec)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	clock = time.UnixMilli(5000)
	again, err := x.Upsert(ctx, world.PoolLore, rec)
	if err != nil {
		t.Fatalf("Upsert again: %v", err)
	}
	if again.IndexedAtUnixMs != first.IndexedAtUnixMs {
		t.Fatalf("IndexedAt moved on identical text: %d -> %d", first.IndexedAtUnixMs, again.IndexedAtUnixMs)
	}

	rec.Text = "the siege ended"
	changed, err := x.Upsert(ctx, world.PoolLore, rec)
	if err != nil {
		t.Fatalf("Upsert changed: %v", err)
	}
	if changed.IndexedAtUnixMs != 5000 {
		t.Fatalf("IndexedAt=%d, want 5000", changed.IndexedAtUnixMs)
	}
	if n, err := x.Count(ctx, world.PoolLore, Filter{EntityID: "e1"}); err != nil || n != 1 {
		t.Fatalf("Count=%d err=%v, want 1", n, err)
	}
}

func TestSQLiteIndex_DeleteAndGet(t *testing.T) {
	t.Parallel()

	x := openTestIndex(t)
	ctx := context.Background()
	rec := Record{ChunkID: "rules_topic:grapple", EntityID: "grapple", EntityType: world.TypeRulesTopic, Text: "Grapple", Embedding: []float32{0.5, 0.5, 0.5}}
	if _, err := x.Upsert(ctx, world.PoolRules, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := x.Get(ctx, world.PoolRules, "rules_topic:grapple")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 0.5 {
		t.Fatalf("embedding round trip=%v", got.Embedding)
	}
	if err := x.Delete(ctx, world.PoolRules, "rules_topic:grapple"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := x.Get(ctx, world.PoolRules, "rules_topic:grapple"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err=%v, want ErrNotFound", err)
	}
}

func TestSQLiteIndex_ListFiltersByEntityType(t *testing.T) {
	t.Parallel()

	x := openTestIndex(t)
	ctx := context.Background()
	for _, rec := range []Record{
		{ChunkID: "character:aldric", EntityID: "aldric", EntityType: world.TypeCharacter, Text: "King Aldric", Embedding: []float32{1}},
		{ChunkID: "faction:crown", EntityID: "crown", EntityType: world.TypeFaction, Text: "The Crown", Embedding: []float32{1}},
	} {
		if _, err := x.Upsert(ctx, world.PoolLore, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	got, err := x.List(ctx, world.PoolLore, Filter{EntityTypes: []world.EntityType{world.TypeFaction}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "crown" {
		t.Fatalf("List=%+v", got)
	}
}
