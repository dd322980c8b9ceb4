package lorestore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/lorekeeper/internal/world"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "lore.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_EntityLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetEntity(ctx, world.TypeLocation, "L1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEntity missing err=%v, want ErrNotFound", err)
	}

	created, err := s.UpsertEntity(ctx, world.Entity{
		Type:       world.TypeLocation,
		ID:         "L1",
		UniverseID: "u1",
		Name:       "North Gate",
		Fields:     map[string]any{"door_state": "closed"},
	})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if created.CreatedAtUnixMs <= 0 || created.UpdatedAtUnixMs <= 0 {
		t.Fatalf("timestamps not set: %+v", created)
	}

	updated, err := s.UpsertEntity(ctx, created.Merge(map[string]any{"door_state": "open"}))
	if err != nil {
		t.Fatalf("UpsertEntity update: %v", err)
	}
	if updated.CreatedAtUnixMs != created.CreatedAtUnixMs {
		t.Fatalf("CreatedAtUnixMs=%d, want %d", updated.CreatedAtUnixMs, created.CreatedAtUnixMs)
	}

	got, err := s.GetEntity(ctx, world.TypeLocation, "L1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Fields["door_state"] != "open" || got.Name != "North Gate" || got.UniverseID != "u1" {
		t.Fatalf("GetEntity=%+v", got)
	}

	if err := s.DeleteEntity(ctx, world.TypeLocation, "L1"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if err := s.DeleteEntity(ctx, world.TypeLocation, "L1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteEntity twice err=%v, want ErrNotFound", err)
	}
}

func TestStore_UpsertRejectsInvalidEntity(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.UpsertEntity(context.Background(), world.Entity{Type: "dragon", ID: "d1"}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestStore_ListEntitiesFiltersByScope(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for _, e := range []world.Entity{
		{Type: world.TypeUniverse, ID: "u1", Name: "Aeloria"},
		{Type: world.TypeUniverse, ID: "u2", Name: "Brightwater"},
		{Type: world.TypeCampaign, ID: "c1", UniverseID: "u1", Name: "Crown War"},
		{Type: world.TypeCampaign, ID: "c2", UniverseID: "u2", Name: "Salt Road"},
		{Type: world.TypeCharacter, ID: "aldric", UniverseID: "u1", CampaignID: "c1", Name: "King Aldric"},
		{Type: world.TypeCharacter, ID: "mira", UniverseID: "u1", Name: "Mira"},
	} {
		if _, err := s.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("UpsertEntity %s: %v", e.ID, err)
		}
	}

	universes, err := s.ListEntities(ctx, world.TypeUniverse, EntityFilter{})
	if err != nil {
		t.Fatalf("ListEntities universes: %v", err)
	}
	if len(universes) != 2 || universes[0].ID != "u1" || universes[0].UniverseID != "u1" {
		t.Fatalf("universes=%+v", universes)
	}

	campaigns, err := s.ListEntities(ctx, world.TypeCampaign, EntityFilter{UniverseID: "u2"})
	if err != nil {
		t.Fatalf("ListEntities campaigns: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].ID != "c2" || campaigns[0].CampaignID != "c2" {
		t.Fatalf("campaigns=%+v", campaigns)
	}

	chars, err := s.ListEntities(ctx, world.TypeCharacter, EntityFilter{UniverseID: "u1", CampaignID: "c1"})
	if err != nil {
		t.Fatalf("ListEntities characters: %v", err)
	}
	if len(chars) != 1 || chars[0].ID != "aldric" {
		t.Fatalf("characters=%+v", chars)
	}
}

func TestStore_ListEntitiesPagesWithOffset(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if _, err := s.UpsertEntity(ctx, world.Entity{Type: world.TypeLocation, ID: id, UniverseID: "u1", Name: "Room " + id}); err != nil {
			t.Fatalf("UpsertEntity %s: %v", id, err)
		}
	}

	var seen []string
	for offset := 0; ; offset += 2 {
		page, err := s.ListEntities(ctx, world.TypeLocation, EntityFilter{Limit: 2, Offset: offset})
		if err != nil {
			t.Fatalf("ListEntities offset %d: %v", offset, err)
		}
		for _, e := range page {
			seen = append(seen, e.ID)
		}
		if len(page) < 2 {
			break
		}
	}
	if got := strings.Join(seen, ","); got != "a,b,c,d,e" {
		t.Fatalf("paged ids=%s, want a,b,c,d,e", got)
	}
}

func TestStore_ChangeRequestCompareAndSet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateChangeRequest(ctx, ChangeRequestRecord{
		RequestID:  "wcr_1",
		SessionID:  "s1",
		UniverseID: "u1",
		Proposal:   "King Aldric should be dead",
		Status:     "pending",
	})
	if err != nil {
		t.Fatalf("CreateChangeRequest: %v", err)
	}
	if rec.CreatedAtUnixMs <= 0 {
		t.Fatalf("CreatedAtUnixMs=%d, want > 0", rec.CreatedAtUnixMs)
	}

	rec.Status = "analyzed"
	rec.AnalysisJSON = `{"conflict":true}`
	got, err := s.UpdateChangeRequest(ctx, rec, "pending")
	if err != nil {
		t.Fatalf("UpdateChangeRequest: %v", err)
	}
	if got.Status != "analyzed" || got.AnalysisJSON != `{"conflict":true}` {
		t.Fatalf("updated=%+v", got)
	}

	rec.Status = "resolved"
	if _, err := s.UpdateChangeRequest(ctx, rec, "pending"); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("UpdateChangeRequest stale err=%v, want ErrStaleStatus", err)
	}
	if _, err := s.UpdateChangeRequest(ctx, ChangeRequestRecord{RequestID: "missing", Status: "resolved"}, "analyzed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateChangeRequest missing err=%v, want ErrNotFound", err)
	}

	list, err := s.ListChangeRequests(ctx, "analyzed", 0)
	if err != nil {
		t.Fatalf("ListChangeRequests: %v", err)
	}
	if len(list) != 1 || list[0].RequestID != "wcr_1" {
		t.Fatalf("ListChangeRequests=%+v", list)
	}
}

func TestStore_SessionSnapshots(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSession missing err=%v, want ErrNotFound", err)
	}
	if err := s.SaveSession(ctx, "s1", []byte(`{"mode":"dm_story"}`)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveSession(ctx, "s1", []byte(`{"mode":"tutorial"}`)); err != nil {
		t.Fatalf("SaveSession overwrite: %v", err)
	}
	raw, err := s.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if string(raw) != `{"mode":"tutorial"}` {
		t.Fatalf("LoadSession=%s", raw)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.LoadSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSession after delete err=%v, want ErrNotFound", err)
	}
}

func TestOpen_IsIdempotentAcrossReopen(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "lore.sqlite")
	s, err := Open(p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.UpsertEntity(context.Background(), world.Entity{Type: world.TypeUniverse, ID: "u1", Name: "Aeloria"}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	_ = s.Close()

	s2, err := Open(p)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	if _, err := s2.GetEntity(context.Background(), world.TypeUniverse, "u1"); err != nil {
		t.Fatalf("GetEntity after reopen: %v", err)
	}
}
