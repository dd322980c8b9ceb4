package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/lorekeeper/internal/config"
	"github.com/floegence/lorekeeper/internal/generation"
	"github.com/floegence/lorekeeper/internal/session"
	"github.com/floegence/lorekeeper/internal/world"
)

const testWorld = `
entities:
  - type: universe
    id: varn
    name: Varn
  - type: location
    id: north-gate
    universe_id: varn
    name: North Gate
    fields:
      door_state: closed
      exits: [south, east]
  - type: Rules Topic
    id: grapple
    name: Grappling
    fields:
      text: Roll Athletics against the target's Athletics or Acrobatics.
`

type fixedBackend struct{ reply string }

func (b fixedBackend) Complete(context.Context, generation.CompletionRequest) (string, error) {
	return b.reply, nil
}

func openTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	a, err := openApp(cfg, config.Secrets{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func writeFile(t *testing.T, name string, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	ents, err := loadSeed(writeFile(t, "world.yaml", testWorld))
	if err != nil {
		t.Fatalf("loadSeed: %v", err)
	}
	if len(ents) != 3 {
		t.Fatalf("len=%d, want 3", len(ents))
	}
	if ents[0].UniverseID != "varn" {
		t.Fatalf("universe should scope itself, got %q", ents[0].UniverseID)
	}
	if ents[2].Type != world.TypeRulesTopic {
		t.Fatalf("type=%q, want rules_topic", ents[2].Type)
	}

	for _, bad := range []string{
		"entities: []",
		"entities:\n  - type: dragon\n    id: x\n",
		"entities:\n  - type: location\n    name: nowhere\n",
		"entities: [",
	} {
		if _, err := loadSeed(writeFile(t, "bad.yaml", bad)); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSeedAndReindex(t *testing.T) {
	t.Parallel()

	a := openTestApp(t)
	ctx := context.Background()
	ents, err := loadSeed(writeFile(t, "world.yaml", testWorld))
	if err != nil {
		t.Fatalf("loadSeed: %v", err)
	}
	n, err := seedWorld(ctx, a.store, a.pipeline, ents)
	if err != nil || n != 3 {
		t.Fatalf("seedWorld=%d,%v", n, err)
	}
	gate, err := a.store.GetEntity(ctx, world.TypeLocation, "north-gate")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if gate.Fields["door_state"] != "closed" {
		t.Fatalf("fields=%v", gate.Fields)
	}
	lore, _ := a.pipeline.Count(ctx, world.PoolLore, "")
	rules, _ := a.pipeline.Count(ctx, world.PoolRules, "")
	if lore != 2 || rules != 1 {
		t.Fatalf("lore=%d rules=%d, want 2/1", lore, rules)
	}

	n, err = reindexWorld(ctx, a.store, a.pipeline)
	if err != nil || n != 3 {
		t.Fatalf("reindexWorld=%d,%v", n, err)
	}
	if lore, _ = a.pipeline.Count(ctx, world.PoolLore, ""); lore != 2 {
		t.Fatalf("lore after reindex=%d, want 2", lore)
	}
}

func TestReindexWorld_PagesPastListLimitAndDropsStaleChunks(t *testing.T) {
	t.Parallel()

	a := openTestApp(t)
	ctx := context.Background()
	const total = 1005
	for i := 0; i < total; i++ {
		if _, err := a.store.UpsertEntity(ctx, world.Entity{
			Type:       world.TypeLocation,
			ID:         fmt.Sprintf("loc-%04d", i),
			UniverseID: "varn",
			Name:       fmt.Sprintf("Room %04d", i),
		}); err != nil {
			t.Fatalf("UpsertEntity %d: %v", i, err)
		}
	}
	ghost := world.Entity{Type: world.TypeLocation, ID: "ghost", UniverseID: "varn", Name: "Deleted Hall"}
	if err := a.pipeline.IndexEntity(ctx, ghost); err != nil {
		t.Fatalf("IndexEntity: %v", err)
	}

	n, err := reindexWorld(ctx, a.store, a.pipeline)
	if err != nil {
		t.Fatalf("reindexWorld: %v", err)
	}
	if n != total {
		t.Fatalf("n=%d, want %d", n, total)
	}
	if lore, _ := a.pipeline.Count(ctx, world.PoolLore, ""); lore != total {
		t.Fatalf("lore chunks=%d, want %d", lore, total)
	}
	if stale, _ := a.pipeline.Count(ctx, world.PoolLore, "ghost"); stale != 0 {
		t.Fatalf("stale chunks=%d, want 0", stale)
	}
}

func TestOpenApp_LocksDataDir(t *testing.T) {
	t.Parallel()

	a := openTestApp(t)
	if _, err := openApp(a.cfg, config.Secrets{}, a.log); err == nil {
		t.Fatalf("expected second open of %s to fail", a.cfg.DataDir)
	}
}

func TestNewBackend_RequiresProvider(t *testing.T) {
	t.Parallel()

	if _, _, err := newBackend(config.Default(), config.Secrets{}); err != errNoProvider {
		t.Fatalf("err=%v, want errNoProvider", err)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := newLogger("text", "warn", &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("log output=%q", buf.String())
	}
	if _, err := newLogger("xml", "", &buf); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := newLogger("json", "loud", &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestREPL_Session(t *testing.T) {
	t.Parallel()

	a := openTestApp(t)
	ctx := context.Background()
	ents, _ := loadSeed(writeFile(t, "world.yaml", testWorld))
	if _, err := seedWorld(ctx, a.store, a.pipeline, ents); err != nil {
		t.Fatalf("seedWorld: %v", err)
	}
	eng, err := a.newEngine(fixedBackend{reply: `{"narration":"The gate groans open.","log_updates":[{"operation":"update","type":"location","id":"north-gate","fields":{"door_state":"open"}}]}`})
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}

	script := strings.Join([]string{
		":help",
		":bind universe varn",
		":mode story",
		"I push the gate",
		":mode nonsense",
		"",
		":state",
		":quit",
		"never played",
	}, "\n")
	var out bytes.Buffer
	r := &repl{eng: eng, sessionID: "cli", in: newScannerReader(strings.NewReader(script)), out: &out}
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Commands:",
		"Universe: varn",
		"Mode: dm_story",
		"The gate groans open.",
		"(1 world record(s) changed)",
		"error: ",
		"Turns: 1",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	st, _ := eng.State(ctx, "cli")
	if st.Mode != session.ModeDmStory || st.TurnCounter != 1 {
		t.Fatalf("state=%+v", st)
	}
	gate, _ := a.store.GetEntity(ctx, world.TypeLocation, "north-gate")
	if gate.Fields["door_state"] != "open" {
		t.Fatalf("door_state=%v", gate.Fields["door_state"])
	}
}

func TestREPL_RejectPendingChange(t *testing.T) {
	t.Parallel()

	a := openTestApp(t)
	ctx := context.Background()
	ents, _ := loadSeed(writeFile(t, "world.yaml", testWorld))
	if _, err := seedWorld(ctx, a.store, a.pipeline, ents); err != nil {
		t.Fatalf("seedWorld: %v", err)
	}
	eng, err := a.newEngine(fixedBackend{reply: `{"conflict":true,"summary":"The gate still stands.","resolutions":[{"label":"retcon","description":"It fell last winter","log_updates":[]}]}`})
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}

	script := strings.Join([]string{
		":bind universe varn",
		":mode world_edit",
		"The north gate was torn down",
		":reject not canon",
		":reject",
		":state",
	}, "\n")
	var out bytes.Buffer
	r := &repl{eng: eng, sessionID: "cli", in: newScannerReader(strings.NewReader(script)), out: &out}
	if err := r.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Rejected change request ",
		"error: no pending change request",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	st, _ := eng.State(ctx, "cli")
	if st.PendingChangeRequestID != "" {
		t.Fatalf("pending=%q, want cleared", st.PendingChangeRequestID)
	}
}
