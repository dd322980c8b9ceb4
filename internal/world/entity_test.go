package world

import (
	"strings"
	"testing"
)

func TestParseEntityType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want EntityType
		ok   bool
	}{
		{in: "Location", want: TypeLocation, ok: true},
		{in: " character ", want: TypeCharacter, ok: true},
		{in: "rules-topic", want: TypeRulesTopic, ok: true},
		{in: "Tutorial Script", want: TypeTutorialScript, ok: true},
		{in: "dragon", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := ParseEntityType(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseEntityType(%q)=(%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEntityType_Pool(t *testing.T) {
	t.Parallel()

	if TypeRulesTopic.Pool() != PoolRules || TypeTutorialScript.Pool() != PoolRules {
		t.Fatalf("rules types must live in the rules pool")
	}
	for _, typ := range []EntityType{TypeUniverse, TypeCampaign, TypeLocation, TypeCharacter, TypeFaction, TypeEvent} {
		if typ.Pool() != PoolLore {
			t.Fatalf("%s pool=%s, want lore", typ, typ.Pool())
		}
	}
}

func TestEntity_NormalizeSelfScopes(t *testing.T) {
	t.Parallel()

	u := Entity{Type: TypeUniverse, ID: " u1 ", UniverseID: "other"}.Normalize()
	if u.ID != "u1" || u.UniverseID != "u1" {
		t.Fatalf("universe normalize=%+v", u)
	}
	c := Entity{Type: TypeCampaign, ID: "c1", UniverseID: "u1"}.Normalize()
	if c.CampaignID != "c1" || c.UniverseID != "u1" {
		t.Fatalf("campaign normalize=%+v", c)
	}
}

func TestEntity_MergeDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	orig := Entity{Type: TypeLocation, ID: "L1", Name: "Gate", Fields: map[string]any{"door_state": "closed", "tags": []any{"stone"}}}
	merged := orig.Merge(map[string]any{"door_state": "open", "name": "North Gate", "tags": nil, "id": "ignored"})

	if orig.Fields["door_state"] != "closed" {
		t.Fatalf("original mutated: %v", orig.Fields)
	}
	if merged.Fields["door_state"] != "open" {
		t.Fatalf("door_state=%v, want open", merged.Fields["door_state"])
	}
	if merged.Name != "North Gate" {
		t.Fatalf("Name=%q", merged.Name)
	}
	if _, ok := merged.Fields["tags"]; ok {
		t.Fatalf("nil value should delete field")
	}
	if merged.ID != "L1" {
		t.Fatalf("ID=%q, id key must be ignored", merged.ID)
	}
}

func TestEntity_ChunkTextIsStable(t *testing.T) {
	t.Parallel()

	e := Entity{
		Type: TypeCharacter,
		ID:   "aldric",
		Name: "King Aldric",
		Fields: map[string]any{
			"zeal":        "high",
			"status":      "alive",
			"role":        "NPC",
			"motivations": []any{"keep the crown", "protect the realm"},
		},
	}
	got := e.ChunkText()
	want := strings.Join([]string{
		"Character: King Aldric",
		"Role: NPC",
		"Motivations: keep the crown, protect the realm",
		"Status: alive",
		"Zeal: high",
	}, "\n")
	if got != want {
		t.Fatalf("ChunkText=\n%s\nwant\n%s", got, want)
	}
	if again := e.ChunkText(); again != got {
		t.Fatalf("ChunkText not deterministic")
	}
}

func TestEntity_Validate(t *testing.T) {
	t.Parallel()

	if err := (Entity{Type: "dragon", ID: "x"}).Validate(); err == nil {
		t.Fatalf("expected unknown type error")
	}
	if err := (Entity{Type: TypeEvent}).Validate(); err == nil {
		t.Fatalf("expected missing id error")
	}
	if err := (Entity{Type: TypeEvent, ID: "a:b"}).Validate(); err == nil {
		t.Fatalf("expected invalid id error")
	}
	if err := (Entity{Type: TypeEvent, ID: "e1"}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
