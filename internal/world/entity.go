package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EntityType names one kind of world-model record.
type EntityType string

const (
	TypeUniverse       EntityType = "universe"
	TypeCampaign       EntityType = "campaign"
	TypeLocation       EntityType = "location"
	TypeCharacter      EntityType = "character"
	TypeFaction        EntityType = "faction"
	TypeEvent          EntityType = "event"
	TypeParty          EntityType = "party"
	TypeRulesTopic     EntityType = "rules_topic"
	TypeTutorialScript EntityType = "tutorial_script"
)

// Pool is a named similarity-index collection. Lore and rules are never mixed in one query.
type Pool string

const (
	PoolLore  Pool = "lore"
	PoolRules Pool = "rules"
)

var knownTypes = []EntityType{
	TypeUniverse,
	TypeCampaign,
	TypeLocation,
	TypeCharacter,
	TypeFaction,
	TypeEvent,
	TypeParty,
	TypeRulesTopic,
	TypeTutorialScript,
}

// KnownTypes returns every entity type the world model accepts.
func KnownTypes() []EntityType {
	return append([]EntityType(nil), knownTypes...)
}

// ParseEntityType normalizes a loosely formatted type token ("Location", "rules-topic", "Tutorial Script").
func ParseEntityType(raw string) (EntityType, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for _, t := range knownTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Pool reports which index pool holds chunks of this type.
func (t EntityType) Pool() Pool {
	switch t {
	case TypeRulesTopic, TypeTutorialScript:
		return PoolRules
	default:
		return PoolLore
	}
}

// Indexed reports whether entities of this type produce retrieval chunks.
func (t EntityType) Indexed() bool {
	return t != TypeParty
}

// Entity is the generic world-model record persisted by the context store.
type Entity struct {
	Type       EntityType     `json:"type"`
	ID         string         `json:"id"`
	UniverseID string         `json:"universe_id,omitempty"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// Normalize trims identifiers and applies the self-scoping rule: a universe is its own
// universe scope and a campaign is its own campaign scope.
func (e Entity) Normalize() Entity {
	out := e.Clone()
	out.ID = strings.TrimSpace(out.ID)
	out.UniverseID = strings.TrimSpace(out.UniverseID)
	out.CampaignID = strings.TrimSpace(out.CampaignID)
	out.Name = strings.TrimSpace(out.Name)
	switch out.Type {
	case TypeUniverse:
		out.UniverseID = out.ID
		out.CampaignID = ""
	case TypeCampaign:
		out.CampaignID = out.ID
	}
	return out
}

func (e Entity) Validate() error {
	if _, ok := ParseEntityType(string(e.Type)); !ok {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing entity id")
	}
	if strings.Contains(e.ID, ":") {
		return fmt.Errorf("invalid entity id %q (must not contain :)", e.ID)
	}
	return nil
}

func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Merge overlays fields onto a copy of the entity. The "name" key updates Name, and
// scope keys move the entity between universes/campaigns. A nil value deletes a field.
func (e Entity) Merge(fields map[string]any) Entity {
	out := e.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		switch key {
		case "name":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out.Name = strings.TrimSpace(s)
			}
			continue
		case "universe_id":
			if s, ok := v.(string); ok {
				out.UniverseID = strings.TrimSpace(s)
			}
			continue
		case "campaign_id":
			if s, ok := v.(string); ok {
				out.CampaignID = strings.TrimSpace(s)
			}
			continue
		case "id", "type":
			continue
		}
		if v == nil {
			delete(out.Fields, key)
			continue
		}
		out.Fields[key] = v
	}
	return out
}

// ChunkID is the content address of the single retrieval chunk derived from an entity.
func (e Entity) ChunkID() string {
	return string(e.Type) + ":" + strings.TrimSpace(e.ID)
}

// chunkLayout lists the leading fields rendered for each type, in order. Fields not listed
// follow alphabetically.
var chunkLayout = map[EntityType][]string{
	TypeUniverse:       {"description", "themes"},
	TypeCampaign:       {"summary", "description", "genre", "tone", "core_themes"},
	TypeLocation:       {"type", "description", "tags"},
	TypeCharacter:      {"role", "race", "class_name", "alignment", "summary", "backstory", "motivations"},
	TypeFaction:        {"description", "goals"},
	TypeEvent:          {"summary", "full_text", "time_in_world", "tags"},
	TypeParty:          {"members"},
	TypeRulesTopic:     {"summary", "full_text", "examples", "tags"},
	TypeTutorialScript: {"description", "steps"},
}

// ChunkText renders the entity as the text stored in the similarity index.
func (e Entity) ChunkText() string {
	lines := make([]string, 0, len(e.Fields)+1)
	if name := strings.TrimSpace(e.Name); name != "" {
		lines = append(lines, typeLabel(e.Type)+": "+name)
	}
	seen := make(map[string]struct{}, len(e.Fields))
	for _, key := range chunkLayout[e.Type] {
		seen[key] = struct{}{}
		if line := renderField(key, e.Fields[key]); line != "" {
			lines = append(lines, line)
		}
	}
	rest := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		if _, ok := seen[key]; ok {
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		if line := renderField(key, e.Fields[key]); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// DisplayName falls back to the summary field for unnamed records such as events.
func (e Entity) DisplayName() string {
	if name := strings.TrimSpace(e.Name); name != "" {
		return name
	}
	if s, ok := e.Fields["summary"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return e.ID
}

func typeLabel(t EntityType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func renderField(key string, v any) string {
	val := renderValue(v)
	if val == "" {
		return ""
	}
	return typeLabel(EntityType(key)) + ": " + val
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []string:
		return strings.Join(x, ", ")
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if s := renderValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
