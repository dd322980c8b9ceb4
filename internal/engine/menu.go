package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/lorekeeper/internal/generation"
	"github.com/floegence/lorekeeper/internal/lorestore"
	"github.com/floegence/lorekeeper/internal/session"
	"github.com/floegence/lorekeeper/internal/world"
)

const menuHelp = `Main menu commands:
  list universes | list campaigns | list parties
  create universe <name> | create campaign <name> | create party <name>
  use universe <id> | use campaign <id> | use party <id>
  delete universe <id> | delete campaign <id> | delete party <id>
  status
Switch modes with :mode <world_architect|dm_story|rules_explanation|tutorial|world_edit>.`

// mainMenuHandler answers menu commands directly from the context store. It never
// calls the generation backend.
type mainMenuHandler struct{ e *Engine }

func (h mainMenuHandler) Handle(ctx context.Context, t *Turn) (Result, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(t.Input), " ")
	noun, arg, _ := strings.Cut(strings.TrimSpace(rest), " ")
	verb = strings.ToLower(verb)
	arg = strings.TrimSpace(arg)

	switch verb {
	case "status":
		return Result{Narration: h.status(ctx, t.Machine)}, nil
	case "list", "ls":
		kind, err := session.ParseBindingKind(singular(noun))
		if err != nil {
			break
		}
		return h.list(ctx, t.Machine, kind)
	case "create", "new":
		kind, err := session.ParseBindingKind(singular(noun))
		if err != nil || arg == "" {
			break
		}
		return h.create(ctx, t.Machine, kind, arg)
	case "use", "select", "bind":
		kind, err := session.ParseBindingKind(singular(noun))
		if err != nil || arg == "" {
			break
		}
		if err := h.e.checkBindable(ctx, kind, arg); err != nil {
			return Result{Narration: fmt.Sprintf("No %s with id %q.", kind, arg)}, nil
		}
		if err := t.Machine.Bind(kind, arg); err != nil {
			return Result{}, err
		}
		return Result{Narration: h.status(ctx, t.Machine)}, nil
	case "delete", "remove", "rm":
		kind, err := session.ParseBindingKind(singular(noun))
		if err != nil || arg == "" {
			break
		}
		return h.delete(ctx, t.Machine, kind, arg)
	}
	return Result{Narration: menuHelp}, nil
}

func singular(noun string) string {
	n := strings.ToLower(strings.TrimSpace(noun))
	switch n {
	case "parties":
		return "party"
	case "universes", "campaigns":
		return strings.TrimSuffix(n, "s")
	default:
		return n
	}
}

func bindingType(kind session.BindingKind) world.EntityType {
	switch kind {
	case session.BindingUniverse:
		return world.TypeUniverse
	case session.BindingCampaign:
		return world.TypeCampaign
	default:
		return world.TypeParty
	}
}

func (h mainMenuHandler) status(ctx context.Context, m *session.Machine) string {
	summary := h.e.bindingSummary(ctx, m.Bindings())
	if summary == "" {
		summary = "Nothing is bound yet. Create or use a universe to begin."
	}
	return fmt.Sprintf("%s\nTurns played: %d", summary, m.TurnCounter())
}

func (h mainMenuHandler) list(ctx context.Context, m *session.Machine, kind session.BindingKind) (Result, error) {
	f := lorestore.EntityFilter{}
	if kind == session.BindingCampaign {
		f.UniverseID = m.Bindings().UniverseID
	}
	ents, err := h.e.deps.Entities.ListEntities(ctx, bindingType(kind), f)
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", kind, err)
	}
	if len(ents) == 0 {
		return Result{Narration: fmt.Sprintf("No %s found.", kind)}, nil
	}
	active := m.Bindings().Get(kind)
	lines := make([]string, 0, len(ents))
	for _, ent := range ents {
		marker := " "
		if ent.ID == active {
			marker = "*"
		}
		lines = append(lines, fmt.Sprintf("%s %s  %s", marker, ent.ID, ent.DisplayName()))
	}
	return Result{Narration: strings.Join(lines, "\n")}, nil
}

// create stores a new universe, campaign or party through the shared write path and
// binds it.
func (h mainMenuHandler) create(ctx context.Context, m *session.Machine, kind session.BindingKind, name string) (Result, error) {
	b := m.Bindings()
	if kind == session.BindingCampaign && b.UniverseID == "" {
		return Result{Narration: "Use or create a universe before creating a campaign."}, nil
	}
	rep, err := h.e.deps.Applier.Apply(ctx, scopeOf(b), []generation.LogUpdate{{
		Operation:  generation.OperationCreate,
		EntityType: bindingType(kind),
		Fields:     map[string]any{"name": name},
	}})
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", kind, err)
	}
	if len(rep.Created) != 1 {
		return Result{}, fmt.Errorf("create %s: nothing was created", kind)
	}
	ent := rep.Created[0]
	if err := m.Bind(kind, ent.ID); err != nil {
		return Result{}, err
	}
	return Result{
		Narration: fmt.Sprintf("Created %s %q (%s).\n%s", kind, ent.DisplayName(), ent.ID, h.status(ctx, m)),
		Applied:   &rep,
	}, nil
}

// delete removes a universe, campaign or party from the store and the index, and
// unbinds it when the session is using it.
func (h mainMenuHandler) delete(ctx context.Context, m *session.Machine, kind session.BindingKind, id string) (Result, error) {
	typ := bindingType(kind)
	err := h.e.deps.Entities.DeleteEntity(ctx, typ, id)
	if errors.Is(err, lorestore.ErrNotFound) {
		return Result{Narration: fmt.Sprintf("No %s with id %q.", kind, id)}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("delete %s: %w", kind, err)
	}
	if h.e.deps.Index != nil {
		if err := h.e.deps.Index.RemoveEntity(ctx, id); err != nil {
			h.e.log.Warn("remove deleted entity from index", "type", string(typ), "id", id, "error", err)
		}
	}
	if m.Bindings().Get(kind) == id {
		if err := m.Unbind(kind); err != nil {
			return Result{}, err
		}
	}
	return Result{Narration: fmt.Sprintf("Deleted %s %s.\n%s", kind, id, h.status(ctx, m))}, nil
}
