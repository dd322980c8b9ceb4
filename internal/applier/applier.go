// Package applier is the single write path for model-proposed world changes. Turn
// post-processing and world-edit resolutions both go through it.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/floegence/lorekeeper/internal/generation"
	"github.com/floegence/lorekeeper/internal/lorestore"
	"github.com/floegence/lorekeeper/internal/world"
)

// EntityStore is the subset of the context store the applier writes through.
type EntityStore interface {
	GetEntity(ctx context.Context, typ world.EntityType, id string) (world.Entity, error)
	UpsertEntity(ctx context.Context, e world.Entity) (world.Entity, error)
}

// Indexer refreshes the retrieval chunk of a changed entity.
type Indexer interface {
	IndexEntity(ctx context.Context, e world.Entity) error
}

// Scope supplies the default universe/campaign for created entities.
type Scope struct {
	UniverseID string
	CampaignID string
}

// Skip records an update that was not applied and why.
type Skip struct {
	Update generation.LogUpdate `json:"update"`
	Reason string               `json:"reason"`
}

// Report lists what one Apply call did, in input order per category.
type Report struct {
	Created    []world.Entity         `json:"created,omitempty"`
	Updated    []world.Entity         `json:"updated,omitempty"`
	Referenced []generation.LogUpdate `json:"referenced,omitempty"`
	Skipped    []Skip                 `json:"skipped,omitempty"`
	// IndexErrors are chunk refresh failures. The store write already succeeded.
	IndexErrors []string `json:"index_errors,omitempty"`
}

// Changed returns created and updated entities.
func (r Report) Changed() []world.Entity {
	out := make([]world.Entity, 0, len(r.Created)+len(r.Updated))
	out = append(out, r.Created...)
	return append(out, r.Updated...)
}

type Applier struct {
	store   EntityStore
	indexer Indexer
	log     *slog.Logger
	newID   func() string
}

func New(store EntityStore, indexer Indexer, logger *slog.Logger) (*Applier, error) {
	if store == nil {
		return nil, errors.New("missing entity store")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Applier{store: store, indexer: indexer, log: logger, newID: uuid.NewString}, nil
}

// planned is one validated write.
type planned struct {
	op     generation.Operation
	entity world.Entity
}

// Apply validates every update against the current world before the first write, then
// writes the valid ones in order. Invalid or dangling updates are skipped and reported;
// only store failures return an error.
func (a *Applier) Apply(ctx context.Context, scope Scope, updates []generation.LogUpdate) (Report, error) {
	if a == nil {
		return Report{}, errors.New("nil applier")
	}
	var rep Report
	plan, err := a.plan(ctx, scope, updates, &rep)
	if err != nil {
		return rep, err
	}
	for _, p := range plan {
		saved, err := a.store.UpsertEntity(ctx, p.entity)
		if err != nil {
			return rep, fmt.Errorf("%s %s: %w", p.op, p.entity.ChunkID(), err)
		}
		if p.op == generation.OperationCreate {
			rep.Created = append(rep.Created, saved)
		} else {
			rep.Updated = append(rep.Updated, saved)
		}
		a.reindex(ctx, saved, &rep)
	}
	return rep, nil
}

// plan resolves each update to the entity it would write. Later updates in the batch
// see the result of earlier ones.
func (a *Applier) plan(ctx context.Context, scope Scope, updates []generation.LogUpdate, rep *Report) ([]planned, error) {
	pending := make(map[string]world.Entity)
	lookup := func(typ world.EntityType, id string) (world.Entity, bool, error) {
		key := string(typ) + ":" + id
		if e, ok := pending[key]; ok {
			return e, true, nil
		}
		e, err := a.store.GetEntity(ctx, typ, id)
		if errors.Is(err, lorestore.ErrNotFound) {
			return world.Entity{}, false, nil
		}
		if err != nil {
			return world.Entity{}, false, fmt.Errorf("load %s %s: %w", typ, id, err)
		}
		return e, true, nil
	}
	skip := func(u generation.LogUpdate, reason string) {
		rep.Skipped = append(rep.Skipped, Skip{Update: u, Reason: reason})
		a.log.Warn("log update skipped", "type", string(u.EntityType), "id", u.EntityID, "reason", reason)
	}

	var out []planned
	for _, u := range updates {
		if _, ok := world.ParseEntityType(string(u.EntityType)); !ok {
			skip(u, fmt.Sprintf("unknown entity type %q", u.EntityType))
			continue
		}
		id := strings.TrimSpace(u.EntityID)
		var next world.Entity
		switch u.Operation {
		case generation.OperationReference:
			rep.Referenced = append(rep.Referenced, u)
			continue
		case generation.OperationCreate:
			if id == "" {
				id = a.newID()
			}
			if err := (world.Entity{Type: u.EntityType, ID: id}).Validate(); err != nil {
				skip(u, err.Error())
				continue
			}
			base, found, err := lookup(u.EntityType, id)
			if err != nil {
				return nil, err
			}
			if !found {
				base = world.Entity{
					Type:       u.EntityType,
					ID:         id,
					UniverseID: strings.TrimSpace(scope.UniverseID),
					CampaignID: strings.TrimSpace(scope.CampaignID),
				}
			}
			next = base.Merge(u.Fields)
			if strings.TrimSpace(next.Name) == "" {
				next.Name = next.DisplayName()
			}
		case generation.OperationUpdate:
			if id == "" {
				skip(u, "update without id")
				continue
			}
			if err := (world.Entity{Type: u.EntityType, ID: id}).Validate(); err != nil {
				skip(u, err.Error())
				continue
			}
			existing, found, err := lookup(u.EntityType, id)
			if err != nil {
				return nil, err
			}
			if !found {
				skip(u, "target does not exist")
				continue
			}
			next = existing.Merge(u.Fields)
		default:
			skip(u, fmt.Sprintf("unknown operation %q", u.Operation))
			continue
		}

		next = next.Normalize()
		if err := next.Validate(); err != nil {
			skip(u, err.Error())
			continue
		}
		pending[next.ChunkID()] = next
		out = append(out, planned{op: u.Operation, entity: next})
	}
	return out, nil
}

func (a *Applier) reindex(ctx context.Context, e world.Entity, rep *Report) {
	if a.indexer == nil {
		return
	}
	if err := a.indexer.IndexEntity(ctx, e); err != nil {
		rep.IndexErrors = append(rep.IndexErrors, fmt.Sprintf("%s: %v", e.ChunkID(), err))
		a.log.Warn("reindex failed", "chunk_id", e.ChunkID(), "error", err)
	}
}
