package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/floegence/lorekeeper/internal/lorestore"
	"github.com/floegence/lorekeeper/internal/retrieval"
	"github.com/floegence/lorekeeper/internal/world"
)

// seedFile is the YAML layout accepted by `lorekeeper seed`:
//
//	entities:
//	  - type: universe
//	    id: varn
//	    name: Varn
//	  - type: location
//	    id: north-gate
//	    universe_id: varn
//	    name: North Gate
//	    fields:
//	      door_state: closed
type seedFile struct {
	Entities []seedEntity `yaml:"entities"`
}

type seedEntity struct {
	Type       string         `yaml:"type"`
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	UniverseID string         `yaml:"universe_id"`
	CampaignID string         `yaml:"campaign_id"`
	Fields     map[string]any `yaml:"fields"`
}

func loadSeed(path string) ([]world.Entity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Entities) == 0 {
		return nil, fmt.Errorf("%s: no entities", path)
	}
	out := make([]world.Entity, 0, len(f.Entities))
	for i, se := range f.Entities {
		typ, ok := world.ParseEntityType(se.Type)
		if !ok {
			return nil, fmt.Errorf("entities[%d]: unknown type %q", i, se.Type)
		}
		if strings.TrimSpace(se.ID) == "" {
			return nil, fmt.Errorf("entities[%d]: missing id", i)
		}
		out = append(out, world.Entity{
			Type:       typ,
			ID:         se.ID,
			Name:       se.Name,
			UniverseID: se.UniverseID,
			CampaignID: se.CampaignID,
			Fields:     se.Fields,
		}.Normalize())
	}
	return out, nil
}

type entityWriter interface {
	UpsertEntity(ctx context.Context, e world.Entity) (world.Entity, error)
}

// seedWorld stores entities in file order and then indexes all of them.
func seedWorld(ctx context.Context, store entityWriter, pipeline *retrieval.Pipeline, entities []world.Entity) (int, error) {
	saved := make([]world.Entity, 0, len(entities))
	for _, e := range entities {
		s, err := store.UpsertEntity(ctx, e)
		if err != nil {
			return len(saved), fmt.Errorf("store %s: %w", e.ChunkID(), err)
		}
		saved = append(saved, s)
	}
	if err := pipeline.ReindexAll(ctx, saved); err != nil {
		return len(saved), err
	}
	return len(saved), nil
}

type entityLister interface {
	ListEntities(ctx context.Context, typ world.EntityType, f lorestore.EntityFilter) ([]world.Entity, error)
}

const reindexPageSize = 500

// reindexWorld rebuilds the index from every stored entity and drops chunks whose
// entity no longer exists.
func reindexWorld(ctx context.Context, store entityLister, pipeline *retrieval.Pipeline) (int, error) {
	var all []world.Entity
	for _, typ := range world.KnownTypes() {
		for offset := 0; ; offset += reindexPageSize {
			page, err := store.ListEntities(ctx, typ, lorestore.EntityFilter{Limit: reindexPageSize, Offset: offset})
			if err != nil {
				return 0, fmt.Errorf("list %s: %w", typ, err)
			}
			all = append(all, page...)
			if len(page) < reindexPageSize {
				break
			}
		}
	}
	if _, err := pipeline.Prune(ctx, all); err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, errors.New("the world store is empty")
	}
	if err := pipeline.ReindexAll(ctx, all); err != nil {
		return 0, err
	}
	return len(all), nil
}
