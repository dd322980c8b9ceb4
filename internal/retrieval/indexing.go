package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/floegence/lorekeeper/internal/index"
	"github.com/floegence/lorekeeper/internal/world"
)

const reindexParallelism = 4

// IndexEntity writes the entity's single chunk into the pool matching its type.
// Re-indexing unchanged text is a no-op, so repeated calls leave the index as-is.
func (p *Pipeline) IndexEntity(ctx context.Context, e world.Entity) error {
	if p == nil {
		return errors.New("nil pipeline")
	}
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	if !e.Type.Indexed() {
		return nil
	}

	unlock, err := p.locks.Lock(ctx, e.ID)
	if err != nil {
		return err
	}
	defer unlock()

	pool := e.Type.Pool()
	chunkID := e.ChunkID()
	text := e.ChunkText()
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("entity %s renders empty chunk text", chunkID)
	}

	existing, err := p.idx.Get(ctx, pool, chunkID)
	switch {
	case err == nil:
		if existing.Text == text && existing.UniverseID == e.UniverseID && existing.CampaignID == e.CampaignID {
			return nil
		}
	case errors.Is(err, index.ErrNotFound):
	default:
		return fmt.Errorf("%w: load chunk %s: %w", ErrRetrievalFailure, chunkID, err)
	}

	vecs, err := p.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("%w: embed %s: %w", ErrRetrievalFailure, chunkID, err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("%w: embedder returned %d vectors", ErrRetrievalFailure, len(vecs))
	}
	if _, err := p.idx.Upsert(ctx, pool, index.Record{
		ChunkID:    chunkID,
		EntityID:   e.ID,
		EntityType: e.Type,
		UniverseID: e.UniverseID,
		CampaignID: e.CampaignID,
		Text:       text,
		Embedding:  vecs[0],
	}); err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrRetrievalFailure, chunkID, err)
	}
	p.log.Debug("indexed entity", "chunk_id", chunkID, "pool", string(pool))
	return nil
}

// RemoveEntity deletes every chunk whose source is entityID, in both pools.
func (p *Pipeline) RemoveEntity(ctx context.Context, entityID string) error {
	if p == nil {
		return errors.New("nil pipeline")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return errors.New("missing entity id")
	}

	unlock, err := p.locks.Lock(ctx, entityID)
	if err != nil {
		return err
	}
	defer unlock()

	for _, pool := range []world.Pool{world.PoolLore, world.PoolRules} {
		recs, err := p.idx.List(ctx, pool, index.Filter{EntityID: entityID})
		if err != nil {
			return fmt.Errorf("%w: list %s chunks: %w", ErrRetrievalFailure, pool, err)
		}
		for _, rec := range recs {
			if err := p.idx.Delete(ctx, pool, rec.ChunkID); err != nil {
				return fmt.Errorf("%w: delete %s: %w", ErrRetrievalFailure, rec.ChunkID, err)
			}
		}
	}
	return nil
}

// Prune deletes every chunk, in both pools, whose source is not among keep. It returns
// how many chunks were removed.
func (p *Pipeline) Prune(ctx context.Context, keep []world.Entity) (int, error) {
	if p == nil {
		return 0, errors.New("nil pipeline")
	}
	live := make(map[string]bool, len(keep))
	for _, e := range keep {
		live[e.Normalize().ChunkID()] = true
	}
	removed := 0
	for _, pool := range []world.Pool{world.PoolLore, world.PoolRules} {
		recs, err := p.idx.List(ctx, pool, index.Filter{})
		if err != nil {
			return removed, fmt.Errorf("%w: list %s chunks: %w", ErrRetrievalFailure, pool, err)
		}
		for _, rec := range recs {
			if live[rec.ChunkID] {
				continue
			}
			if err := p.deleteChunk(ctx, pool, rec); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		p.log.Info("pruned stale chunks", "count", removed)
	}
	return removed, nil
}

func (p *Pipeline) deleteChunk(ctx context.Context, pool world.Pool, rec index.Record) error {
	unlock, err := p.locks.Lock(ctx, rec.EntityID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.idx.Delete(ctx, pool, rec.ChunkID); err != nil && !errors.Is(err, index.ErrNotFound) {
		return fmt.Errorf("%w: delete %s: %w", ErrRetrievalFailure, rec.ChunkID, err)
	}
	return nil
}

// ReindexAll indexes entities with bounded parallelism and stops at the first failure.
func (p *Pipeline) ReindexAll(ctx context.Context, entities []world.Entity) error {
	if p == nil {
		return errors.New("nil pipeline")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexParallelism)
	for _, e := range entities {
		g.Go(func() error {
			return p.IndexEntity(gctx, e)
		})
	}
	return g.Wait()
}

// Count reports how many chunks the pool holds for entityID (all entities when blank).
func (p *Pipeline) Count(ctx context.Context, pool world.Pool, entityID string) (int, error) {
	if p == nil {
		return 0, errors.New("nil pipeline")
	}
	return p.idx.Count(ctx, pool, index.Filter{EntityID: entityID})
}
