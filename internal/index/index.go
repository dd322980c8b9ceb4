// Package index stores retrieval chunks with their embeddings and answers
// nearest-neighbor queries per pool.
package index

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/lorekeeper/internal/world"
)

var ErrNotFound = errors.New("chunk not found")

// Record is one indexed chunk. ChunkID is unique within its pool.
type Record struct {
	ChunkID    string           `json:"chunk_id"`
	EntityID   string           `json:"entity_id"`
	EntityType world.EntityType `json:"entity_type"`
	UniverseID string           `json:"universe_id,omitempty"`
	CampaignID string           `json:"campaign_id,omitempty"`
	Text       string           `json:"text"`
	Embedding  []float32        `json:"-"`

	IndexedAtUnixMs int64 `json:"indexed_at_unix_ms"`
}

// Match is a query hit. Score is in [0,1], higher is more similar.
type Match struct {
	Record
	Score float64 `json:"score"`
}

// Filter restricts a query or listing. Empty fields do not filter.
type Filter struct {
	UniverseID  string
	CampaignID  string
	EntityID    string
	EntityTypes []world.EntityType
}

func (f Filter) normalized() Filter {
	f.UniverseID = strings.TrimSpace(f.UniverseID)
	f.CampaignID = strings.TrimSpace(f.CampaignID)
	f.EntityID = strings.TrimSpace(f.EntityID)
	return f
}

// Index is the similarity index contract used by retrieval.
type Index interface {
	Query(ctx context.Context, pool world.Pool, embedding []float32, f Filter, limit int) ([]Match, error)
	Get(ctx context.Context, pool world.Pool, chunkID string) (Record, error)
	Upsert(ctx context.Context, pool world.Pool, rec Record) (Record, error)
	Delete(ctx context.Context, pool world.Pool, chunkID string) error
	List(ctx context.Context, pool world.Pool, f Filter) ([]Record, error)
	Count(ctx context.Context, pool world.Pool, f Filter) (int, error)
}
