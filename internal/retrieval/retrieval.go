package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/floegence/lorekeeper/internal/embedding"
	"github.com/floegence/lorekeeper/internal/index"
	"github.com/floegence/lorekeeper/internal/keylock"
	"github.com/floegence/lorekeeper/internal/session"
	"github.com/floegence/lorekeeper/internal/world"
)

var (
	// ErrRetrievalFailure wraps index or embedder failures. The turn that hit it is aborted.
	ErrRetrievalFailure = errors.New("retrieval failure")
	// ErrEmptyQuery is a caller error: retrieval needs non-blank query text.
	ErrEmptyQuery = errors.New("empty retrieval query")
)

const (
	DefaultMaxContextTokens = 2000
	DefaultLoreLimit        = 10
	DefaultWorldEditLimit   = 15
	DefaultRulesLimit       = 5
	DefaultMaxAttempts      = 3
)

var tracer = otel.Tracer("github.com/floegence/lorekeeper/internal/retrieval")

// Chunk is one unit of grounding text returned to a mode handler.
type Chunk struct {
	ChunkID         string           `json:"chunk_id"`
	Text            string           `json:"text"`
	EntityID        string           `json:"entity_id"`
	EntityType      world.EntityType `json:"entity_type"`
	Pool            world.Pool       `json:"pool"`
	Score           float64          `json:"score"`
	IndexedAtUnixMs int64            `json:"indexed_at_unix_ms"`
	Filters         AppliedFilters   `json:"filters"`
}

// AppliedFilters records the scope the chunk was retrieved under.
type AppliedFilters struct {
	UniverseID       string `json:"universe_id,omitempty"`
	CampaignID       string `json:"campaign_id,omitempty"`
	CampaignFallback bool   `json:"campaign_fallback,omitempty"`
}

type Query struct {
	Text     string
	Mode     session.Mode
	Bindings session.Bindings
	// Limit overrides the per-mode candidate count when > 0.
	Limit int
}

type Options struct {
	MaxContextTokens int
	LoreLimit        int
	WorldEditLimit   int
	RulesLimit       int
	MaxAttempts      int
	// InitialBackoff is the first retry delay. Zero uses the backoff library default.
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

// Pipeline answers grounding queries and keeps the index in sync with the world model.
type Pipeline struct {
	idx      index.Index
	embedder embedding.Embedder
	opts     Options
	log      *slog.Logger
	locks    *keylock.Locker
}

func New(idx index.Index, embedder embedding.Embedder, opts Options) (*Pipeline, error) {
	if idx == nil {
		return nil, errors.New("missing index")
	}
	if embedder == nil {
		return nil, errors.New("missing embedder")
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = DefaultMaxContextTokens
	}
	if opts.LoreLimit <= 0 {
		opts.LoreLimit = DefaultLoreLimit
	}
	if opts.WorldEditLimit <= 0 {
		opts.WorldEditLimit = DefaultWorldEditLimit
	}
	if opts.RulesLimit <= 0 {
		opts.RulesLimit = DefaultRulesLimit
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Pipeline{idx: idx, embedder: embedder, opts: opts, log: logger, locks: keylock.New()}, nil
}

// PoolForMode reports which pool a mode may draw from. The second result is false for
// modes that do not ground (MainMenu).
func PoolForMode(m session.Mode) (world.Pool, bool) {
	switch m {
	case session.ModeDmStory, session.ModeWorldEdit, session.ModeWorldArchitect:
		return world.PoolLore, true
	case session.ModeRulesExplanation, session.ModeTutorial:
		return world.PoolRules, true
	default:
		return "", false
	}
}

func (p *Pipeline) limitFor(m session.Mode) int {
	switch m {
	case session.ModeWorldEdit:
		return p.opts.WorldEditLimit
	case session.ModeRulesExplanation, session.ModeTutorial:
		return p.opts.RulesLimit
	default:
		return p.opts.LoreLimit
	}
}

// Retrieve returns ranked, deduplicated chunks that fit the context budget.
//
// Notes:
//   - An active universe binding is a hard filter. An active campaign binding is advisory:
//     if it matches nothing the query is repeated with universe scope only.
//   - An empty result is not an error.
func (p *Pipeline) Retrieve(ctx context.Context, q Query) ([]Chunk, error) {
	if p == nil {
		return nil, errors.New("nil pipeline")
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	pool, ok := PoolForMode(q.Mode)
	if !ok {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = p.limitFor(q.Mode)
	}

	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(q.Mode)), attribute.String("pool", string(pool)))

	vecs, err := p.embedder.Embed(ctx, []string{text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed query")
		return nil, fmt.Errorf("%w: embed query: %w", ErrRetrievalFailure, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors", ErrRetrievalFailure, len(vecs))
	}
	vec := vecs[0]

	applied := AppliedFilters{}
	filter := index.Filter{}
	if pool == world.PoolLore {
		applied.UniverseID = strings.TrimSpace(q.Bindings.UniverseID)
		applied.CampaignID = strings.TrimSpace(q.Bindings.CampaignID)
		filter.UniverseID = applied.UniverseID
		filter.CampaignID = applied.CampaignID
	}

	matches, err := p.query(ctx, pool, vec, filter, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query index")
		return nil, err
	}
	if len(matches) == 0 && filter.CampaignID != "" {
		filter.CampaignID = ""
		applied.CampaignID = ""
		applied.CampaignFallback = true
		matches, err = p.query(ctx, pool, vec, filter, limit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query index")
			return nil, err
		}
	}

	chunks := make([]Chunk, 0, len(matches))
	for _, m := range matches {
		if applied.UniverseID != "" && m.UniverseID != applied.UniverseID {
			// Index contract breach; never leak another universe's lore.
			continue
		}
		chunks = append(chunks, Chunk{
			ChunkID:         m.ChunkID,
			Text:            m.Text,
			EntityID:        m.EntityID,
			EntityType:      m.EntityType,
			Pool:            pool,
			Score:           m.Score,
			IndexedAtUnixMs: m.IndexedAtUnixMs,
			Filters:         applied,
		})
	}
	out := truncateToBudget(dedupe(rank(chunks)), p.opts.MaxContextTokens)
	span.SetAttributes(attribute.Int("chunks", len(out)), attribute.Bool("campaign_fallback", applied.CampaignFallback))
	return out, nil
}

func (p *Pipeline) query(ctx context.Context, pool world.Pool, vec []float32, f index.Filter, limit int) ([]index.Match, error) {
	b := backoff.NewExponentialBackOff()
	if p.opts.InitialBackoff > 0 {
		b.InitialInterval = p.opts.InitialBackoff
	}
	attempt := 0
	matches, err := backoff.Retry(ctx, func() ([]index.Match, error) {
		attempt++
		out, err := p.idx.Query(ctx, pool, vec, f, limit)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.opts.MaxAttempts)))
	if err != nil {
		p.log.Warn("retrieval query failed", "pool", string(pool), "attempts", attempt, "error", err)
		return nil, fmt.Errorf("%w: query %s pool: %w", ErrRetrievalFailure, pool, err)
	}
	return matches, nil
}

// rank orders by score desc, then recency desc, then chunk id for determinism.
func rank(chunks []Chunk) []Chunk {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].IndexedAtUnixMs != chunks[j].IndexedAtUnixMs {
			return chunks[i].IndexedAtUnixMs > chunks[j].IndexedAtUnixMs
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
	return chunks
}

// dedupe keeps the first (best ranked) chunk per source entity. Input must be ranked.
func dedupe(chunks []Chunk) []Chunk {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		key := strings.TrimSpace(c.EntityID)
		if key == "" {
			key = c.ChunkID
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func truncateToBudget(chunks []Chunk, budget int) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		cost := EstimateTokens(c.Text)
		if budget-cost < 0 {
			break
		}
		budget -= cost
		out = append(out, c)
	}
	return out
}

// EstimateTokens is the token-equivalent cost of text in the context budget.
func EstimateTokens(text string) int {
	return len([]rune(text))/4 + 1
}
