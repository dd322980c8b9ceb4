package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/floegence/lorekeeper/internal/applier"
	"github.com/floegence/lorekeeper/internal/auditlog"
	"github.com/floegence/lorekeeper/internal/config"
	"github.com/floegence/lorekeeper/internal/embedding"
	"github.com/floegence/lorekeeper/internal/engine"
	"github.com/floegence/lorekeeper/internal/generation"
	"github.com/floegence/lorekeeper/internal/index"
	"github.com/floegence/lorekeeper/internal/lockfile"
	"github.com/floegence/lorekeeper/internal/lorestore"
	"github.com/floegence/lorekeeper/internal/retrieval"
	"github.com/floegence/lorekeeper/internal/worldedit"
)

var errNoProvider = errors.New("no generation provider configured")

// app owns everything opened on a data dir. Close releases it in reverse order.
type app struct {
	cfg     *config.Config
	secrets config.Secrets
	log     *slog.Logger

	lock     *lockfile.Lock
	store    *lorestore.Store
	idx      *index.SQLiteIndex
	pipeline *retrieval.Pipeline
	audit    *auditlog.Store
}

func newLogger(format string, level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
}

// openApp locks the data dir and opens the stores, the index and the audit log.
func openApp(cfg *config.Config, secrets config.Secrets, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, secrets: secrets, log: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.lock, err = lockfile.AcquireDir(cfg.DataDir); err != nil {
		return nil, err
	}
	if a.store, err = lorestore.Open(filepath.Join(cfg.DataDir, "lore.sqlite")); err != nil {
		return nil, fmt.Errorf("open world store: %w", err)
	}
	if a.idx, err = index.OpenSQLite(filepath.Join(cfg.DataDir, "index.sqlite")); err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	emb, err := newEmbedder(cfg, secrets)
	if err != nil {
		return nil, err
	}
	a.pipeline, err = retrieval.New(a.idx, emb, retrieval.Options{
		MaxContextTokens: cfg.Retrieval.MaxContextTokens,
		LoreLimit:        cfg.Retrieval.LoreLimit,
		WorldEditLimit:   cfg.Retrieval.WorldEditLimit,
		RulesLimit:       cfg.Retrieval.RulesLimit,
		MaxAttempts:      cfg.Retrieval.MaxAttempts,
		InitialBackoff:   cfg.Retrieval.InitialBackoff,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Audit.Disabled {
		a.audit, err = auditlog.New(auditlog.Options{
			Logger:     logger,
			Dir:        filepath.Join(cfg.DataDir, "audit"),
			MaxBytes:   cfg.Audit.MaxBytes,
			MaxBackups: cfg.Audit.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}
	return a, nil
}

func newEmbedder(cfg *config.Config, secrets config.Secrets) (embedding.Embedder, error) {
	switch cfg.Embedding.Type {
	case config.EmbeddingOpenAI:
		p, ok := cfg.Generation.Provider(cfg.Embedding.ProviderID)
		if !ok {
			return nil, fmt.Errorf("embedding provider %q not found", cfg.Embedding.ProviderID)
		}
		return embedding.NewOpenAIEmbedder(p.BaseURL, secrets.APIKeyFor(p), cfg.Embedding.Model, cfg.Embedding.Dimensions)
	default:
		return embedding.NewHashEmbedder(cfg.Embedding.Dimensions), nil
	}
}

// newBackend builds the backend of the default model.
func newBackend(cfg *config.Config, secrets config.Secrets) (generation.Backend, string, error) {
	p, model, ok := cfg.Generation.DefaultModel()
	if !ok {
		return nil, "", errNoProvider
	}
	b, err := generation.NewBackend(p.Type, p.BaseURL, secrets.APIKeyFor(p), model)
	if err != nil {
		return nil, "", fmt.Errorf("provider %s: %w", p.ID, err)
	}
	return b, p.ID + "/" + model, nil
}

// newEngine composes the turn engine over backend.
func (a *app) newEngine(backend generation.Backend) (*engine.Engine, error) {
	gateway, err := generation.NewGateway(backend, generation.Options{
		MaxOutputTokens: a.cfg.Generation.EffectiveMaxOutputTokens(),
		Logger:          a.log,
	})
	if err != nil {
		return nil, err
	}
	writer, err := applier.New(a.store, a.pipeline, a.log)
	if err != nil {
		return nil, err
	}
	resolverOpts := worldedit.Options{Logger: a.log}
	deps := engine.Deps{
		Sessions:  a.store,
		Entities:  a.store,
		Retriever: a.pipeline,
		Generator: gateway,
		Applier:   writer,
		Index:     a.pipeline,
	}
	if a.audit != nil {
		resolverOpts.Audit = a.audit
		deps.Audit = a.audit
	}
	if deps.Resolver, err = worldedit.NewResolver(a.store, a.pipeline, gateway, writer, resolverOpts); err != nil {
		return nil, err
	}
	return engine.New(deps, engine.Options{
		HistoryCapacity:   a.cfg.HistoryCapacity,
		RetrievalTimeout:  a.cfg.Timeouts.Retrieval,
		GenerationTimeout: a.cfg.Timeouts.Generation,
		Logger:            a.log,
	})
}

func (a *app) Close() {
	if a == nil {
		return
	}
	if a.idx != nil {
		if err := a.idx.Close(); err != nil {
			a.log.Warn("close index", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close world store", "error", err)
		}
	}
	if err := a.audit.Close(); err != nil {
		a.log.Warn("close audit log", "error", err)
	}
	_ = a.lock.Release()
}
