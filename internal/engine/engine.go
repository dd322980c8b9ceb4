// Package engine runs session turns: it serializes each session, dispatches to the
// handler of the current mode, and commits history only for turns that succeed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/floegence/lorekeeper/internal/applier"
	"github.com/floegence/lorekeeper/internal/auditlog"
	"github.com/floegence/lorekeeper/internal/generation"
	"github.com/floegence/lorekeeper/internal/keylock"
	"github.com/floegence/lorekeeper/internal/lorestore"
	"github.com/floegence/lorekeeper/internal/retrieval"
	"github.com/floegence/lorekeeper/internal/session"
	"github.com/floegence/lorekeeper/internal/world"
	"github.com/floegence/lorekeeper/internal/worldedit"
)

var tracer = otel.Tracer("github.com/floegence/lorekeeper/internal/engine")

// ErrEmptyInput is returned for blank turn text.
var ErrEmptyInput = errors.New("empty turn input")

type SessionStore interface {
	LoadSession(ctx context.Context, sessionID string) ([]byte, error)
	SaveSession(ctx context.Context, sessionID string, state []byte) error
}

type EntityStore interface {
	GetEntity(ctx context.Context, typ world.EntityType, id string) (world.Entity, error)
	ListEntities(ctx context.Context, typ world.EntityType, f lorestore.EntityFilter) ([]world.Entity, error)
	DeleteEntity(ctx context.Context, typ world.EntityType, id string) error
}

// Unindexer drops the retrieval chunks of a deleted entity.
type Unindexer interface {
	RemoveEntity(ctx context.Context, entityID string) error
}

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Chunk, error)
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Outcome, error)
}

type Applier interface {
	Apply(ctx context.Context, scope applier.Scope, updates []generation.LogUpdate) (applier.Report, error)
}

type ChangeResolver interface {
	Submit(ctx context.Context, in worldedit.SubmitRequest) (worldedit.ChangeRequest, error)
	Analyze(ctx context.Context, id string) (worldedit.ChangeRequest, error)
	Resolve(ctx context.Context, id, choice string) (worldedit.ChangeRequest, error)
	Reject(ctx context.Context, id, reason string) (worldedit.ChangeRequest, error)
	Get(ctx context.Context, id string) (worldedit.ChangeRequest, error)
}

type Auditor interface {
	Record(ctx context.Context, e auditlog.Entry)
}

// Deps are the collaborators a turn composes.
type Deps struct {
	Sessions  SessionStore
	Entities  EntityStore
	Retriever Retriever
	Generator Generator
	Applier   Applier
	Resolver  ChangeResolver
	// Index is optional. Without it deleted entities keep their chunks until a reindex.
	Index Unindexer
	// Audit is optional.
	Audit Auditor
}

type Options struct {
	HistoryCapacity int
	// RetrievalTimeout and GenerationTimeout bound each blocking call of a turn.
	// Zero disables the bound.
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	Logger            *slog.Logger
}

// Response is what a successful turn returns to the transport layer.
type Response struct {
	SessionID  string                   `json:"session_id"`
	Mode       session.Mode             `json:"mode"`
	TurnNumber int                      `json:"turn_number"`
	Narration  string                   `json:"narration"`
	Degraded   bool                     `json:"degraded,omitempty"`
	Warnings   []generation.Warning     `json:"warnings,omitempty"`
	Applied    *applier.Report          `json:"applied,omitempty"`
	Change     *worldedit.ChangeRequest `json:"change,omitempty"`
}

type Engine struct {
	deps  Deps
	opts  Options
	log   *slog.Logger
	locks *keylock.Locker

	handlers map[session.Mode]Handler

	mu       sync.Mutex
	sessions map[string]*session.Machine
	newID    func() string
	now      func() time.Time
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Sessions == nil {
		return nil, errors.New("missing session store")
	}
	if deps.Entities == nil {
		return nil, errors.New("missing entity store")
	}
	if deps.Retriever == nil {
		return nil, errors.New("missing retriever")
	}
	if deps.Generator == nil {
		return nil, errors.New("missing generator")
	}
	if deps.Applier == nil {
		return nil, errors.New("missing applier")
	}
	if deps.Resolver == nil {
		return nil, errors.New("missing change resolver")
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = session.DefaultHistoryCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	e := &Engine{
		deps:     deps,
		opts:     opts,
		log:      logger,
		locks:    keylock.New(),
		sessions: make(map[string]*session.Machine),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	e.handlers = map[session.Mode]Handler{
		session.ModeMainMenu:         mainMenuHandler{e: e},
		session.ModeWorldArchitect:   architectHandler{e: e},
		session.ModeDmStory:          storyHandler{e: e},
		session.ModeRulesExplanation: rulesHandler{e: e},
		session.ModeTutorial:         tutorialHandler{e: e},
		session.ModeWorldEdit:        worldEditHandler{e: e},
	}
	for _, m := range session.AllModes() {
		if e.handlers[m] == nil {
			return nil, fmt.Errorf("no handler for mode %s", m)
		}
	}
	return e, nil
}

// Submit runs one turn in the session's current mode. On error nothing about the
// session changes: no history entry, no counter increment, nothing persisted.
func (e *Engine) Submit(ctx context.Context, sessionID, input string) (Response, error) {
	if e == nil {
		return Response{}, errors.New("nil engine")
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return Response{}, ErrEmptyInput
	}
	var resp Response
	err := e.withSession(ctx, sessionID, func(m *session.Machine) (bool, error) {
		ctx, span := tracer.Start(ctx, "engine.Turn")
		defer span.End()
		mode := m.CurrentMode()
		span.SetAttributes(attribute.String("session_id", sessionID), attribute.String("mode", string(mode)))

		// Handlers work on a copy; it replaces the live machine only once the turn is
		// complete and persisted.
		work := session.Restore(m.Snapshot(), m.Capacity())
		h, err := e.handlerFor(mode)
		if err != nil {
			return false, err
		}
		res, err := h.Handle(ctx, &Turn{SessionID: sessionID, Input: input, Machine: work})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
			e.audit(ctx, auditlog.Entry{
				Action:     auditlog.ActionTurn,
				Status:     auditlog.StatusFailure,
				Error:      err.Error(),
				SessionID:  sessionID,
				Mode:       string(mode),
				TurnNumber: m.TurnCounter() + 1,
			})
			e.log.Warn("turn failed", "session_id", sessionID, "mode", string(mode), "error", err)
			return false, err
		}

		work.AppendTurn(session.Turn{
			ID:        e.newID(),
			Mode:      mode,
			Input:     input,
			Narration: res.Narration,
			AtUnixMs:  e.now().UnixMilli(),
		})
		if err := e.save(ctx, sessionID, work); err != nil {
			return false, err
		}
		*m = *work

		resp = Response{
			SessionID:  sessionID,
			Mode:       mode,
			TurnNumber: work.TurnCounter(),
			Narration:  res.Narration,
			Degraded:   res.Degraded,
			Warnings:   res.Warnings,
			Applied:    res.Applied,
			Change:     res.Change,
		}
		span.SetAttributes(attribute.Bool("degraded", res.Degraded), attribute.Int("turn_number", resp.TurnNumber))
		detail := map[string]any{"degraded": res.Degraded}
		if res.Applied != nil {
			detail["changed"] = len(res.Applied.Changed())
			detail["skipped"] = len(res.Applied.Skipped)
		}
		entry := auditlog.Entry{
			Action:     auditlog.ActionTurn,
			SessionID:  sessionID,
			Mode:       string(mode),
			TurnNumber: resp.TurnNumber,
			UniverseID: work.Bindings().UniverseID,
			CampaignID: work.Bindings().CampaignID,
			Detail:     detail,
		}
		if res.Change != nil {
			entry.RequestID = res.Change.ID
		}
		e.audit(ctx, entry)
		return false, nil
	})
	return resp, err
}

// SwitchMode moves the session to the mode named by token. Unknown tokens fail with
// session.ErrInvalidTransition and leave the session unchanged.
func (e *Engine) SwitchMode(ctx context.Context, sessionID, token string) (session.Mode, error) {
	var out session.Mode
	err := e.withSession(ctx, sessionID, func(m *session.Machine) (bool, error) {
		from := m.CurrentMode()
		mode, err := m.SwitchMode(token)
		if err != nil {
			return false, err
		}
		out = mode
		e.audit(ctx, auditlog.Entry{
			Action:    auditlog.ActionModeSwitch,
			SessionID: sessionID,
			Mode:      string(mode),
			Detail:    map[string]any{"from": string(from)},
		})
		return true, nil
	})
	return out, err
}

// Bind sets or clears (empty id) one binding. Universe and campaign ids must exist.
func (e *Engine) Bind(ctx context.Context, sessionID string, kind session.BindingKind, id string) error {
	id = strings.TrimSpace(id)
	if id != "" {
		if err := e.checkBindable(ctx, kind, id); err != nil {
			return err
		}
	}
	return e.withSession(ctx, sessionID, func(m *session.Machine) (bool, error) {
		if err := m.Bind(kind, id); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (e *Engine) checkBindable(ctx context.Context, kind session.BindingKind, id string) error {
	var typ world.EntityType
	switch kind {
	case session.BindingUniverse:
		typ = world.TypeUniverse
	case session.BindingCampaign:
		typ = world.TypeCampaign
	case session.BindingParty:
		typ = world.TypeParty
	default:
		return fmt.Errorf("unknown binding %q", kind)
	}
	if _, err := e.deps.Entities.GetEntity(ctx, typ, id); err != nil {
		return fmt.Errorf("bind %s %q: %w", kind, id, err)
	}
	return nil
}

// State returns a snapshot of the session.
func (e *Engine) State(ctx context.Context, sessionID string) (session.State, error) {
	var out session.State
	err := e.withSession(ctx, sessionID, func(m *session.Machine) (bool, error) {
		out = m.Snapshot()
		return false, nil
	})
	return out, err
}

// ResetSession starts a fresh session under the same id.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) error {
	return e.withSession(ctx, sessionID, func(m *session.Machine) (bool, error) {
		m.Reset()
		e.audit(ctx, auditlog.Entry{Action: auditlog.ActionSessionReset, SessionID: sessionID})
		return true, nil
	})
}

// ResolveChange resolves a change request and clears it from the session when it was
// the pending one.
func (e *Engine) ResolveChange(ctx context.Context, sessionID, requestID, choice string) (worldedit.ChangeRequest, error) {
	var out worldedit.ChangeRequest
	err := e.withSession(ctx, sessionID, func(m *session.Machine) (bool, error) {
		req, err := e.deps.Resolver.Resolve(ctx, requestID, choice)
		if err != nil {
			return false, err
		}
		out = req
		return clearPending(m, req.ID), nil
	})
	return out, err
}

// RejectChange rejects a change request and clears it from the session when it was
// the pending one.
func (e *Engine) RejectChange(ctx context.Context, sessionID, requestID, reason string) (worldedit.ChangeRequest, error) {
	var out worldedit.ChangeRequest
	err := e.withSession(ctx, sessionID, func(m *session.Machine) (bool, error) {
		req, err := e.deps.Resolver.Reject(ctx, requestID, reason)
		if err != nil {
			return false, err
		}
		out = req
		return clearPending(m, req.ID), nil
	})
	return out, err
}

func clearPending(m *session.Machine, requestID string) bool {
	if m.Snapshot().PendingChangeRequestID != requestID {
		return false
	}
	m.SetPendingChangeRequest("")
	return true
}

func (e *Engine) handlerFor(m session.Mode) (Handler, error) {
	switch m {
	case session.ModeMainMenu, session.ModeWorldArchitect, session.ModeDmStory,
		session.ModeRulesExplanation, session.ModeTutorial, session.ModeWorldEdit:
		return e.handlers[m], nil
	default:
		return nil, fmt.Errorf("%w: no handler for mode %q", session.ErrInvalidTransition, string(m))
	}
}

// withSession holds the session's exclusivity token while fn runs. When fn reports a
// change the machine is persisted.
func (e *Engine) withSession(ctx context.Context, sessionID string, fn func(m *session.Machine) (bool, error)) error {
	if e == nil {
		return errors.New("nil engine")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session id")
	}
	unlock, err := e.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := e.machine(ctx, sessionID)
	if err != nil {
		return err
	}
	before := m.Snapshot()
	changed, err := fn(m)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := e.save(ctx, sessionID, m); err != nil {
		// Keep memory in line with what is stored.
		*m = *session.Restore(before, m.Capacity())
		return err
	}
	return nil
}

func (e *Engine) machine(ctx context.Context, sessionID string) (*session.Machine, error) {
	e.mu.Lock()
	m, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if ok {
		return m, nil
	}

	raw, err := e.deps.Sessions.LoadSession(ctx, sessionID)
	switch {
	case err == nil:
		st, err := session.UnmarshalState(raw)
		if err != nil {
			e.log.Warn("discarding unreadable session snapshot", "session_id", sessionID, "error", err)
			m = session.NewMachine(e.opts.HistoryCapacity)
		} else {
			m = session.Restore(st, e.opts.HistoryCapacity)
		}
	case errors.Is(err, lorestore.ErrNotFound):
		m = session.NewMachine(e.opts.HistoryCapacity)
	default:
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.sessions[sessionID]; ok {
		return cur, nil
	}
	e.sessions[sessionID] = m
	return m, nil
}

func (e *Engine) save(ctx context.Context, sessionID string, m *session.Machine) error {
	b, err := session.MarshalState(m.Snapshot())
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	if err := e.deps.Sessions.SaveSession(ctx, sessionID, b); err != nil {
		return fmt.Errorf("persist session %s: %w", sessionID, err)
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, entry auditlog.Entry) {
	if e.deps.Audit == nil {
		return
	}
	e.deps.Audit.Record(ctx, entry)
}

// retrieve runs one retrieval under the retrieval timeout.
func (e *Engine) retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Chunk, error) {
	if e.opts.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RetrievalTimeout)
		defer cancel()
	}
	return e.deps.Retriever.Retrieve(ctx, q)
}

// generate runs one generation under the generation timeout. There is no retry.
func (e *Engine) generate(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	if e.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.GenerationTimeout)
		defer cancel()
	}
	return e.deps.Generator.Generate(ctx, req)
}
