package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/lorekeeper/internal/applier"
	"github.com/floegence/lorekeeper/internal/generation"
	"github.com/floegence/lorekeeper/internal/lorestore"
	"github.com/floegence/lorekeeper/internal/retrieval"
	"github.com/floegence/lorekeeper/internal/session"
	"github.com/floegence/lorekeeper/internal/world"
	"github.com/floegence/lorekeeper/internal/worldedit"
)

// Turn is the input of one handler call. Machine is a working copy of the session;
// the engine keeps it only if the turn succeeds.
type Turn struct {
	SessionID string
	Input     string
	Machine   *session.Machine
}

// Result is what a handler produced for one turn.
type Result struct {
	Narration string
	Degraded  bool
	Warnings  []generation.Warning
	Applied   *applier.Report
	Change    *worldedit.ChangeRequest
}

// Handler implements one mode.
type Handler interface {
	Handle(ctx context.Context, t *Turn) (Result, error)
}

func resultOf(out generation.Outcome) Result {
	return Result{Narration: out.Narration, Degraded: out.Degraded, Warnings: out.Warnings}
}

func scopeOf(b session.Bindings) applier.Scope {
	return applier.Scope{UniverseID: b.UniverseID, CampaignID: b.CampaignID}
}

// groundAndGenerate retrieves context from the mode's pool and makes the single
// generation call of the turn.
func (e *Engine) groundAndGenerate(ctx context.Context, t *Turn, extra string) (generation.Outcome, error) {
	mode := t.Machine.CurrentMode()
	grounding := ""
	if pool, ok := retrieval.PoolForMode(mode); ok {
		chunks, err := e.retrieve(ctx, retrieval.Query{Text: t.Input, Mode: mode, Bindings: t.Machine.Bindings()})
		if err != nil {
			return generation.Outcome{}, err
		}
		grounding = retrieval.FormatContext(pool, chunks)
	}
	return e.generate(ctx, generation.Request{
		Mode:    mode,
		Context: grounding,
		History: t.Machine.History(),
		Input:   t.Input,
		Extra:   extra,
	})
}

// bindingSummary describes the active bindings by name for the prompt.
func (e *Engine) bindingSummary(ctx context.Context, b session.Bindings) string {
	var lines []string
	add := func(label string, typ world.EntityType, id string) {
		if id == "" {
			return
		}
		name := id
		if ent, err := e.deps.Entities.GetEntity(ctx, typ, id); err == nil {
			name = ent.DisplayName()
		}
		lines = append(lines, fmt.Sprintf("Active %s: %s", label, name))
	}
	add("universe", world.TypeUniverse, b.UniverseID)
	add("campaign", world.TypeCampaign, b.CampaignID)
	add("party", world.TypeParty, b.PartyID)
	return strings.Join(lines, "\n")
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}

type storyHandler struct{ e *Engine }

func (h storyHandler) Handle(ctx context.Context, t *Turn) (Result, error) {
	e := h.e
	st := t.Machine.Snapshot()
	location := ""
	if id := st.CurrentLocationID; id != "" {
		location = "Current location: " + id
		if ent, err := e.deps.Entities.GetEntity(ctx, world.TypeLocation, id); err == nil {
			location = "Current location: " + ent.ChunkText()
		}
	}
	out, err := e.groundAndGenerate(ctx, t, joinNonEmpty(e.bindingSummary(ctx, st.Bindings), location))
	if err != nil {
		return Result{}, err
	}
	rep, err := e.deps.Applier.Apply(ctx, scopeOf(st.Bindings), out.Updates)
	if err != nil {
		return Result{}, fmt.Errorf("apply log updates: %w", err)
	}
	if id := arrivedAt(out.Updates, rep); id != "" {
		t.Machine.SetCurrentLocation(id)
	}
	res := resultOf(out)
	res.Applied = &rep
	return res, nil
}

// arrivedAt returns the last location the party was reported at, if any. Only
// locations the applier actually wrote count.
func arrivedAt(updates []generation.LogUpdate, rep applier.Report) string {
	written := make(map[string]bool)
	for _, ent := range rep.Changed() {
		if ent.Type == world.TypeLocation {
			written[ent.ID] = true
		}
	}
	id := ""
	for _, u := range updates {
		uid := strings.TrimSpace(u.EntityID)
		if u.EntityType != world.TypeLocation || !written[uid] {
			continue
		}
		if present, _ := u.Fields["party_present"].(bool); present {
			id = uid
		}
	}
	return id
}

type architectHandler struct{ e *Engine }

func (h architectHandler) Handle(ctx context.Context, t *Turn) (Result, error) {
	e := h.e
	b := t.Machine.Bindings()
	out, err := e.groundAndGenerate(ctx, t, e.bindingSummary(ctx, b))
	if err != nil {
		return Result{}, err
	}
	rep, err := e.deps.Applier.Apply(ctx, scopeOf(b), out.Updates)
	if err != nil {
		return Result{}, fmt.Errorf("apply log updates: %w", err)
	}
	// A freshly created universe or campaign becomes the working scope when none is set.
	for _, ent := range rep.Created {
		switch {
		case ent.Type == world.TypeUniverse && t.Machine.Bindings().UniverseID == "":
			_ = t.Machine.Bind(session.BindingUniverse, ent.ID)
		case ent.Type == world.TypeCampaign && t.Machine.Bindings().CampaignID == "" &&
			ent.UniverseID != "" && ent.UniverseID == t.Machine.Bindings().UniverseID:
			_ = t.Machine.Bind(session.BindingCampaign, ent.ID)
		}
	}
	res := resultOf(out)
	res.Applied = &rep
	return res, nil
}

type rulesHandler struct{ e *Engine }

// Handle answers from the rules pool. Rules questions never change the world, so any
// log updates are dropped.
func (h rulesHandler) Handle(ctx context.Context, t *Turn) (Result, error) {
	out, err := h.e.groundAndGenerate(ctx, t, "")
	if err != nil {
		return Result{}, err
	}
	if len(out.Updates) > 0 {
		h.e.log.Debug("ignoring log updates in rules mode", "session_id", t.SessionID, "count", len(out.Updates))
	}
	return resultOf(out), nil
}

const proceedToNext = "proceed_to_next"

type tutorialHandler struct{ e *Engine }

func (h tutorialHandler) Handle(ctx context.Context, t *Turn) (Result, error) {
	e := h.e
	script, err := h.script(ctx, t.Machine)
	if err != nil {
		return Result{}, err
	}
	st := t.Machine.Snapshot()
	steps := tutorialSteps(script)

	extra := "No tutorial script is available. Teach the basics from the rules in the context."
	if script.ID != "" {
		extra = fmt.Sprintf("Tutorial script: %s (id %s)", script.DisplayName(), script.ID)
		switch {
		case len(steps) == 0:
		case st.TutorialStep < len(steps):
			extra += fmt.Sprintf("\nCurrent tutorial step: %d of %d\nStep: %s", st.TutorialStep+1, len(steps), steps[st.TutorialStep])
		default:
			extra += "\nThe tutorial is complete. Congratulate the player and suggest starting a story."
		}
	}

	out, err := e.groundAndGenerate(ctx, t, extra)
	if err != nil {
		return Result{}, err
	}
	if script.ID != "" && advancesTutorial(out.Updates, script.ID) && st.TutorialStep < len(steps) {
		t.Machine.SetTutorial(script.ID, st.TutorialStep+1)
	}
	return resultOf(out), nil
}

// script returns the session's tutorial script, picking the first stored one on entry.
// An empty entity means no script exists.
func (h tutorialHandler) script(ctx context.Context, m *session.Machine) (world.Entity, error) {
	e := h.e
	st := m.Snapshot()
	if st.TutorialScriptID != "" {
		ent, err := e.deps.Entities.GetEntity(ctx, world.TypeTutorialScript, st.TutorialScriptID)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, lorestore.ErrNotFound) {
			return world.Entity{}, fmt.Errorf("%w: load tutorial script: %w", retrieval.ErrRetrievalFailure, err)
		}
	}
	scripts, err := e.deps.Entities.ListEntities(ctx, world.TypeTutorialScript, lorestore.EntityFilter{Limit: 1})
	if err != nil {
		return world.Entity{}, fmt.Errorf("%w: list tutorial scripts: %w", retrieval.ErrRetrievalFailure, err)
	}
	if len(scripts) == 0 {
		return world.Entity{}, nil
	}
	m.SetTutorial(scripts[0].ID, 0)
	return scripts[0], nil
}

func tutorialSteps(script world.Entity) []string {
	raw, _ := script.Fields["steps"].([]any)
	steps := make([]string, 0, len(raw))
	for _, s := range raw {
		switch v := s.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				steps = append(steps, v)
			}
		case map[string]any:
			if text, _ := v["text"].(string); strings.TrimSpace(text) != "" {
				steps = append(steps, strings.TrimSpace(text))
			}
		}
	}
	return steps
}

func advancesTutorial(updates []generation.LogUpdate, scriptID string) bool {
	for _, u := range updates {
		if u.Operation != generation.OperationReference || u.EntityType != world.TypeTutorialScript {
			continue
		}
		if id := strings.TrimSpace(u.EntityID); id != "" && id != scriptID {
			continue
		}
		if next, _ := u.Fields["next_action"].(string); strings.TrimSpace(next) == proceedToNext {
			return true
		}
	}
	return false
}

type worldEditHandler struct{ e *Engine }

// Handle submits the input as a change proposal. Inputs starting with "/" act on the
// session's pending request: /status, /analyze, /resolve <choice>, /reject <reason>.
func (h worldEditHandler) Handle(ctx context.Context, t *Turn) (Result, error) {
	if strings.HasPrefix(t.Input, "/") {
		return h.command(ctx, t)
	}
	e := h.e
	b := t.Machine.Bindings()
	if d := e.submitTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	req, err := e.deps.Resolver.Submit(ctx, worldedit.SubmitRequest{
		SessionID:  t.SessionID,
		ProposerID: t.SessionID,
		UniverseID: b.UniverseID,
		CampaignID: b.CampaignID,
		Proposal:   t.Input,
	})
	if err != nil {
		if errors.Is(err, worldedit.ErrConflictAnalysisFailure) && req.ID != "" {
			t.Machine.SetPendingChangeRequest(req.ID)
			return Result{
				Narration: fmt.Sprintf("Your proposal was recorded as %s but could not be checked against the lore yet (%v). Use /analyze to try again.", req.ID, err),
				Change:    &req,
			}, nil
		}
		return Result{}, err
	}
	t.Machine.SetPendingChangeRequest(req.ID)
	return Result{Narration: req.Describe() + "\n" + nextStepHint(req), Change: &req}, nil
}

// submitTimeout bounds a proposal submission, which runs one retrieval and one
// generation. Zero means unbounded.
func (e *Engine) submitTimeout() time.Duration {
	var d time.Duration
	if e.opts.RetrievalTimeout > 0 {
		d += e.opts.RetrievalTimeout
	}
	if e.opts.GenerationTimeout > 0 {
		d += e.opts.GenerationTimeout
	}
	return d
}

func nextStepHint(req worldedit.ChangeRequest) string {
	if req.Analysis != nil && req.Analysis.Conflict {
		return "Choose a resolution with /resolve <number|label>, or /reject <reason>."
	}
	return "Apply it with /resolve, or /reject <reason>."
}

func (h worldEditHandler) command(ctx context.Context, t *Turn) (Result, error) {
	e := h.e
	name, arg, _ := strings.Cut(strings.TrimPrefix(t.Input, "/"), " ")
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)
	pending := t.Machine.Snapshot().PendingChangeRequestID
	if pending == "" {
		return Result{Narration: "There is no pending change request. Describe the change you want to make."}, nil
	}

	switch name {
	case "status":
		req, err := e.deps.Resolver.Get(ctx, pending)
		if err != nil {
			return Result{}, err
		}
		return Result{Narration: req.Describe(), Change: &req}, nil
	case "analyze":
		req, err := e.deps.Resolver.Analyze(ctx, pending)
		if isChoiceError(err) || errors.Is(err, worldedit.ErrConflictAnalysisFailure) {
			return Result{Narration: fmt.Sprintf("Cannot analyze %s: %v.", pending, err)}, nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Narration: req.Describe() + "\n" + nextStepHint(req), Change: &req}, nil
	case "resolve":
		req, err := e.deps.Resolver.Resolve(ctx, pending, arg)
		if isChoiceError(err) {
			return Result{Narration: fmt.Sprintf("Cannot resolve %s: %v.", pending, err)}, nil
		}
		if err != nil {
			return Result{}, err
		}
		t.Machine.SetPendingChangeRequest("")
		changed := 0
		if req.Applied != nil {
			changed = len(req.Applied.Changed())
		}
		return Result{
			Narration: fmt.Sprintf("Change request %s resolved. %d world record(s) changed.", req.ID, changed),
			Applied:   req.Applied,
			Change:    &req,
		}, nil
	case "reject":
		req, err := e.deps.Resolver.Reject(ctx, pending, arg)
		if isChoiceError(err) {
			return Result{Narration: fmt.Sprintf("Cannot reject %s: %v.", pending, err)}, nil
		}
		if err != nil {
			return Result{}, err
		}
		t.Machine.SetPendingChangeRequest("")
		return Result{Narration: fmt.Sprintf("Change request %s rejected. The world is unchanged.", req.ID), Change: &req}, nil
	default:
		return Result{Narration: "Unknown command. Use /status, /analyze, /resolve <choice> or /reject <reason>."}, nil
	}
}

// isChoiceError reports player mistakes that leave the request untouched.
func isChoiceError(err error) bool {
	return errors.Is(err, worldedit.ErrResolutionRequired) ||
		errors.Is(err, worldedit.ErrUnknownResolution) ||
		errors.Is(err, worldedit.ErrInvalidTransition)
}
