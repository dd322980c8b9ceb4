// Package worldedit mediates player-proposed world changes against established lore.
//
// A request moves Pending -> Analyzed -> {Resolved | Rejected}. Analysis is produced
// by the generation gateway from the proposal and the lore it retrieves; nothing is
// written to the world until a human picks a resolution.
package worldedit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

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
)

var (
	// ErrConflictAnalysisFailure means no analysis could be produced. The request stays
	// Pending and can be analyzed again.
	ErrConflictAnalysisFailure = errors.New("conflict analysis failure")
	ErrInvalidTransition       = errors.New("invalid change request transition")
	// ErrResolutionRequired is returned when a conflicting request is resolved without a choice.
	ErrResolutionRequired = errors.New("resolution choice required")
	ErrUnknownResolution  = errors.New("unknown resolution")
)

var tracer = otel.Tracer("github.com/floegence/lorekeeper/internal/worldedit")

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Chunk, error)
}

type Analyzer interface {
	AnalyzeConflict(ctx context.Context, req generation.ConflictRequest) (generation.ConflictAnalysis, error)
}

type Applier interface {
	Apply(ctx context.Context, scope applier.Scope, updates []generation.LogUpdate) (applier.Report, error)
}

type Store interface {
	CreateChangeRequest(ctx context.Context, rec lorestore.ChangeRequestRecord) (lorestore.ChangeRequestRecord, error)
	GetChangeRequest(ctx context.Context, requestID string) (lorestore.ChangeRequestRecord, error)
	UpdateChangeRequest(ctx context.Context, rec lorestore.ChangeRequestRecord, expectedStatus string) (lorestore.ChangeRequestRecord, error)
	ListChangeRequests(ctx context.Context, status string, limit int) ([]lorestore.ChangeRequestRecord, error)
}

type Auditor interface {
	Record(ctx context.Context, e auditlog.Entry)
}

type Options struct {
	Logger *slog.Logger
	// Audit is optional.
	Audit Auditor
}

type Resolver struct {
	store     Store
	retriever Retriever
	analyzer  Analyzer
	applier   Applier
	audit     Auditor
	log       *slog.Logger
	locks     *keylock.Locker
	newID     func() string
}

func NewResolver(store Store, retriever Retriever, analyzer Analyzer, app Applier, opts Options) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("missing change request store")
	}
	if retriever == nil {
		return nil, errors.New("missing retriever")
	}
	if analyzer == nil {
		return nil, errors.New("missing analyzer")
	}
	if app == nil {
		return nil, errors.New("missing applier")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Resolver{
		store:     store,
		retriever: retriever,
		analyzer:  analyzer,
		applier:   app,
		audit:     opts.Audit,
		log:       logger,
		locks:     keylock.New(),
		newID:     uuid.NewString,
	}, nil
}

type SubmitRequest struct {
	SessionID  string
	ProposerID string
	UniverseID string
	CampaignID string
	Proposal   string
}

// Submit persists a Pending request and analyzes it. When analysis fails the Pending
// request is returned together with ErrConflictAnalysisFailure.
func (r *Resolver) Submit(ctx context.Context, in SubmitRequest) (ChangeRequest, error) {
	if r == nil {
		return ChangeRequest{}, errors.New("nil resolver")
	}
	proposal := strings.TrimSpace(in.Proposal)
	if proposal == "" {
		return ChangeRequest{}, errors.New("missing proposal")
	}
	req := ChangeRequest{
		ID:         r.newID(),
		SessionID:  strings.TrimSpace(in.SessionID),
		ProposerID: strings.TrimSpace(in.ProposerID),
		UniverseID: strings.TrimSpace(in.UniverseID),
		CampaignID: strings.TrimSpace(in.CampaignID),
		Proposal:   proposal,
		Status:     StatusPending,
	}
	rec, err := toRecord(req)
	if err != nil {
		return ChangeRequest{}, err
	}
	rec, err = r.store.CreateChangeRequest(ctx, rec)
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("persist change request: %w", err)
	}
	req, err = fromRecord(rec)
	if err != nil {
		return ChangeRequest{}, err
	}
	r.record(ctx, auditlog.ActionChangeSubmitted, req, nil, map[string]any{"proposal": proposal})

	unlock, err := r.locks.Lock(ctx, req.ID)
	if err != nil {
		return req, err
	}
	defer unlock()
	return r.analyzeLocked(ctx, req)
}

// Analyze re-runs analysis on a Pending request.
func (r *Resolver) Analyze(ctx context.Context, id string) (ChangeRequest, error) {
	if r == nil {
		return ChangeRequest{}, errors.New("nil resolver")
	}
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	defer unlock()

	req, err := r.Get(ctx, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	if !canTransition(req.Status, StatusAnalyzed) {
		return req, fmt.Errorf("%w: analyze from %s", ErrInvalidTransition, req.Status)
	}
	return r.analyzeLocked(ctx, req)
}

func (r *Resolver) analyzeLocked(ctx context.Context, req ChangeRequest) (ChangeRequest, error) {
	ctx, span := tracer.Start(ctx, "worldedit.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", req.ID))

	fail := func(err error) (ChangeRequest, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis")
		r.record(ctx, auditlog.ActionChangeAnalyzed, req, err, nil)
		r.log.Warn("conflict analysis failed", "request_id", req.ID, "error", err)
		return req, fmt.Errorf("%w: %w", ErrConflictAnalysisFailure, err)
	}

	chunks, err := r.retriever.Retrieve(ctx, retrieval.Query{
		Text:     req.Proposal,
		Mode:     session.ModeWorldEdit,
		Bindings: session.Bindings{UniverseID: req.UniverseID, CampaignID: req.CampaignID},
	})
	if err != nil {
		return fail(err)
	}
	analysis, err := r.analyzer.AnalyzeConflict(ctx, generation.ConflictRequest{
		Proposal: req.Proposal,
		Context:  retrieval.FormatContext(world.PoolLore, chunks),
	})
	if err != nil {
		return fail(err)
	}

	next := req
	next.Status = StatusAnalyzed
	next.Analysis = &analysis
	saved, err := r.transition(ctx, next, StatusPending)
	if err != nil {
		return req, err
	}
	span.SetAttributes(attribute.Bool("conflict", analysis.Conflict), attribute.Int("grounding_chunks", len(chunks)))
	r.record(ctx, auditlog.ActionChangeAnalyzed, saved, nil, map[string]any{
		"conflict":    analysis.Conflict,
		"resolutions": len(analysis.Resolutions),
	})
	return saved, nil
}

// Resolve applies the chosen resolution and marks the request Resolved. choice is a
// resolution label or its 1-based position. An empty choice passes a non-conflicting
// request through with its first resolution, if any.
func (r *Resolver) Resolve(ctx context.Context, id, choice string) (ChangeRequest, error) {
	if r == nil {
		return ChangeRequest{}, errors.New("nil resolver")
	}
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	defer unlock()

	req, err := r.Get(ctx, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	if !canTransition(req.Status, StatusResolved) {
		return req, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, req.Status)
	}
	chosen, err := pickResolution(req.Analysis, choice)
	if err != nil {
		return req, err
	}

	ctx, span := tracer.Start(ctx, "worldedit.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", req.ID))

	var updates []generation.LogUpdate
	decision := &Decision{Choice: strings.TrimSpace(choice)}
	if chosen != nil {
		updates = chosen.LogUpdates
		decision.Choice = chosen.Label
		decision.Resolution = chosen
	}
	rep, err := r.applier.Apply(ctx, applier.Scope{UniverseID: req.UniverseID, CampaignID: req.CampaignID}, updates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply")
		r.record(ctx, auditlog.ActionChangeResolved, req, err, nil)
		return req, fmt.Errorf("apply resolution: %w", err)
	}

	next := req
	next.Status = StatusResolved
	next.Decision = decision
	next.Applied = &rep
	saved, err := r.transition(ctx, next, StatusAnalyzed)
	if err != nil {
		return req, err
	}
	span.SetAttributes(attribute.Int("applied", len(rep.Changed())))
	r.record(ctx, auditlog.ActionChangeResolved, saved, nil, map[string]any{
		"choice":  decision.Choice,
		"changed": len(rep.Changed()),
		"skipped": len(rep.Skipped),
	})
	return saved, nil
}

// Reject closes an analyzed request without touching the world.
func (r *Resolver) Reject(ctx context.Context, id, reason string) (ChangeRequest, error) {
	if r == nil {
		return ChangeRequest{}, errors.New("nil resolver")
	}
	unlock, err := r.locks.Lock(ctx, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	defer unlock()

	req, err := r.Get(ctx, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	if !canTransition(req.Status, StatusRejected) {
		return req, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, req.Status)
	}
	next := req
	next.Status = StatusRejected
	next.Decision = &Decision{Reason: strings.TrimSpace(reason)}
	saved, err := r.transition(ctx, next, StatusAnalyzed)
	if err != nil {
		return req, err
	}
	r.record(ctx, auditlog.ActionChangeRejected, saved, nil, map[string]any{"reason": next.Decision.Reason})
	return saved, nil
}

func (r *Resolver) Get(ctx context.Context, id string) (ChangeRequest, error) {
	rec, err := r.store.GetChangeRequest(ctx, id)
	if err != nil {
		return ChangeRequest{}, err
	}
	return fromRecord(rec)
}

// List returns requests newest first. An empty status lists all of them.
func (r *Resolver) List(ctx context.Context, status Status, limit int) ([]ChangeRequest, error) {
	recs, err := r.store.ListChangeRequests(ctx, string(status), limit)
	if err != nil {
		return nil, err
	}
	out := make([]ChangeRequest, 0, len(recs))
	for _, rec := range recs {
		req, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (r *Resolver) transition(ctx context.Context, next ChangeRequest, from Status) (ChangeRequest, error) {
	rec, err := toRecord(next)
	if err != nil {
		return ChangeRequest{}, err
	}
	rec, err = r.store.UpdateChangeRequest(ctx, rec, string(from))
	if err != nil {
		if errors.Is(err, lorestore.ErrStaleStatus) {
			return ChangeRequest{}, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return ChangeRequest{}, fmt.Errorf("persist change request: %w", err)
	}
	return fromRecord(rec)
}

func (r *Resolver) record(ctx context.Context, action string, req ChangeRequest, err error, detail map[string]any) {
	if r.audit == nil {
		return
	}
	e := auditlog.Entry{
		Action:     action,
		SessionID:  req.SessionID,
		RequestID:  req.ID,
		UniverseID: req.UniverseID,
		CampaignID: req.CampaignID,
		Detail:     detail,
	}
	if err != nil {
		e.Status = auditlog.StatusFailure
		e.Error = err.Error()
	}
	r.audit.Record(ctx, e)
}

func pickResolution(a *generation.ConflictAnalysis, choice string) (*generation.Resolution, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: request has no analysis", ErrInvalidTransition)
	}
	choice = strings.TrimSpace(choice)
	if choice == "" {
		if a.Conflict {
			return nil, ErrResolutionRequired
		}
		if len(a.Resolutions) == 0 {
			return nil, nil
		}
		res := a.Resolutions[0]
		return &res, nil
	}
	if n, err := strconv.Atoi(choice); err == nil {
		if n < 1 || n > len(a.Resolutions) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownResolution, n)
		}
		res := a.Resolutions[n-1]
		return &res, nil
	}
	for _, res := range a.Resolutions {
		if strings.EqualFold(strings.TrimSpace(res.Label), choice) {
			return &res, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, choice)
}
