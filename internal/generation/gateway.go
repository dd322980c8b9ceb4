package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/floegence/lorekeeper/internal/session"
)

var tracer = otel.Tracer("github.com/floegence/lorekeeper/internal/generation")

// Request is one narration turn.
type Request struct {
	Mode    session.Mode
	Context string
	History []session.Turn
	Input   string
	// Extra is appended to the mode instructions (tutorial step, active bindings).
	Extra string
}

type ConflictRequest struct {
	Proposal string
	Context  string
}

type Options struct {
	MaxOutputTokens int
	Logger          *slog.Logger
}

// Gateway turns a mode, grounding context and player input into an Outcome.
// It holds no per-session state.
type Gateway struct {
	backend Backend
	opts    Options
	log     *slog.Logger
}

func NewGateway(backend Backend, opts Options) (*Gateway, error) {
	if backend == nil {
		return nil, errors.New("missing backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Gateway{backend: backend, opts: opts, log: logger}, nil
}

// Generate performs exactly one backend call. Backend errors and timeouts return
// ErrTransportFailure; malformed output yields a degraded Outcome and no error.
func (g *Gateway) Generate(ctx context.Context, req Request) (Outcome, error) {
	if g == nil {
		return Outcome{}, errors.New("nil gateway")
	}
	ctx, span := tracer.Start(ctx, "generation.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(req.Mode)))

	profile := profileFor(req.Mode)
	instructions := profile.instructions
	if extra := strings.TrimSpace(req.Extra); extra != "" {
		instructions += "\n\n" + extra
	}
	raw, err := g.backend.Complete(ctx, CompletionRequest{
		SystemInstructions: instructions,
		Context:            req.Context,
		History:            historyEntries(req.History),
		Input:              req.Input,
		ResponseSchemaHint: schemaHint(),
		Temperature:        profile.temperature,
		MaxOutputTokens:    g.opts.MaxOutputTokens,
		JSONOutput:         true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend")
		return Outcome{}, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	out := OutcomeOf(ParseResponse(raw))
	for _, w := range out.Warnings {
		g.log.Warn("generation warning", "mode", string(req.Mode), "kind", string(w.Kind), "detail", w.Message)
	}
	span.SetAttributes(attribute.Bool("degraded", out.Degraded), attribute.Int("log_updates", len(out.Updates)))
	return out, nil
}

// AnalyzeConflict asks the backend whether a proposal contradicts the given lore.
func (g *Gateway) AnalyzeConflict(ctx context.Context, req ConflictRequest) (ConflictAnalysis, error) {
	if g == nil {
		return ConflictAnalysis{}, errors.New("nil gateway")
	}
	proposal := strings.TrimSpace(req.Proposal)
	if proposal == "" {
		return ConflictAnalysis{}, errors.New("missing proposal")
	}
	ctx, span := tracer.Start(ctx, "generation.AnalyzeConflict")
	defer span.End()

	raw, err := g.backend.Complete(ctx, CompletionRequest{
		SystemInstructions: conflictInstructions,
		Context:            req.Context,
		Input:              "Proposed change: " + proposal,
		ResponseSchemaHint: conflictSchemaHint + "\nKnown entity types: " + entityTypeList() + ".",
		Temperature:        0.2,
		MaxOutputTokens:    g.opts.MaxOutputTokens,
		JSONOutput:         true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend")
		return ConflictAnalysis{}, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	analysis, err := ParseConflictAnalysis(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse")
		return ConflictAnalysis{}, err
	}
	span.SetAttributes(attribute.Bool("conflict", analysis.Conflict), attribute.Int("resolutions", len(analysis.Resolutions)))
	return analysis, nil
}

func historyEntries(turns []session.Turn) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(turns)*2)
	for _, t := range turns {
		if in := strings.TrimSpace(t.Input); in != "" {
			out = append(out, HistoryEntry{Role: RolePlayer, Text: in})
		}
		if n := strings.TrimSpace(t.Narration); n != "" {
			out = append(out, HistoryEntry{Role: RoleDM, Text: n})
		}
	}
	return out
}
