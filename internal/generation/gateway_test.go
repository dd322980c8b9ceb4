package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/lorekeeper/internal/session"
)

type scriptedBackend struct {
	mu    sync.Mutex
	calls []CompletionRequest
	reply string
	err   error
	block bool
}

func (b *scriptedBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()
	if b.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return b.reply, b.err
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestGateway(t *testing.T, b Backend) *Gateway {
	t.Helper()
	g, err := NewGateway(b, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

func TestGateway_GenerateStructured(t *testing.T) {
	t.Parallel()

	b := &scriptedBackend{reply: `{"narration":"The door creaks open","log_updates":[{"operation":"update","type":"location","id":"L1","fields":{"door_state":"open"}}]}`}
	g := newTestGateway(t, b)

	out, err := g.Generate(context.Background(), Request{
		Mode:    session.ModeDmStory,
		Context: "Location: North Gate",
		History: []session.Turn{{Input: "I look around", Narration: "A gate looms."}},
		Input:   "I open the door",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Degraded || out.Narration != "The door creaks open" || len(out.Updates) != 1 {
		t.Fatalf("outcome=%+v", out)
	}
	if b.callCount() != 1 {
		t.Fatalf("backend calls=%d, want 1", b.callCount())
	}
	req := b.calls[0]
	if req.Temperature != 0.8 {
		t.Fatalf("Temperature=%v, want 0.8 for dm_story", req.Temperature)
	}
	if len(req.History) != 2 || req.History[0].Role != RolePlayer || req.History[1].Role != RoleDM {
		t.Fatalf("History=%+v", req.History)
	}
	if !strings.Contains(req.ResponseSchemaHint, "log_updates") || !req.JSONOutput {
		t.Fatalf("schema hint not sent: %+v", req)
	}
}

func TestGateway_DegradedIsNotAnError(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, &scriptedBackend{reply: "The goblin snarls."})
	out, err := g.Generate(context.Background(), Request{Mode: session.ModeDmStory, Input: "attack"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !out.Degraded || out.Narration != "The goblin snarls." || len(out.Updates) != 0 {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestGateway_BackendErrorIsTransportFailure(t *testing.T) {
	t.Parallel()

	b := &scriptedBackend{err: errors.New("503")}
	g := newTestGateway(t, b)
	_, err := g.Generate(context.Background(), Request{Mode: session.ModeRulesExplanation, Input: "how do I grapple"})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("err=%v, want ErrTransportFailure", err)
	}
	if b.callCount() != 1 {
		t.Fatalf("backend calls=%d, want exactly 1", b.callCount())
	}
}

func TestGateway_TimeoutIsTransportFailure(t *testing.T) {
	t.Parallel()

	b := &scriptedBackend{block: true}
	g := newTestGateway(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, Request{Mode: session.ModeDmStory, Input: "wait"})
	if !errors.Is(err, ErrTransportFailure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want transport failure wrapping deadline exceeded", err)
	}
}

func TestGateway_ExtraInstructionsAreAppended(t *testing.T) {
	t.Parallel()

	b := &scriptedBackend{reply: `{"narration":"Step one","log_updates":[]}`}
	g := newTestGateway(t, b)
	if _, err := g.Generate(context.Background(), Request{Mode: session.ModeTutorial, Input: "start", Extra: "Current tutorial step: 1"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasSuffix(b.calls[0].SystemInstructions, "Current tutorial step: 1") {
		t.Fatalf("SystemInstructions=%q", b.calls[0].SystemInstructions)
	}
}

func TestGateway_AnalyzeConflict(t *testing.T) {
	t.Parallel()

	b := &scriptedBackend{reply: `{"conflict":true,"summary":"Aldric lives","resolutions":[{"label":"retcon","description":"he died","log_updates":[]}]}`}
	g := newTestGateway(t, b)
	got, err := g.AnalyzeConflict(context.Background(), ConflictRequest{Proposal: "King Aldric should be dead", Context: "Character: King Aldric\nStatus: alive"})
	if err != nil {
		t.Fatalf("AnalyzeConflict: %v", err)
	}
	if !got.Conflict || got.Resolutions[0].Label != "retcon" {
		t.Fatalf("analysis=%+v", got)
	}
	if !strings.Contains(b.calls[0].Input, "King Aldric should be dead") {
		t.Fatalf("proposal not sent: %q", b.calls[0].Input)
	}

	g = newTestGateway(t, &scriptedBackend{reply: "I think it conflicts."})
	if _, err := g.AnalyzeConflict(context.Background(), ConflictRequest{Proposal: "x"}); !errors.Is(err, ErrMalformedAnalysis) {
		t.Fatalf("err=%v, want ErrMalformedAnalysis", err)
	}
	g = newTestGateway(t, &scriptedBackend{err: errors.New("down")})
	if _, err := g.AnalyzeConflict(context.Background(), ConflictRequest{Proposal: "x"}); !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("err=%v, want ErrTransportFailure", err)
	}
}
