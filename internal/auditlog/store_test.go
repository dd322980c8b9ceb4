package auditlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func newTestStore(t *testing.T, maxBytes int64, maxBackups int) *Store {
	t.Helper()
	s, err := New(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dir:        t.TempDir(),
		MaxBytes:   maxBytes,
		MaxBackups: maxBackups,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0, 0)
	s.Append(Entry{Action: ActionTurn, SessionID: "s1", TurnNumber: 1})
	s.Append(Entry{Action: ActionTurn, SessionID: "s2", TurnNumber: 1})
	s.Append(Entry{Action: ActionChangeRejected, SessionID: "s1", RequestID: "r1", Status: StatusFailure})

	all, err := s.List(Filter{}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].Action != ActionChangeRejected {
		t.Fatalf("entries=%+v", all)
	}
	if all[1].Status != StatusSuccess || all[1].CreatedAt == "" {
		t.Fatalf("defaults not applied: %+v", all[1])
	}

	s1, _ := s.List(Filter{SessionID: "s1"}, 0)
	if len(s1) != 2 {
		t.Fatalf("session filter len=%d, want 2", len(s1))
	}
	r1, _ := s.List(Filter{RequestID: "r1", Action: ActionChangeRejected}, 0)
	if len(r1) != 1 || r1[0].Status != StatusFailure {
		t.Fatalf("request filter=%+v", r1)
	}
}

func TestStore_RecordStampsSpanContext(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0, 0)
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))
	s.Record(ctx, Entry{Action: ActionModeSwitch, SessionID: "s1", Mode: "dm_story"})

	got, _ := s.List(Filter{}, 1)
	if len(got) != 1 {
		t.Fatalf("len=%d, want 1", len(got))
	}
	if got[0].TraceID != tid.String() || got[0].SpanID != sid.String() {
		t.Fatalf("trace=%q span=%q", got[0].TraceID, got[0].SpanID)
	}

	s.Record(context.Background(), Entry{Action: ActionTurn})
	got, _ = s.List(Filter{Action: ActionTurn}, 1)
	if got[0].TraceID != "" {
		t.Fatalf("TraceID=%q, want empty without a span", got[0].TraceID)
	}
}

func TestStore_RotatesAndPrunesBackups(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 200, 2)
	detail := map[string]any{"narration": strings.Repeat("x", 250)}
	for i := 0; i < 5; i++ {
		s.Append(Entry{Action: ActionTurn, TurnNumber: i + 1, Detail: detail})
		time.Sleep(2 * time.Millisecond)
	}

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := 0
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), rotatedPrefix) {
			rotated++
		}
	}
	if rotated != 2 {
		t.Fatalf("rotated files=%d, want 2", rotated)
	}

	got, err := s.List(Filter{}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].TurnNumber != 5 || got[1].TurnNumber != 4 {
		t.Fatalf("entries=%v", got)
	}
}

func TestStore_NilIsNoop(t *testing.T) {
	t.Parallel()

	var s *Store
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Record(context.Background(), Entry{Action: ActionTurn})
	if got, err := s.List(Filter{}, 0); got != nil || err != nil {
		t.Fatalf("List=%v, %v", got, err)
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected missing dir error")
	}
}

func TestStore_AppendAfterCloseReopens(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0, 0)
	s.Append(Entry{Action: ActionModeSwitch, SessionID: "s1"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Append(Entry{Action: ActionSessionReset, SessionID: "s1"})

	reopened, err := New(Options{Dir: s.dir, Logger: s.log})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.List(Filter{SessionID: "s1"}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Action != ActionSessionReset || got[1].Action != ActionModeSwitch {
		t.Fatalf("entries=%+v", got)
	}
}
