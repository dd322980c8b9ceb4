// Package auditlog keeps an append-only JSONL record of turns and world-change
// decisions, rotated by size.
package auditlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	activeName    = "events.jsonl"
	rotatedPrefix = "events-"
	rotatedSuffix = ".jsonl"
)

// Action values written by the engine and the world-edit resolver.
const (
	ActionTurn            = "turn"
	ActionModeSwitch      = "mode_switch"
	ActionSessionReset    = "session_reset"
	ActionChangeSubmitted = "change_submitted"
	ActionChangeAnalyzed  = "change_analyzed"
	ActionChangeResolved  = "change_resolved"
	ActionChangeRejected  = "change_rejected"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type Entry struct {
	CreatedAt string `json:"created_at"`

	// Action is a short, stable identifier (e.g. "turn", "change_resolved").
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	SessionID  string `json:"session_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	TurnNumber int    `json:"turn_number,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	UniverseID string `json:"universe_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	// Detail is a small, action-specific object.
	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// Dir holds the active file and rotated backups.
	Dir string

	// MaxBytes is the rotation threshold of the active file. <= 0 uses 4 MiB.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files. <= 0 uses 3.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu     sync.Mutex
	active *os.File
	size   int64
	seq    int
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing audit dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	s := &Store{
		log:        logger,
		dir:        dir,
		activePath: filepath.Join(dir, activeName),
		maxBytes:   opts.MaxBytes,
		maxBackups: opts.MaxBackups,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	if s.maxBackups <= 0 {
		s.maxBackups = defaultMaxBackups
	}
	if err := s.openActiveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openActiveLocked() error {
	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.active, s.size = f, st.Size()
	return nil
}

// Close releases the active file. Appends after Close reopen it.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	s.active = nil
	return err
}

// Record appends e, stamping the trace and span ids of the span in ctx. Write errors
// are logged, never returned: auditing must not fail a turn.
func (s *Store) Record(ctx context.Context, e Entry) {
	if s == nil {
		return
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
	}
	s.Append(e)
}

func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = StatusSuccess
	}
	line, err := json.Marshal(&e)
	if err != nil {
		s.log.Warn("auditlog encode failed", "action", e.Action, "error", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		if err := s.openActiveLocked(); err != nil {
			s.log.Warn("auditlog open failed", "error", err)
			return
		}
	}
	n, err := s.active.Write(line)
	s.size += int64(n)
	if err != nil {
		s.log.Warn("auditlog append failed", "error", err)
		return
	}
	if s.size > s.maxBytes {
		s.rotateLocked()
	}
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	SessionID string
	RequestID string
	Action    string
}

func (f Filter) match(e Entry) bool {
	if v := strings.TrimSpace(f.SessionID); v != "" && e.SessionID != v {
		return false
	}
	if v := strings.TrimSpace(f.RequestID); v != "" && e.RequestID != v {
		return false
	}
	if v := strings.TrimSpace(f.Action); v != "" && e.Action != v {
		return false
	}
	return true
}

// List returns matching entries newest first across the active and rotated files.
// limit defaults to 200 and is capped at 1000.
func (s *Store) List(f Filter, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	limit = min(max(limit, 0), 1000)
	if limit == 0 {
		limit = 200
	}

	s.mu.Lock()
	backups := s.backupsLocked()
	s.mu.Unlock()
	slices.Reverse(backups)
	files := append([]string{s.activePath}, backups...)

	out := make([]Entry, 0, limit)
	for _, path := range files {
		entries, err := readMatching(path, f)
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "error", err)
			continue
		}
		slices.Reverse(entries)
		if room := limit - len(out); len(entries) > room {
			entries = entries[:room]
		}
		out = append(out, entries...)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// backupsLocked returns rotated file paths oldest first.
func (s *Store) backupsLocked() []string {
	paths, err := filepath.Glob(filepath.Join(s.dir, rotatedPrefix+"*"+rotatedSuffix))
	if err != nil {
		return nil
	}
	// Names embed a zero-padded UnixMilli and sequence, so lexical order is chronological.
	slices.Sort(paths)
	return paths
}

func (s *Store) rotateLocked() {
	if err := s.active.Close(); err != nil {
		s.log.Warn("auditlog close failed", "error", err)
	}
	s.active = nil
	s.seq++
	dst := filepath.Join(s.dir, fmt.Sprintf("%s%015d-%04d%s", rotatedPrefix, time.Now().UnixMilli(), s.seq%10000, rotatedSuffix))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "error", err)
	}
	if err := s.openActiveLocked(); err != nil {
		s.log.Warn("auditlog reopen failed", "error", err)
	}

	backups := s.backupsLocked()
	for len(backups) > s.maxBackups {
		if err := os.Remove(backups[0]); err != nil {
			s.log.Warn("auditlog prune failed", "path", backups[0], "error", err)
		}
		backups = backups[1:]
	}
}

// readMatching returns the entries of one file in write order. Unreadable lines are
// skipped.
func readMatching(path string, f Filter) ([]Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if f.match(e) {
			entries = append(entries, e)
		}
	}
	return entries, sc.Err()
}
