package lorestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChangeRequestRecord is the persisted form of a world change request. Structured
// parts (analysis, resolution, applied updates) are stored as opaque JSON.
type ChangeRequestRecord struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	ProposerID string `json:"proposer_id"`
	UniverseID string `json:"universe_id"`
	CampaignID string `json:"campaign_id"`
	Proposal   string `json:"proposal"`
	Status     string `json:"status"`

	AnalysisJSON   string `json:"analysis_json,omitempty"`
	ResolutionJSON string `json:"resolution_json,omitempty"`
	AppliedJSON    string `json:"applied_json,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

func (s *Store) CreateChangeRequest(ctx context.Context, rec ChangeRequestRecord) (ChangeRequestRecord, error) {
	if err := s.ready(); err != nil {
		return ChangeRequestRecord{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec.RequestID = strings.TrimSpace(rec.RequestID)
	if rec.RequestID == "" {
		return ChangeRequestRecord{}, errors.New("missing request_id")
	}
	if strings.TrimSpace(rec.Proposal) == "" {
		return ChangeRequestRecord{}, errors.New("missing proposal")
	}
	if strings.TrimSpace(rec.Status) == "" {
		return ChangeRequestRecord{}, errors.New("missing status")
	}
	now := time.Now().UnixMilli()
	if rec.CreatedAtUnixMs <= 0 {
		rec.CreatedAtUnixMs = now
	}
	rec.UpdatedAtUnixMs = rec.CreatedAtUnixMs

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO world_change_requests(
  request_id, session_id, proposer_id, universe_id, campaign_id, proposal, status,
  analysis_json, resolution_json, applied_json, created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.RequestID, rec.SessionID, rec.ProposerID, rec.UniverseID, rec.CampaignID, rec.Proposal, rec.Status,
		rec.AnalysisJSON, rec.ResolutionJSON, rec.AppliedJSON, rec.CreatedAtUnixMs, rec.UpdatedAtUnixMs); err != nil {
		return ChangeRequestRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetChangeRequest(ctx context.Context, requestID string) (ChangeRequestRecord, error) {
	if err := s.ready(); err != nil {
		return ChangeRequestRecord{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ChangeRequestRecord{}, errors.New("missing request_id")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT request_id, session_id, proposer_id, universe_id, campaign_id, proposal, status,
  analysis_json, resolution_json, applied_json, created_at_unix_ms, updated_at_unix_ms
FROM world_change_requests
WHERE request_id = ?
`, requestID)
	rec, err := scanChangeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRequestRecord{}, fmt.Errorf("change request %q: %w", requestID, ErrNotFound)
	}
	return rec, err
}

// UpdateChangeRequest writes rec only if the stored status still equals expectedStatus.
// It returns ErrStaleStatus when another writer moved the request first.
func (s *Store) UpdateChangeRequest(ctx context.Context, rec ChangeRequestRecord, expectedStatus string) (ChangeRequestRecord, error) {
	if err := s.ready(); err != nil {
		return ChangeRequestRecord{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec.RequestID = strings.TrimSpace(rec.RequestID)
	if rec.RequestID == "" {
		return ChangeRequestRecord{}, errors.New("missing request_id")
	}
	rec.UpdatedAtUnixMs = time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
UPDATE world_change_requests
SET status = ?, analysis_json = ?, resolution_json = ?, applied_json = ?, updated_at_unix_ms = ?
WHERE request_id = ? AND status = ?
`, rec.Status, rec.AnalysisJSON, rec.ResolutionJSON, rec.AppliedJSON, rec.UpdatedAtUnixMs, rec.RequestID, expectedStatus)
	if err != nil {
		return ChangeRequestRecord{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.GetChangeRequest(ctx, rec.RequestID)
		if err != nil {
			return ChangeRequestRecord{}, err
		}
		return ChangeRequestRecord{}, fmt.Errorf("change request %q is %s, want %s: %w", rec.RequestID, cur.Status, expectedStatus, ErrStaleStatus)
	}
	return s.GetChangeRequest(ctx, rec.RequestID)
}

// ListChangeRequests returns requests newest first. An empty status lists all.
func (s *Store) ListChangeRequests(ctx context.Context, status string, limit int) ([]ChangeRequestRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	where := ""
	args := []any{}
	if v := strings.TrimSpace(status); v != "" {
		where = "WHERE status = ?"
		args = append(args, v)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT request_id, session_id, proposer_id, universe_id, campaign_id, proposal, status,
  analysis_json, resolution_json, applied_json, created_at_unix_ms, updated_at_unix_ms
FROM world_change_requests
%s
ORDER BY created_at_unix_ms DESC, request_id DESC
LIMIT ?
`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRequestRecord
	for rows.Next() {
		rec, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanChangeRequest(r rowScanner) (ChangeRequestRecord, error) {
	var rec ChangeRequestRecord
	err := r.Scan(
		&rec.RequestID,
		&rec.SessionID,
		&rec.ProposerID,
		&rec.UniverseID,
		&rec.CampaignID,
		&rec.Proposal,
		&rec.Status,
		&rec.AnalysisJSON,
		&rec.ResolutionJSON,
		&rec.AppliedJSON,
		&rec.CreatedAtUnixMs,
		&rec.UpdatedAtUnixMs,
	)
	return rec, err
}
