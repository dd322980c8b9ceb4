package lorestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LoadSession returns the raw snapshot stored for sessionID.
func (s *Store) LoadSession(ctx context.Context, sessionID string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM user_sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

func (s *Store) SaveSession(ctx context.Context, sessionID string, state []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	if len(state) == 0 {
		return errors.New("empty session state")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_sessions(session_id, state_json, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  state_json = excluded.state_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, sessionID, string(state), time.Now().UnixMilli())
	return err
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE session_id = ?`, strings.TrimSpace(sessionID))
	return err
}
