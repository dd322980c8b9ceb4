package lorestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/lorekeeper/internal/world"
)

// EntityFilter narrows ListEntities. Empty fields do not filter.
type EntityFilter struct {
	UniverseID string
	CampaignID string
	Limit      int
	// Offset skips that many rows of the (name, id) ordering, for paging.
	Offset int
}

func (s *Store) GetEntity(ctx context.Context, typ world.EntityType, id string) (world.Entity, error) {
	if err := s.ready(); err != nil {
		return world.Entity{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return world.Entity{}, errors.New("missing entity id")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT entity_type, entity_id, universe_id, campaign_id, name, fields_json, created_at_unix_ms, updated_at_unix_ms
FROM lore_entities
WHERE entity_type = ? AND entity_id = ?
`, string(typ), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return world.Entity{}, fmt.Errorf("%s %q: %w", typ, id, ErrNotFound)
	}
	return e, err
}

// UpsertEntity normalizes and stores e. CreatedAt is preserved across updates.
func (s *Store) UpsertEntity(ctx context.Context, e world.Entity) (world.Entity, error) {
	if err := s.ready(); err != nil {
		return world.Entity{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return world.Entity{}, err
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return world.Entity{}, fmt.Errorf("encode fields: %w", err)
	}

	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return world.Entity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt int64
	err = tx.QueryRowContext(ctx, `
SELECT created_at_unix_ms FROM lore_entities WHERE entity_type = ? AND entity_id = ?
`, string(e.Type), e.ID).Scan(&createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		createdAt = now
	case err != nil:
		return world.Entity{}, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO lore_entities(entity_type, entity_id, universe_id, campaign_id, name, fields_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_type, entity_id) DO UPDATE SET
  universe_id = excluded.universe_id,
  campaign_id = excluded.campaign_id,
  name = excluded.name,
  fields_json = excluded.fields_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, string(e.Type), e.ID, e.UniverseID, e.CampaignID, e.Name, string(fieldsJSON), createdAt, now); err != nil {
		return world.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return world.Entity{}, err
	}

	e.CreatedAtUnixMs = createdAt
	e.UpdatedAtUnixMs = now
	return e, nil
}

func (s *Store) ListEntities(ctx context.Context, typ world.EntityType, f EntityFilter) ([]world.Entity, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	where := []string{"entity_type = ?"}
	args := []any{string(typ)}
	if v := strings.TrimSpace(f.UniverseID); v != "" {
		where = append(where, "universe_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(f.CampaignID); v != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, v)
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
SELECT entity_type, entity_id, universe_id, campaign_id, name, fields_json, created_at_unix_ms, updated_at_unix_ms
FROM lore_entities
WHERE `+strings.Join(where, " AND ")+`
ORDER BY name ASC, entity_id ASC
LIMIT ? OFFSET ?
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []world.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEntity(ctx context.Context, typ world.EntityType, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing entity id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM lore_entities WHERE entity_type = ? AND entity_id = ?`, string(typ), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %q: %w", typ, id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (world.Entity, error) {
	var (
		e          world.Entity
		typ        string
		fieldsJSON string
	)
	if err := r.Scan(&typ, &e.ID, &e.UniverseID, &e.CampaignID, &e.Name, &fieldsJSON, &e.CreatedAtUnixMs, &e.UpdatedAtUnixMs); err != nil {
		return world.Entity{}, err
	}
	e.Type = world.EntityType(typ)
	if strings.TrimSpace(fieldsJSON) != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
			return world.Entity{}, fmt.Errorf("decode fields for %s:%s: %w", typ, e.ID, err)
		}
	}
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	return e, nil
}
