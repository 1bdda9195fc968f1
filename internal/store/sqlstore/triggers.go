package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/store"
)

func (s *Store) CreateTrigger(ctx context.Context, t *store.Trigger) error {
	_, err := s.exec(ctx, `
		INSERT INTO triggers (id, agent_id, secret, active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID.String(), t.AgentID.String(), t.Secret, t.Active, t.CreatedAt)
	return err
}

func (s *Store) GetTrigger(ctx context.Context, id uuid.UUID) (*store.Trigger, error) {
	var (
		t       store.Trigger
		idStr   string
		agentID string
	)
	err := s.queryRow(ctx, `
		SELECT id, agent_id, secret, active, created_at
		FROM triggers WHERE id = ?`, id.String()).
		Scan(&idStr, &agentID, &t.Secret, &t.Active, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if t.AgentID, err = uuid.Parse(agentID); err != nil {
		return nil, err
	}
	return &t, nil
}
