package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/store"
)

func (s *Store) CreateThread(ctx context.Context, t *store.Thread) error {
	_, err := s.exec(ctx, `
		INSERT INTO threads (id, agent_id, type, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.AgentID.String(), string(t.Type), t.Title, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (*store.Thread, error) {
	var (
		t       store.Thread
		idStr   string
		agentID string
		typ     string
	)
	err := s.queryRow(ctx, `
		SELECT id, agent_id, type, title, created_at, updated_at
		FROM threads WHERE id = ?`, id.String()).
		Scan(&idStr, &agentID, &typ, &t.Title, &t.CreatedAt, &t.UpdatedAt)
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
	t.Type = store.ThreadType(typ)
	return &t, nil
}

func (s *Store) AppendMessage(ctx context.Context, m *store.Message) error {
	err := s.BeginFunc(ctx, func(txs store.Store) error {
		tx := txs.(*Store)
		if _, err := tx.exec(ctx, `
			INSERT INTO messages (id, thread_id, role, content, tool_name, tool_call_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.ThreadID.String(), string(m.Role), m.Content,
			m.ToolName, m.ToolCallID, m.CreatedAt); err != nil {
			return err
		}
		_, err := tx.exec(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`,
			time.Now().UTC(), m.ThreadID.String())
		return err
	})
	return err
}

func (s *Store) ListMessages(ctx context.Context, threadID uuid.UUID) ([]*store.Message, error) {
	rows, err := s.query(ctx, `
		SELECT id, thread_id, role, content, tool_name, tool_call_id, created_at
		FROM messages WHERE thread_id = ? ORDER BY created_at, id`, threadID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var (
			m     store.Message
			idStr string
			tid   string
			role  string
		)
		if err := rows.Scan(&idStr, &tid, &role, &m.Content, &m.ToolName, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if m.ThreadID, err = uuid.Parse(tid); err != nil {
			return nil, err
		}
		m.Role = store.Role(role)
		out = append(out, &m)
	}
	return out, rows.Err()
}
