package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/store"
)

const agentColumns = `id, owner_id, name, system_instructions, task_instructions, model,
	schedule, allowed_tools, status, last_error, last_run_at, next_run_at, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a *store.Agent) error {
	tools, err := encodeJSON(a.AllowedTools)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.OwnerID, a.Name, a.SystemInstructions, a.TaskInstructions, a.Model,
		a.Schedule, tools, string(a.Status), a.LastError,
		nullTime(a.LastRunAt), nullTime(a.NextRunAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*store.Agent, error) {
	row := s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id.String())
	return scanAgent(row)
}

func (s *Store) UpdateAgent(ctx context.Context, a *store.Agent) error {
	tools, err := encodeJSON(a.AllowedTools)
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE agents SET name = ?, system_instructions = ?, task_instructions = ?,
			model = ?, schedule = ?, allowed_tools = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.SystemInstructions, a.TaskInstructions,
		a.Model, a.Schedule, tools, a.UpdatedAt, a.ID.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status store.AgentStatus, lastError string, lastRunAt *time.Time) error {
	var res sql.Result
	var err error
	if lastRunAt != nil {
		res, err = s.exec(ctx, `
			UPDATE agents SET status = ?, last_error = ?, last_run_at = ?, updated_at = ?
			WHERE id = ?`,
			string(status), lastError, *lastRunAt, time.Now().UTC(), id.String())
	} else {
		res, err = s.exec(ctx, `
			UPDATE agents SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			string(status), lastError, time.Now().UTC(), id.String())
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateAgentNextRun(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	res, err := s.exec(ctx, `UPDATE agents SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nullTime(nextRunAt), time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	res, err := s.exec(ctx, `DELETE FROM agents WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListScheduledAgents(ctx context.Context) ([]*store.Agent, error) {
	rows, err := s.query(ctx, `SELECT `+agentColumns+` FROM agents WHERE schedule != '' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (*store.Agent, error) {
	var (
		a         store.Agent
		id        string
		tools     string
		status    string
		lastRunAt sql.NullTime
		nextRunAt sql.NullTime
	)
	err := sc.Scan(&id, &a.OwnerID, &a.Name, &a.SystemInstructions, &a.TaskInstructions, &a.Model,
		&a.Schedule, &tools, &status, &a.LastError, &lastRunAt, &nextRunAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if err := decodeJSON(tools, &a.AllowedTools); err != nil {
		return nil, err
	}
	a.Status = store.AgentStatus(status)
	a.LastRunAt = timePtr(lastRunAt)
	a.NextRunAt = timePtr(nextRunAt)
	return &a, nil
}

// requireRow maps zero affected rows to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
