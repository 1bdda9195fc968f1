package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/store"
)

const runColumns = `id, agent_id, thread_id, status, trigger_kind, started_at, finished_at,
	duration_ms, total_tokens, total_cost, error, summary, created_at`

func (s *Store) CreateRun(ctx context.Context, r *store.AgentRun) error {
	_, err := s.exec(ctx, `
		INSERT INTO agent_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.AgentID.String(), r.ThreadID.String(), string(r.Status), string(r.Trigger),
		nullTime(r.StartedAt), nullTime(r.FinishedAt),
		r.DurationMS, r.TotalTokens, r.TotalCost, r.Error, r.Summary, r.CreatedAt)
	return err
}

func (s *Store) UpdateRun(ctx context.Context, r *store.AgentRun) error {
	res, err := s.exec(ctx, `
		UPDATE agent_runs SET status = ?, started_at = ?, finished_at = ?,
			duration_ms = ?, total_tokens = ?, total_cost = ?, error = ?, summary = ?
		WHERE id = ?`,
		string(r.Status), nullTime(r.StartedAt), nullTime(r.FinishedAt),
		r.DurationMS, r.TotalTokens, r.TotalCost, r.Error, r.Summary, r.ID.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.AgentRun, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id.String())
	return scanRun(row)
}

func (s *Store) ListRuns(ctx context.Context, agentID uuid.UUID, limit int) ([]*store.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkInterruptedRunsFailed fails every queued or running run. Called once
// at boot: anything non-terminal at that point died with the previous
// process.
func (s *Store) MarkInterruptedRunsFailed(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE agent_runs SET status = ?, error = ?
		WHERE status IN (?, ?)`,
		string(store.RunFailed), "process restart",
		string(store.RunQueued), string(store.RunRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanRun(sc scanner) (*store.AgentRun, error) {
	var (
		r          store.AgentRun
		id         string
		agentID    string
		threadID   string
		status     string
		trigger    string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := sc.Scan(&id, &agentID, &threadID, &status, &trigger, &startedAt, &finishedAt,
		&r.DurationMS, &r.TotalTokens, &r.TotalCost, &r.Error, &r.Summary, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if r.AgentID, err = uuid.Parse(agentID); err != nil {
		return nil, err
	}
	if r.ThreadID, err = uuid.Parse(threadID); err != nil {
		return nil, err
	}
	r.Status = store.RunStatus(status)
	r.Trigger = store.TriggerKind(trigger)
	r.StartedAt = timePtr(startedAt)
	r.FinishedAt = timePtr(finishedAt)
	return &r, nil
}
