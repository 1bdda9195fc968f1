package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/store"
)

func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	_, err := s.exec(ctx, `
		INSERT INTO workflows (id, owner_id, name, canvas, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.OwnerID, w.Name, string(w.Canvas), w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	var (
		w      store.Workflow
		idStr  string
		canvas string
	)
	err := s.queryRow(ctx, `
		SELECT id, owner_id, name, canvas, created_at, updated_at
		FROM workflows WHERE id = ?`, id.String()).
		Scan(&idStr, &w.OwnerID, &w.Name, &canvas, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if w.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	w.Canvas = json.RawMessage(canvas)
	return &w, nil
}

func (s *Store) CreateWorkflowExecution(ctx context.Context, e *store.WorkflowExecution) error {
	outputs, completed, runIDs, err := encodeExecState(e)
	if err != nil {
		return err
	}
	payload := "{}"
	if len(e.TriggerPayload) > 0 {
		payload = string(e.TriggerPayload)
	}
	_, err = s.exec(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, status, trigger_payload, node_outputs, completed_nodes, run_ids, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.WorkflowID.String(), string(e.Status), payload,
		outputs, completed, runIDs, e.Error, e.StartedAt, nullTime(e.FinishedAt))
	return err
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	row := s.queryRow(ctx, `
		SELECT id, workflow_id, status, trigger_payload, node_outputs, completed_nodes, run_ids, error, started_at, finished_at
		FROM workflow_executions WHERE id = ?`, id.String())
	return scanExecution(row)
}

// PersistExecutionCheckpoint writes the execution's full progress state.
// Called around every node, so a restart resumes from the last completed
// node rather than the beginning.
func (s *Store) PersistExecutionCheckpoint(ctx context.Context, e *store.WorkflowExecution) error {
	outputs, completed, runIDs, err := encodeExecState(e)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE workflow_executions SET status = ?, node_outputs = ?, completed_nodes = ?,
			run_ids = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(e.Status), outputs, completed, runIDs, e.Error, nullTime(e.FinishedAt), e.ID.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListNonTerminalExecutions(ctx context.Context) ([]*store.WorkflowExecution, error) {
	rows, err := s.query(ctx, `
		SELECT id, workflow_id, status, trigger_payload, node_outputs, completed_nodes, run_ids, error, started_at, finished_at
		FROM workflow_executions WHERE status = ? ORDER BY started_at`,
		string(store.ExecRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeExecState(e *store.WorkflowExecution) (outputs, completed, runIDs string, err error) {
	if outputs, err = encodeJSON(e.NodeOutputs); err != nil {
		return
	}
	if e.CompletedNodes == nil {
		completed = "[]"
	} else if completed, err = encodeJSON(e.CompletedNodes); err != nil {
		return
	}
	if e.RunIDs == nil {
		runIDs = "[]"
	} else if runIDs, err = encodeJSON(e.RunIDs); err != nil {
		return
	}
	return
}

func scanExecution(sc scanner) (*store.WorkflowExecution, error) {
	var (
		e          store.WorkflowExecution
		id         string
		workflowID string
		status     string
		payload    string
		outputs    string
		completed  string
		runIDs     string
		finishedAt sql.NullTime
	)
	err := sc.Scan(&id, &workflowID, &status, &payload, &outputs, &completed, &runIDs,
		&e.Error, &e.StartedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if e.WorkflowID, err = uuid.Parse(workflowID); err != nil {
		return nil, err
	}
	e.Status = store.ExecStatus(status)
	e.TriggerPayload = json.RawMessage(payload)
	e.FinishedAt = timePtr(finishedAt)
	e.NodeOutputs = make(map[string]json.RawMessage)
	if err := decodeJSON(outputs, &e.NodeOutputs); err != nil {
		return nil, err
	}
	if err := decodeJSON(completed, &e.CompletedNodes); err != nil {
		return nil, err
	}
	if err := decodeJSON(runIDs, &e.RunIDs); err != nil {
		return nil, err
	}
	return &e, nil
}
