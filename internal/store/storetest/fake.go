// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/store"
)

// Fake is a map-backed store.Store. BeginFunc is not transactional: fn
// runs against the same state, which is enough for the code paths under
// test.
type Fake struct {
	mu         sync.Mutex
	Agents     map[uuid.UUID]*store.Agent
	Threads    map[uuid.UUID]*store.Thread
	Messages   map[uuid.UUID][]*store.Message
	Runs       map[uuid.UUID]*store.AgentRun
	Workflows  map[uuid.UUID]*store.Workflow
	Executions map[uuid.UUID]*store.WorkflowExecution
	Triggers   map[uuid.UUID]*store.Trigger
}

var _ store.Store = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Agents:     make(map[uuid.UUID]*store.Agent),
		Threads:    make(map[uuid.UUID]*store.Thread),
		Messages:   make(map[uuid.UUID][]*store.Message),
		Runs:       make(map[uuid.UUID]*store.AgentRun),
		Workflows:  make(map[uuid.UUID]*store.Workflow),
		Executions: make(map[uuid.UUID]*store.WorkflowExecution),
		Triggers:   make(map[uuid.UUID]*store.Trigger),
	}
}

func (f *Fake) CreateAgent(_ context.Context, a *store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.Agents[a.ID] = &cp
	return nil
}

func (f *Fake) GetAgent(_ context.Context, id uuid.UUID) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *Fake) UpdateAgent(_ context.Context, a *store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Agents[a.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *a
	f.Agents[a.ID] = &cp
	return nil
}

func (f *Fake) UpdateAgentStatus(_ context.Context, id uuid.UUID, status store.AgentStatus, lastError string, lastRunAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	a.LastError = lastError
	if lastRunAt != nil {
		a.LastRunAt = lastRunAt
	}
	return nil
}

func (f *Fake) UpdateAgentNextRun(_ context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.NextRunAt = nextRunAt
	return nil
}

func (f *Fake) DeleteAgent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Agents[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.Agents, id)
	return nil
}

func (f *Fake) ListScheduledAgents(context.Context) ([]*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Agent
	for _, a := range f.Agents {
		if a.Schedule != "" {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) CreateThread(_ context.Context, t *store.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.Threads[t.ID] = &cp
	return nil
}

func (f *Fake) GetThread(_ context.Context, id uuid.UUID) (*store.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *Fake) AppendMessage(_ context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Threads[m.ThreadID]; !ok {
		return store.ErrNotFound
	}
	cp := *m
	f.Messages[m.ThreadID] = append(f.Messages[m.ThreadID], &cp)
	return nil
}

func (f *Fake) ListMessages(_ context.Context, threadID uuid.UUID) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.Messages[threadID]
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (f *Fake) CreateRun(_ context.Context, r *store.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.Runs[r.ID] = &cp
	return nil
}

func (f *Fake) UpdateRun(_ context.Context, r *store.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Runs[r.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	f.Runs[r.ID] = &cp
	return nil
}

func (f *Fake) GetRun(_ context.Context, id uuid.UUID) (*store.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) ListRuns(_ context.Context, agentID uuid.UUID, limit int) ([]*store.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.AgentRun
	for _, r := range f.Runs {
		if r.AgentID == agentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) MarkInterruptedRunsFailed(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.Runs {
		if !r.Status.Terminal() {
			r.Status = store.RunFailed
			r.Error = "process restart"
			n++
		}
	}
	return n, nil
}

func (f *Fake) CreateWorkflow(_ context.Context, w *store.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.Workflows[w.ID] = &cp
	return nil
}

func (f *Fake) GetWorkflow(_ context.Context, id uuid.UUID) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.Workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *Fake) CreateWorkflowExecution(_ context.Context, e *store.WorkflowExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Executions[e.ID] = cloneExecution(e)
	return nil
}

func (f *Fake) GetWorkflowExecution(_ context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.Executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneExecution(e), nil
}

func (f *Fake) PersistExecutionCheckpoint(_ context.Context, e *store.WorkflowExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Executions[e.ID]; !ok {
		return store.ErrNotFound
	}
	f.Executions[e.ID] = cloneExecution(e)
	return nil
}

func (f *Fake) ListNonTerminalExecutions(context.Context) ([]*store.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.WorkflowExecution
	for _, e := range f.Executions {
		if !e.Status.Terminal() {
			out = append(out, cloneExecution(e))
		}
	}
	return out, nil
}

func (f *Fake) CreateTrigger(_ context.Context, t *store.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.Triggers[t.ID] = &cp
	return nil
}

func (f *Fake) GetTrigger(_ context.Context, id uuid.UUID) (*store.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Triggers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *Fake) BeginFunc(_ context.Context, fn func(tx store.Store) error) error {
	return fn(f)
}

func cloneExecution(e *store.WorkflowExecution) *store.WorkflowExecution {
	cp := *e
	cp.NodeOutputs = make(map[string]json.RawMessage, len(e.NodeOutputs))
	for k, v := range e.NodeOutputs {
		cp.NodeOutputs[k] = v
	}
	cp.CompletedNodes = append([]string(nil), e.CompletedNodes...)
	cp.RunIDs = append([]uuid.UUID(nil), e.RunIDs...)
	return &cp
}
