package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by all store implementations.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Store is the narrow persistence interface the core runs against.
// Implementations must be safe for concurrent use.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	UpdateAgentStatus(ctx context.Context, id uuid.UUID, status AgentStatus, lastError string, lastRunAt *time.Time) error
	UpdateAgentNextRun(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	ListScheduledAgents(ctx context.Context) ([]*Agent, error)

	// Threads & messages
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (*Thread, error)
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, threadID uuid.UUID) ([]*Message, error)

	// Runs
	CreateRun(ctx context.Context, r *AgentRun) error
	UpdateRun(ctx context.Context, r *AgentRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*AgentRun, error)
	ListRuns(ctx context.Context, agentID uuid.UUID, limit int) ([]*AgentRun, error)
	MarkInterruptedRunsFailed(ctx context.Context) (int, error)

	// Workflows & executions
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	CreateWorkflowExecution(ctx context.Context, e *WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error)
	PersistExecutionCheckpoint(ctx context.Context, e *WorkflowExecution) error
	ListNonTerminalExecutions(ctx context.Context) ([]*WorkflowExecution, error)

	// Triggers
	CreateTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, id uuid.UUID) (*Trigger, error)

	// BeginFunc runs fn inside a transaction where the backend supports
	// one; all Store calls made on the argument share that transaction.
	BeginFunc(ctx context.Context, fn func(tx Store) error) error
}
