package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the coarse lifecycle state shown on the agent row.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
)

// RunStatus moves forward only: queued → running → success | failed.
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether the status is a terminal one.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// TriggerKind records what started a run.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
	TriggerAPI      TriggerKind = "api"
	TriggerWebhook  TriggerKind = "webhook"
)

// ThreadType records how a thread came to exist.
type ThreadType string

const (
	ThreadManual   ThreadType = "manual"
	ThreadSchedule ThreadType = "schedule"
	ThreadTrigger  ThreadType = "trigger"
	ThreadChat     ThreadType = "chat"
	ThreadWorkflow ThreadType = "workflow"
)

// Role is a message author role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ExecStatus is the workflow execution lifecycle state.
type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
)

// Terminal reports whether the status is a terminal one.
func (s ExecStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailed
}

// Agent is a configured model + instructions + tool allowlist.
// At most one run per agent is active at any instant (advisory lock).
type Agent struct {
	ID                 uuid.UUID
	OwnerID            string
	Name               string
	SystemInstructions string
	TaskInstructions   string
	Model              string
	Schedule           string // 5-field cron expression, empty = unscheduled
	AllowedTools       []string
	Status             AgentStatus
	LastError          string
	LastRunAt          *time.Time
	NextRunAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Thread is an append-only ordered conversation log owned by one agent.
type Thread struct {
	ID        uuid.UUID
	AgentID   uuid.UUID
	Type      ThreadType
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is immutable once persisted. Assistant and tool messages carry
// the authoritative record; streaming chunks are transient.
type Message struct {
	ID         uuid.UUID
	ThreadID   uuid.UUID
	Role       Role
	Content    string
	ToolName   string
	ToolCallID string
	CreatedAt  time.Time
}

// AgentRun is the immutable log of one execution.
type AgentRun struct {
	ID          uuid.UUID
	AgentID     uuid.UUID
	ThreadID    uuid.UUID
	Status      RunStatus
	Trigger     TriggerKind
	StartedAt   *time.Time
	FinishedAt  *time.Time
	DurationMS  int64
	TotalTokens int
	TotalCost   float64
	Error       string
	Summary     string
	CreatedAt   time.Time
}

// Workflow holds the raw canvas JSON (nodes + edges) as authored.
type Workflow struct {
	ID        uuid.UUID
	OwnerID   string
	Name      string
	Canvas    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowExecution is one run of a workflow. NodeOutputs and
// CompletedNodes grow monotonically and are checkpointed around every node.
type WorkflowExecution struct {
	ID             uuid.UUID
	WorkflowID     uuid.UUID
	Status         ExecStatus
	TriggerPayload json.RawMessage
	NodeOutputs    map[string]json.RawMessage
	CompletedNodes []string
	RunIDs         []uuid.UUID
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Trigger is an HMAC-secured webhook endpoint bound to an agent.
type Trigger struct {
	ID        uuid.UUID
	AgentID   uuid.UUID
	Secret    string
	Active    bool
	CreatedAt time.Time
}

// NewID returns a time-ordered UUID for persisted rows.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
