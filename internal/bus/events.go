package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an event class on the bus. FIFO ordering is guaranteed
// per subscriber for events of the same type; there is no cross-type order.
type EventType string

const (
	AgentCreated EventType = "AGENT_CREATED"
	AgentUpdated EventType = "AGENT_UPDATED"
	AgentDeleted EventType = "AGENT_DELETED"

	ThreadCreated        EventType = "THREAD_CREATED"
	ThreadUpdated        EventType = "THREAD_UPDATED"
	ThreadDeleted        EventType = "THREAD_DELETED"
	ThreadMessageCreated EventType = "THREAD_MESSAGE_CREATED"

	RunCreated EventType = "RUN_CREATED"
	RunUpdated EventType = "RUN_UPDATED"

	TriggerFired EventType = "TRIGGER_FIRED"

	NodeState         EventType = "NODE_STATE"
	NodeLog           EventType = "NODE_LOG"
	ExecutionFinished EventType = "EXECUTION_FINISHED"

	UserUpdate EventType = "USER_UPDATE"

	StreamStart EventType = "STREAM_START"
	StreamChunk EventType = "STREAM_CHUNK"
	StreamEnd   EventType = "STREAM_END"
)

// AllEventTypes lists every event type, in declaration order. Used by the
// topic bridge to subscribe across the whole bus.
var AllEventTypes = []EventType{
	AgentCreated, AgentUpdated, AgentDeleted,
	ThreadCreated, ThreadUpdated, ThreadDeleted, ThreadMessageCreated,
	RunCreated, RunUpdated,
	TriggerFired,
	NodeState, NodeLog, ExecutionFinished,
	UserUpdate,
	StreamStart, StreamChunk, StreamEnd,
}

// Payload is the tagged union of event payloads. Publisher and subscriber
// share these concrete types; there is no untyped map on the bus.
type Payload interface {
	payload()
}

// AgentPayload accompanies AGENT_* events.
type AgentPayload struct {
	ID        uuid.UUID   `json:"id"`
	OwnerID   string      `json:"owner_id,omitempty"`
	Status    string      `json:"status,omitempty"`
	Schedule  string      `json:"schedule,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	LastRunAt *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt *time.Time  `json:"next_run_at,omitempty"`
}

// ThreadPayload accompanies THREAD_CREATED/UPDATED/DELETED.
type ThreadPayload struct {
	ID      uuid.UUID `json:"id"`
	AgentID uuid.UUID `json:"agent_id"`
	Type    string    `json:"type,omitempty"`
}

// MessagePayload accompanies THREAD_MESSAGE_CREATED.
type MessagePayload struct {
	ID         uuid.UUID `json:"id"`
	ThreadID   uuid.UUID `json:"thread_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunPayload accompanies RUN_CREATED/RUN_UPDATED.
type RunPayload struct {
	ID          uuid.UUID `json:"id"`
	AgentID     uuid.UUID `json:"agent_id"`
	ThreadID    uuid.UUID `json:"thread_id"`
	Status      string    `json:"status"`
	Trigger     string    `json:"trigger"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	TotalTokens int       `json:"total_tokens,omitempty"`
	TotalCost   float64   `json:"total_cost,omitempty"`
	Error       string    `json:"error,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// TriggerPayload accompanies TRIGGER_FIRED. Body is the raw webhook body;
// the scheduler forwards it as the run's task-override.
type TriggerPayload struct {
	TriggerID uuid.UUID       `json:"trigger_id"`
	AgentID   uuid.UUID       `json:"agent_id"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// NodeStatePayload accompanies NODE_STATE.
type NodeStatePayload struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Status      string          `json:"status"` // running | success | failed
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NodeLogPayload accompanies NODE_LOG.
type NodeLogPayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Stream      string    `json:"stream"` // stdout | stderr
	Text        string    `json:"text"`
}

// ExecutionPayload accompanies EXECUTION_FINISHED.
type ExecutionPayload struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// UserPayload accompanies USER_UPDATE.
type UserPayload struct {
	ID string `json:"id"`
}

// StreamPayload accompanies STREAM_START/STREAM_CHUNK/STREAM_END.
type StreamPayload struct {
	ThreadID   uuid.UUID `json:"thread_id"`
	RunID      uuid.UUID `json:"run_id"`
	ChunkType  string    `json:"chunk_type,omitempty"` // assistant_token | tool_output
	Text       string    `json:"text,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

func (AgentPayload) payload()     {}
func (ThreadPayload) payload()    {}
func (MessagePayload) payload()   {}
func (RunPayload) payload()       {}
func (TriggerPayload) payload()   {}
func (NodeStatePayload) payload() {}
func (NodeLogPayload) payload()   {}
func (ExecutionPayload) payload() {}
func (UserPayload) payload()      {}
func (StreamPayload) payload()    {}
