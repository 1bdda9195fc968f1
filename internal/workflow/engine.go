package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/runner"
	"github.com/swarmlabs/zerg/internal/store"
	"github.com/swarmlabs/zerg/internal/tools"
)

// Node statuses published on NODE_STATE.
const (
	nodeRunning = "running"
	nodeSuccess = "success"
	nodeFailed  = "failed"
	nodeSkipped = "skipped"
)

// skippedOutput marks a pruned node's slot in NodeOutputs so resume can
// reconstruct branch decisions.
var skippedOutput = json.RawMessage(`{"skipped":true}`)

// AgentRunner is the slice of the task runner the engine needs.
type AgentRunner interface {
	RunSync(ctx context.Context, agentID uuid.UUID, opts runner.RunOptions) (*store.AgentRun, error)
}

// Engine executes workflow canvases: ready nodes fan out concurrently,
// results merge serially, and the execution row is checkpointed around
// every node so a restart can resume mid-graph.
type Engine struct {
	store  store.Store
	bus    *bus.Bus
	runner AgentRunner
	tools  *tools.Registry
	tracer trace.Tracer

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(st store.Store, b *bus.Bus, ar AgentRunner, reg *tools.Registry) *Engine {
	return &Engine{
		store:   st,
		bus:     b,
		runner:  ar,
		tools:   reg,
		tracer:  otel.Tracer("zerg/workflow"),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// resolver adapts the store and tool registry for canvas validation.
type resolver struct {
	st  store.Store
	reg *tools.Registry
}

func (r resolver) AgentExists(ctx context.Context, id uuid.UUID) bool {
	_, err := r.st.GetAgent(ctx, id)
	return err == nil
}

func (r resolver) ToolExists(name string) bool {
	_, err := r.reg.Get(name, nil)
	return err == nil
}

// Start validates the workflow's canvas, creates the execution row, and
// runs the graph asynchronously. The payload is handed to the trigger
// node as its output; nil means an empty object. Validation failures
// return *ValidationError with the execution never created.
func (e *Engine) Start(ctx context.Context, workflowID uuid.UUID, payload json.RawMessage) (*store.WorkflowExecution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	canvas, err := ParseCanvas(wf.Canvas)
	if err != nil {
		return nil, err
	}
	if err := canvas.Validate(ctx, resolver{st: e.store, reg: e.tools}); err != nil {
		return nil, err
	}

	exec := &store.WorkflowExecution{
		ID:             store.NewID(),
		WorkflowID:     wf.ID,
		Status:         store.ExecRunning,
		TriggerPayload: payload,
		NodeOutputs:    make(map[string]json.RawMessage),
		StartedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateWorkflowExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.launch(canvas, exec)
	return exec, nil
}

// Cancel stops a running execution. Returns false when the execution is
// not in flight here.
func (e *Engine) Cancel(executionID uuid.UUID) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ResumeAll restarts every non-terminal execution from its last
// checkpoint. Called once at boot, after interrupted runs are failed.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	execs, err := e.store.ListNonTerminalExecutions(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, exec := range execs {
		wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
		if err != nil {
			e.finish(ctx, exec, fmt.Errorf("resume: workflow missing: %w", err))
			continue
		}
		canvas, err := ParseCanvas(wf.Canvas)
		if err != nil {
			e.finish(ctx, exec, fmt.Errorf("resume: %w", err))
			continue
		}
		if exec.NodeOutputs == nil {
			exec.NodeOutputs = make(map[string]json.RawMessage)
		}
		slog.Info("workflow.resume", "execution", exec.ID, "completed_nodes", len(exec.CompletedNodes))
		e.launch(canvas, exec)
		resumed++
	}
	return resumed, nil
}

// Wait blocks until every in-flight execution has finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) launch(canvas *Canvas, exec *store.WorkflowExecution) {
	// Detached from the caller's context: executions outlive requests.
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, exec.ID)
			e.mu.Unlock()
		}()
		e.run(ctx, canvas, exec)
	}()
}

// nodeResult is one node's outcome, collected from the fan-out.
type nodeResult struct {
	node   *Node
	output json.RawMessage
	runID  uuid.UUID
	err    error
}

func (e *Engine) run(ctx context.Context, canvas *Canvas, exec *store.WorkflowExecution) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(attribute.String("execution.id", exec.ID.String())))
	defer span.End()

	// Node contexts hang off this one so the first failure cancels every
	// in-flight sibling.
	ctx, cancelNodes := context.WithCancel(ctx)
	defer cancelNodes()
	// Checkpoints outlive the cancel: a late sibling success still
	// persists, so its work is not lost on resume.
	persistCtx := context.WithoutCancel(ctx)

	done := make(map[string]bool, len(exec.CompletedNodes))
	for _, id := range exec.CompletedNodes {
		done[id] = true
	}
	preds := canvas.predecessors()

	results := make(chan nodeResult)
	running := make(map[string]bool)
	var execErr error

	// launchReady starts every pending node whose live inputs are
	// satisfied. Called again after each merge, so a node unblocked by a
	// fast sibling starts without waiting for the slow ones.
	launchReady := func() {
		e.markSkipped(persistCtx, canvas, exec, preds, done)
		outputs := snapshotOutputs(exec.NodeOutputs)
		for _, n := range readyNodes(canvas, preds, done, exec.NodeOutputs) {
			if running[n.ID] {
				continue
			}
			running[n.ID] = true
			e.publishNodeState(exec.ID, n.ID, nodeRunning, nil, "")
			go func(n *Node) {
				results <- e.executeNode(ctx, exec.ID, n, outputs, exec.TriggerPayload)
			}(n)
		}
	}

	launchReady()
	for len(running) > 0 {
		res := <-results
		delete(running, res.node.ID)

		if res.err != nil {
			e.publishNodeState(exec.ID, res.node.ID, nodeFailed, nil, res.err.Error())
			if execErr == nil {
				execErr = fmt.Errorf("node %q: %w", res.node.ID, res.err)
				cancelNodes()
			}
			continue
		}
		if _, exists := exec.NodeOutputs[res.node.ID]; exists {
			if execErr == nil {
				execErr = fmt.Errorf("node %q: output already present, refusing to overwrite", res.node.ID)
				cancelNodes()
			}
			continue
		}
		exec.NodeOutputs[res.node.ID] = res.output
		exec.CompletedNodes = append(exec.CompletedNodes, res.node.ID)
		done[res.node.ID] = true
		if res.runID != uuid.Nil {
			exec.RunIDs = append(exec.RunIDs, res.runID)
		}
		e.publishNodeState(exec.ID, res.node.ID, nodeSuccess, res.output, "")
		if err := e.store.PersistExecutionCheckpoint(persistCtx, exec); err != nil {
			slog.Error("workflow.checkpoint", "execution", exec.ID, "err", err)
		}
		if execErr == nil {
			launchReady()
		}
	}

	if execErr == nil && ctx.Err() != nil {
		execErr = ctx.Err()
	}
	e.finish(persistCtx, exec, execErr)
}

// markSkipped skips every pending node whose incoming edges are all
// pruned or come from skipped nodes. Returns how many were skipped.
func (e *Engine) markSkipped(ctx context.Context, canvas *Canvas, exec *store.WorkflowExecution, preds map[string][]Edge, done map[string]bool) int {
	skipped := 0
	for {
		progressed := false
		for i := range canvas.Nodes {
			n := &canvas.Nodes[i]
			if done[n.ID] {
				continue
			}
			in := preds[n.ID]
			if len(in) == 0 {
				continue
			}
			allDead := true
			for _, edge := range in {
				if !edgeDead(edge, exec.NodeOutputs, canvas) {
					allDead = false
					break
				}
			}
			if !allDead {
				continue
			}
			exec.NodeOutputs[n.ID] = skippedOutput
			exec.CompletedNodes = append(exec.CompletedNodes, n.ID)
			done[n.ID] = true
			skipped++
			progressed = true
			e.publishNodeState(exec.ID, n.ID, nodeSkipped, nil, "")
		}
		if !progressed {
			break
		}
	}
	if skipped > 0 {
		if err := e.store.PersistExecutionCheckpoint(ctx, exec); err != nil {
			slog.Error("workflow.checkpoint", "execution", exec.ID, "err", err)
		}
	}
	return skipped
}

// edgeDead reports whether the edge can never fire: its source was
// skipped, or it is the losing branch of a decided condition.
func edgeDead(edge Edge, outputs map[string]json.RawMessage, canvas *Canvas) bool {
	raw, ok := outputs[edge.From]
	if !ok {
		return false // source not finished yet
	}
	if string(raw) == string(skippedOutput) {
		return true
	}
	if edge.Label == "" {
		return false
	}
	var cond struct {
		Result bool `json:"result"`
	}
	if err := json.Unmarshal(raw, &cond); err != nil {
		return false
	}
	want := edge.Label == BranchTrue
	return cond.Result != want
}

// readyNodes returns pending nodes whose live incoming edges all come
// from finished nodes.
func readyNodes(canvas *Canvas, preds map[string][]Edge, done map[string]bool, outputs map[string]json.RawMessage) []*Node {
	var ready []*Node
	for i := range canvas.Nodes {
		n := &canvas.Nodes[i]
		if done[n.ID] {
			continue
		}
		ok := true
		for _, edge := range preds[n.ID] {
			if edgeDead(edge, outputs, canvas) {
				continue
			}
			if !done[edge.From] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

func (e *Engine) executeNode(ctx context.Context, execID uuid.UUID, n *Node, outputs map[string]json.RawMessage, payload json.RawMessage) nodeResult {
	res := nodeResult{node: n}
	switch n.Type {
	case NodeTrigger:
		// The entry node's output is the payload the execution started
		// with, so downstream nodes can reference the inbound event.
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		res.output = payload

	case NodeAgent:
		run, err := e.runner.RunSync(ctx, n.AgentID, runner.RunOptions{
			Trigger:    store.TriggerAPI,
			ThreadType: store.ThreadWorkflow,
		})
		if err != nil {
			res.err = err
			return res
		}
		res.runID = run.ID
		if run.Summary != "" {
			e.publishNodeLog(execID, n.ID, "stdout", run.Summary)
		}
		if run.Status != store.RunSuccess {
			res.err = fmt.Errorf("agent run %s: %s", run.ID, run.Error)
			return res
		}
		res.output = mustJSON(map[string]any{
			"run_id":  run.ID.String(),
			"status":  string(run.Status),
			"summary": run.Summary,
		})

	case NodeTool:
		tool, err := e.tools.Get(n.Tool, nil)
		if err != nil {
			res.err = err
			return res
		}
		out, err := tool.Run(ctx, n.Args)
		if err != nil {
			e.publishNodeLog(execID, n.ID, "stderr", err.Error())
			res.err = err
			return res
		}
		e.publishNodeLog(execID, n.ID, "stdout", out)
		res.output = mustJSON(map[string]any{"output": out})

	case NodeCondition:
		result, err := Evaluate(n.Expr, outputs)
		if err != nil {
			res.err = err
			return res
		}
		res.output = mustJSON(map[string]any{"result": result})

	default:
		res.err = fmt.Errorf("unknown node type %q", n.Type)
	}
	return res
}

func (e *Engine) finish(ctx context.Context, exec *store.WorkflowExecution, execErr error) {
	now := time.Now().UTC()
	exec.FinishedAt = &now
	if execErr != nil {
		exec.Status = store.ExecFailed
		exec.Error = execErr.Error()
	} else {
		exec.Status = store.ExecSuccess
	}
	if err := e.store.PersistExecutionCheckpoint(ctx, exec); err != nil {
		slog.Error("workflow.finish", "execution", exec.ID, "err", err)
	}
	e.bus.Publish(bus.ExecutionFinished, bus.ExecutionPayload{
		ID:         exec.ID,
		WorkflowID: exec.WorkflowID,
		Status:     string(exec.Status),
		DurationMS: now.Sub(exec.StartedAt).Milliseconds(),
		Error:      exec.Error,
	})
	slog.Info("workflow.finished", "execution", exec.ID, "status", string(exec.Status))
}

func (e *Engine) publishNodeState(execID uuid.UUID, nodeID, status string, output json.RawMessage, errMsg string) {
	e.bus.Publish(bus.NodeState, bus.NodeStatePayload{
		ExecutionID: execID, NodeID: nodeID, Status: status, Output: output, Error: errMsg,
	})
}

func (e *Engine) publishNodeLog(execID uuid.UUID, nodeID, stream, text string) {
	e.bus.Publish(bus.NodeLog, bus.NodeLogPayload{
		ExecutionID: execID, NodeID: nodeID, Stream: stream, Text: text,
	})
}

func snapshotOutputs(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
