package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/locks"
	"github.com/swarmlabs/zerg/internal/store"
	"github.com/swarmlabs/zerg/internal/tools"
)

const (
	// maxToolRounds bounds model↔tool round trips per run.
	maxToolRounds = 10

	// summaryRunes caps the run summary copied from the final assistant
	// message.
	summaryRunes = 256
)

// ErrRunCancelled marks a run stopped by a cancel request. The run record
// ends failed with this message.
var ErrRunCancelled = errors.New("cancelled")

// RunOptions shapes one run request.
type RunOptions struct {
	// Trigger records what started the run.
	Trigger store.TriggerKind
	// ThreadID reuses an existing thread; zero creates a new one.
	ThreadID uuid.UUID
	// TaskOverride replaces the agent's task instructions for this run.
	TaskOverride string
	// ThreadType overrides the thread type derived from Trigger. Only
	// consulted when a thread is created.
	ThreadType store.ThreadType
}

// Runner executes agent runs: one thread of conversation, a model stream,
// tool round trips, and the audit trail around them. Every run holds the
// agent's lock for its full duration.
type Runner struct {
	store   store.Store
	bus     *bus.Bus
	locks   locks.Manager
	tools   *tools.Registry
	model   ModelRunner
	cancels *cancelRegistry
	tracer  trace.Tracer
	wg      sync.WaitGroup
}

func New(st store.Store, b *bus.Bus, lm locks.Manager, reg *tools.Registry, model ModelRunner) *Runner {
	return &Runner{
		store:   st,
		bus:     b,
		locks:   lm,
		tools:   reg,
		model:   model,
		cancels: newCancelRegistry(),
		tracer:  otel.Tracer("zerg/runner"),
	}
}

// Dispatch starts a run asynchronously and returns its ID once the run
// row exists. The agent lock is taken before returning, so a busy agent
// fails here with locks.ErrAgentBusy rather than inside the goroutine.
func (r *Runner) Dispatch(ctx context.Context, agentID uuid.UUID, opts RunOptions) (uuid.UUID, error) {
	agent, thread, run, release, err := r.start(ctx, agentID, opts)
	if err != nil {
		return uuid.Nil, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Detached from the request context: the run outlives the HTTP
		// call that started it.
		r.execute(context.Background(), agent, thread, run, release)
	}()
	return run.ID, nil
}

// RunSync executes a run to completion on the calling goroutine. Used by
// workflow nodes, which need the finished run.
func (r *Runner) RunSync(ctx context.Context, agentID uuid.UUID, opts RunOptions) (*store.AgentRun, error) {
	agent, thread, run, release, err := r.start(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}
	r.execute(ctx, agent, thread, run, release)
	return r.store.GetRun(ctx, run.ID)
}

// CancelRun flips the run's cooperative cancel flag. Returns false when
// the run is not in flight.
func (r *Runner) CancelRun(runID uuid.UUID) bool {
	return r.cancels.cancel(runID)
}

// HandleSendMessage implements the gateway's send_message dispatch: the
// content becomes the user message on the thread and a chat run starts on
// the thread's agent.
func (r *Runner) HandleSendMessage(ctx context.Context, ident *auth.Identity, threadID uuid.UUID, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("empty message")
	}
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	agent, err := r.store.GetAgent(ctx, thread.AgentID)
	if err != nil {
		return err
	}
	if !ident.Admin && agent.OwnerID != ident.UserID {
		return store.ErrForbidden
	}
	_, err = r.Dispatch(ctx, agent.ID, RunOptions{
		Trigger:      store.TriggerManual,
		ThreadID:     threadID,
		TaskOverride: content,
	})
	return err
}

// Wait blocks until every dispatched run has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// start performs the synchronous part of a run: lock, thread, user
// message, and the atomic run-start writes. On success the caller owns
// release and must finish the run.
func (r *Runner) start(ctx context.Context, agentID uuid.UUID, opts RunOptions) (*store.Agent, *store.Thread, *store.AgentRun, func(), error) {
	if opts.Trigger == "" {
		opts.Trigger = store.TriggerManual
	}
	release, err := r.locks.TryAcquire(ctx, agentID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	thread, fresh, err := r.resolveThread(ctx, agent, opts)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	task := opts.TaskOverride
	if task == "" {
		task = agent.TaskInstructions
	}
	var msgs []*store.Message
	if fresh {
		// A fresh thread opens with the agent's system instructions so
		// resumed conversations replay with the same framing.
		msgs = append(msgs, &store.Message{
			ID:        store.NewID(),
			ThreadID:  thread.ID,
			Role:      store.RoleSystem,
			Content:   agent.SystemInstructions,
			CreatedAt: time.Now().UTC(),
		})
	}
	msgs = append(msgs, &store.Message{
		ID:        store.NewID(),
		ThreadID:  thread.ID,
		Role:      store.RoleUser,
		Content:   task,
		CreatedAt: time.Now().UTC(),
	})

	run := &store.AgentRun{
		ID:        store.NewID(),
		AgentID:   agent.ID,
		ThreadID:  thread.ID,
		Status:    store.RunQueued,
		Trigger:   opts.Trigger,
		CreatedAt: time.Now().UTC(),
	}
	// Messages, run row, and agent status commit together: a failure here
	// leaves no half-started run behind.
	err = r.store.BeginFunc(ctx, func(tx store.Store) error {
		for _, m := range msgs {
			if err := tx.AppendMessage(ctx, m); err != nil {
				return err
			}
		}
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		return tx.UpdateAgentStatus(ctx, agent.ID, store.AgentRunning, "", nil)
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("start run: %w", err)
	}

	for _, m := range msgs {
		r.publishMessage(m)
	}
	r.bus.Publish(bus.RunCreated, runPayload(run))
	r.bus.Publish(bus.AgentUpdated, bus.AgentPayload{ID: agent.ID, Status: string(store.AgentRunning)})

	// Registered before the caller returns, so a cancel that races the
	// run start still lands.
	r.cancels.register(run.ID)

	ok = true
	return agent, thread, run, release, nil
}

// resolveThread reuses the requested thread or creates a fresh one for
// the run. The second result reports whether the thread was created.
func (r *Runner) resolveThread(ctx context.Context, agent *store.Agent, opts RunOptions) (*store.Thread, bool, error) {
	if opts.ThreadID != uuid.Nil {
		thread, err := r.store.GetThread(ctx, opts.ThreadID)
		if err != nil {
			return nil, false, err
		}
		if thread.AgentID != agent.ID {
			return nil, false, store.ErrForbidden
		}
		return thread, false, nil
	}

	tt := opts.ThreadType
	if tt == "" {
		switch opts.Trigger {
		case store.TriggerSchedule:
			tt = store.ThreadSchedule
		case store.TriggerWebhook:
			tt = store.ThreadTrigger
		default:
			tt = store.ThreadManual
		}
	}
	thread := &store.Thread{
		ID:        store.NewID(),
		AgentID:   agent.ID,
		Type:      tt,
		Title:     fmt.Sprintf("%s run %s", tt, time.Now().UTC().Format(time.RFC3339)),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateThread(ctx, thread); err != nil {
		return nil, false, err
	}
	r.bus.Publish(bus.ThreadCreated, bus.ThreadPayload{ID: thread.ID, AgentID: agent.ID, Type: string(tt)})
	return thread, true, nil
}

// execute drives the run to a terminal state and releases the agent lock.
func (r *Runner) execute(ctx context.Context, agent *store.Agent, thread *store.Thread, run *store.AgentRun, release func()) {
	defer release()
	flag := r.cancels.lookup(run.ID)
	defer r.cancels.remove(run.ID)

	ctx, span := r.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", agent.ID.String()),
			attribute.String("run.id", run.ID.String()),
			attribute.String("run.trigger", string(run.Trigger)),
		))
	defer span.End()

	started := time.Now().UTC()
	run.Status = store.RunRunning
	run.StartedAt = &started
	if err := r.store.UpdateRun(ctx, run); err != nil {
		slog.Error("runner.mark_running", "run", run.ID, "err", err)
	}
	r.bus.Publish(bus.RunUpdated, runPayload(run))
	r.bus.Publish(bus.StreamStart, bus.StreamPayload{ThreadID: thread.ID, RunID: run.ID})

	runErr := r.loop(ctx, agent, thread, run, flag)

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.DurationMS = finished.Sub(started).Milliseconds()

	if runErr != nil {
		run.Status = store.RunFailed
		run.Error = runErr.Error()
		span.RecordError(runErr)
	} else {
		run.Status = store.RunSuccess
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		slog.Error("runner.finish_run", "run", run.ID, "err", err)
	}

	agentStatus, lastError := store.AgentIdle, ""
	if runErr != nil {
		agentStatus, lastError = store.AgentError, runErr.Error()
	}
	if err := r.store.UpdateAgentStatus(ctx, agent.ID, agentStatus, lastError, &finished); err != nil {
		slog.Error("runner.agent_status", "agent", agent.ID, "err", err)
	}

	r.bus.Publish(bus.RunUpdated, runPayload(run))
	r.bus.Publish(bus.AgentUpdated, bus.AgentPayload{
		ID: agent.ID, Status: string(agentStatus), LastError: lastError, LastRunAt: &finished,
	})
	r.bus.Publish(bus.StreamEnd, bus.StreamPayload{ThreadID: thread.ID, RunID: run.ID})

	slog.Info("runner.run_finished",
		"run", run.ID, "agent", agent.ID, "status", string(run.Status),
		"duration_ms", run.DurationMS, "tokens", run.TotalTokens)
}

// loop runs model turns and tool round trips until the model answers
// without tool calls, an error occurs, or the cancel flag is set.
func (r *Runner) loop(ctx context.Context, agent *store.Agent, thread *store.Thread, run *store.AgentRun, flag *atomic.Bool) error {
	messages, err := r.store.ListMessages(ctx, thread.ID)
	if err != nil {
		return err
	}

	for round := 0; round < maxToolRounds; round++ {
		if flag.Load() {
			return ErrRunCancelled
		}
		stream, err := r.model.Stream(ctx, ModelRequest{
			Model:    agent.Model,
			System:   agent.SystemInstructions,
			Messages: messages,
			Tools:    agent.AllowedTools,
		})
		if err != nil {
			return fmt.Errorf("model: %w", err)
		}

		var text strings.Builder
		var calls []ToolCall
		for {
			if flag.Load() {
				return ErrRunCancelled
			}
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("model stream: %w", err)
			}
			switch chunk.Type {
			case ChunkAssistantToken:
				text.WriteString(chunk.Text)
				r.bus.Publish(bus.StreamChunk, bus.StreamPayload{
					ThreadID: thread.ID, RunID: run.ID,
					ChunkType: string(ChunkAssistantToken), Text: chunk.Text,
				})
			case ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case ChunkUsage:
				if chunk.Usage != nil {
					run.TotalTokens += chunk.Usage.Tokens
					run.TotalCost += chunk.Usage.Cost
				}
			}
		}

		if text.Len() > 0 || len(calls) > 0 {
			assistant := &store.Message{
				ID:        store.NewID(),
				ThreadID:  thread.ID,
				Role:      store.RoleAssistant,
				Content:   text.String(),
				CreatedAt: time.Now().UTC(),
			}
			if err := r.store.AppendMessage(ctx, assistant); err != nil {
				return err
			}
			r.publishMessage(assistant)
			messages = append(messages, assistant)
		}

		if len(calls) == 0 {
			run.Summary = summarize(text.String())
			return nil
		}

		for _, call := range calls {
			if flag.Load() {
				return ErrRunCancelled
			}
			result, err := r.runTool(ctx, agent, call)
			if err != nil {
				// Tool failures feed back to the model rather than
				// failing the run.
				result = "error: " + err.Error()
			}
			toolMsg := &store.Message{
				ID:         store.NewID(),
				ThreadID:   thread.ID,
				Role:       store.RoleTool,
				Content:    result,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				CreatedAt:  time.Now().UTC(),
			}
			if err := r.store.AppendMessage(ctx, toolMsg); err != nil {
				return err
			}
			r.publishMessage(toolMsg)
			messages = append(messages, toolMsg)
			r.bus.Publish(bus.StreamChunk, bus.StreamPayload{
				ThreadID: thread.ID, RunID: run.ID,
				ChunkType: "tool_output", Text: result,
				ToolName: call.Name, ToolCallID: call.ID,
			})
		}
	}
	return fmt.Errorf("tool round limit (%d) exceeded", maxToolRounds)
}

func (r *Runner) runTool(ctx context.Context, agent *store.Agent, call ToolCall) (string, error) {
	tool, err := r.tools.Get(call.Name, agent.AllowedTools)
	if err != nil {
		return "", err
	}
	return tool.Run(ctx, call.Args)
}

func (r *Runner) publishMessage(m *store.Message) {
	r.bus.Publish(bus.ThreadMessageCreated, bus.MessagePayload{
		ID: m.ID, ThreadID: m.ThreadID, Role: string(m.Role),
		Content: m.Content, ToolName: m.ToolName, ToolCallID: m.ToolCallID,
		CreatedAt: m.CreatedAt,
	})
}

func runPayload(run *store.AgentRun) bus.RunPayload {
	return bus.RunPayload{
		ID: run.ID, AgentID: run.AgentID, ThreadID: run.ThreadID,
		Status: string(run.Status), Trigger: string(run.Trigger),
		DurationMS: run.DurationMS, TotalTokens: run.TotalTokens,
		TotalCost: run.TotalCost, Error: run.Error, Summary: run.Summary,
	}
}

// summarize keeps the first 256 runes of the final assistant message.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= summaryRunes {
		return s
	}
	return string(runes[:summaryRunes])
}
