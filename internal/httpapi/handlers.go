package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/runner"
	"github.com/swarmlabs/zerg/internal/store"
)

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

// loadOwnedAgent fetches the agent and enforces ownership.
func (a *API) loadOwnedAgent(r *http.Request, id uuid.UUID) (*store.Agent, error) {
	agent, err := a.Store.GetAgent(r.Context(), id)
	if err != nil {
		return nil, err
	}
	ident := identity(r)
	if !ident.Admin && agent.OwnerID != ident.UserID {
		return nil, store.ErrForbidden
	}
	return agent, nil
}

type agentRequest struct {
	Name               string   `json:"name"`
	SystemInstructions string   `json:"system_instructions"`
	TaskInstructions   string   `json:"task_instructions"`
	Model              string   `json:"model"`
	Schedule           string   `json:"schedule"`
	AllowedTools       []string `json:"allowed_tools"`
}

func agentResponse(a *store.Agent) map[string]any {
	return map[string]any{
		"id":                  a.ID,
		"owner_id":            a.OwnerID,
		"name":                a.Name,
		"system_instructions": a.SystemInstructions,
		"task_instructions":   a.TaskInstructions,
		"model":               a.Model,
		"schedule":            a.Schedule,
		"allowed_tools":       a.AllowedTools,
		"status":              a.Status,
		"last_error":          a.LastError,
		"last_run_at":         a.LastRunAt,
		"next_run_at":         a.NextRunAt,
		"created_at":          a.CreatedAt,
		"updated_at":          a.UpdatedAt,
	}
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if req.Schedule != "" && !a.Scheduler.Valid(req.Schedule) {
		badRequest(w, "invalid cron schedule")
		return
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:                 store.NewID(),
		OwnerID:            identity(r).UserID,
		Name:               req.Name,
		SystemInstructions: req.SystemInstructions,
		TaskInstructions:   req.TaskInstructions,
		Model:              req.Model,
		Schedule:           req.Schedule,
		AllowedTools:       req.AllowedTools,
		Status:             store.AgentIdle,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.Store.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	a.publishAgent(agent, true)
	writeJSON(w, http.StatusCreated, agentResponse(agent))
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad agent id")
		return
	}
	agent, err := a.loadOwnedAgent(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentResponse(agent))
}

func (a *API) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad agent id")
		return
	}
	agent, err := a.loadOwnedAgent(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	if req.Schedule != "" && !a.Scheduler.Valid(req.Schedule) {
		badRequest(w, "invalid cron schedule")
		return
	}

	agent.Name = req.Name
	agent.SystemInstructions = req.SystemInstructions
	agent.TaskInstructions = req.TaskInstructions
	agent.Model = req.Model
	agent.Schedule = req.Schedule
	agent.AllowedTools = req.AllowedTools
	if err := a.Store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	a.publishAgent(agent, false)
	writeJSON(w, http.StatusOK, agentResponse(agent))
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad agent id")
		return
	}
	if _, err := a.loadOwnedAgent(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Store.DeleteAgent(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	a.publishAgentDeleted(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRunTask starts a run on the agent. 409 when a run is already in
// flight.
func (a *API) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad agent id")
		return
	}
	if _, err := a.loadOwnedAgent(r, id); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Task string `json:"task"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "malformed body")
			return
		}
	}
	runID, err := a.Runner.Dispatch(r.Context(), id, runner.RunOptions{
		Trigger:      store.TriggerManual,
		TaskOverride: req.Task,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad agent id")
		return
	}
	if _, err := a.loadOwnedAgent(r, id); err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.Store.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad run id")
		return
	}
	run, err := a.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.loadOwnedAgent(r, run.AgentID); err != nil {
		writeError(w, err)
		return
	}
	if !a.Runner.CancelRun(id) {
		writeJSON(w, http.StatusConflict, errorBody{Error: "run is not in flight"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handlePostMessage appends a user message and starts a chat run on the
// thread's agent.
func (a *API) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad thread id")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		badRequest(w, "content is required")
		return
	}
	if err := a.Runner.HandleSendMessage(r.Context(), identity(r), id, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad thread id")
		return
	}
	thread, err := a.Store.GetThread(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.loadOwnedAgent(r, thread.AgentID); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := a.Store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (a *API) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string          `json:"name"`
		Canvas json.RawMessage `json:"canvas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		badRequest(w, "name and canvas are required")
		return
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:        store.NewID(),
		OwnerID:   identity(r).UserID,
		Name:      req.Name,
		Canvas:    req.Canvas,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.Store.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": wf.ID})
}

// handleStartExecution validates the canvas and launches an execution of
// the workflow named in the path. An optional JSON body becomes the
// trigger node's output.
func (a *API) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad workflow id")
		return
	}
	wf, err := a.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	ident := identity(r)
	if !ident.Admin && wf.OwnerID != ident.UserID {
		writeError(w, store.ErrForbidden)
		return
	}
	var payload json.RawMessage
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			badRequest(w, "malformed body")
			return
		}
	}
	exec, err := a.Engine.Start(r.Context(), id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": exec.ID})
}

func (a *API) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad execution id")
		return
	}
	if _, err := a.loadOwnedExecution(r, id); err != nil {
		writeError(w, err)
		return
	}
	if !a.Engine.Cancel(id) {
		writeJSON(w, http.StatusConflict, errorBody{Error: "execution is not in flight"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "bad execution id")
		return
	}
	exec, err := a.loadOwnedExecution(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (a *API) loadOwnedExecution(r *http.Request, id uuid.UUID) (*store.WorkflowExecution, error) {
	exec, err := a.Store.GetWorkflowExecution(r.Context(), id)
	if err != nil {
		return nil, err
	}
	wf, err := a.Store.GetWorkflow(r.Context(), exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	ident := identity(r)
	if !ident.Admin && wf.OwnerID != ident.UserID {
		return nil, store.ErrForbidden
	}
	return exec, nil
}

func (a *API) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID uuid.UUID `json:"agent_id"`
		Secret  string    `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	if req.Secret == "" {
		badRequest(w, "secret is required")
		return
	}
	if _, err := a.loadOwnedAgent(r, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	trg := &store.Trigger{
		ID:        store.NewID(),
		AgentID:   req.AgentID,
		Secret:    req.Secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.Store.CreateTrigger(r.Context(), trg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": trg.ID})
}

// handleTriggerEvent delegates to the HMAC ingress. Unauthenticated by
// design: the signature is the credential.
func (a *API) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		// Indistinguishable from any other auth failure.
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	a.Ingress.HandleEvent(w, r, id)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": a.Gateway.ClientCount(),
		"topics":  a.Topics.Snapshot(),
	})
}
