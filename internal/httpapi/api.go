// Package httpapi exposes the REST surface: agent and workflow CRUD, task
// dispatch, run history, webhook ingress, and health.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/gateway"
	"github.com/swarmlabs/zerg/internal/locks"
	"github.com/swarmlabs/zerg/internal/runner"
	"github.com/swarmlabs/zerg/internal/scheduler"
	"github.com/swarmlabs/zerg/internal/store"
	"github.com/swarmlabs/zerg/internal/topics"
	"github.com/swarmlabs/zerg/internal/trigger"
	"github.com/swarmlabs/zerg/internal/workflow"
)

// API wires the HTTP surface to the core components.
type API struct {
	Store     store.Store
	Bus       *bus.Bus
	Runner    *runner.Runner
	Engine    *workflow.Engine
	Scheduler *scheduler.Scheduler
	Ingress   *trigger.Ingress
	Topics    *topics.Manager
	Gateway   *gateway.Server
	Validator auth.Validator
}

// Routes builds the full mux. Webhook ingress and health are
// unauthenticated; everything else requires a bearer token.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /triggers/{id}/events", a.handleTriggerEvent)
	mux.Handle("GET /ws", a.Gateway)

	mux.Handle("POST /agents", a.authed(a.handleCreateAgent))
	mux.Handle("GET /agents/{id}", a.authed(a.handleGetAgent))
	mux.Handle("PUT /agents/{id}", a.authed(a.handleUpdateAgent))
	mux.Handle("DELETE /agents/{id}", a.authed(a.handleDeleteAgent))
	mux.Handle("POST /agents/{id}/task", a.authed(a.handleRunTask))
	mux.Handle("GET /agents/{id}/runs", a.authed(a.handleListRuns))

	mux.Handle("POST /threads/{id}/messages", a.authed(a.handlePostMessage))
	mux.Handle("GET /threads/{id}/messages", a.authed(a.handleListMessages))

	mux.Handle("POST /runs/{id}/cancel", a.authed(a.handleCancelRun))

	mux.Handle("POST /workflows", a.authed(a.handleCreateWorkflow))
	mux.Handle("POST /workflow-executions/{id}/start", a.authed(a.handleStartExecution))
	mux.Handle("POST /workflow-executions/{id}/cancel", a.authed(a.handleCancelExecution))
	mux.Handle("GET /workflow-executions/{id}", a.authed(a.handleGetExecution))

	mux.Handle("POST /triggers", a.authed(a.handleCreateTrigger))

	return mux
}

type ctxKey int

const identityKey ctxKey = 0

// authed wraps a handler with bearer token validation and puts the
// identity on the request context.
func (a *API) authed(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		ident, err := a.Validator.Validate(token)
		if err != nil {
			writeError(w, auth.ErrInvalidToken)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	})
}

func identity(r *http.Request) *auth.Identity {
	ident, _ := r.Context().Value(identityKey).(*auth.Identity)
	return ident
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi.encode_response", "err", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, store.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, locks.ErrAgentBusy):
		writeJSON(w, http.StatusConflict, errorBody{Error: "agent busy"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: verr.Error()})
	default:
		slog.Error("httpapi.internal_error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
