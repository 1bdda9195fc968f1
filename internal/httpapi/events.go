package httpapi

import (
	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/store"
)

func (a *API) publishAgent(agent *store.Agent, created bool) {
	et := bus.AgentUpdated
	if created {
		et = bus.AgentCreated
	}
	a.Bus.Publish(et, bus.AgentPayload{
		ID:        agent.ID,
		OwnerID:   agent.OwnerID,
		Status:    string(agent.Status),
		Schedule:  agent.Schedule,
		LastError: agent.LastError,
		LastRunAt: agent.LastRunAt,
		NextRunAt: agent.NextRunAt,
	})
}

func (a *API) publishAgentDeleted(id uuid.UUID) {
	a.Bus.Publish(bus.AgentDeleted, bus.AgentPayload{ID: id})
}
