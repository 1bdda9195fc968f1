package topics

import (
	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/pkg/protocol"
)

// Attach subscribes the manager to every bus event type and fans each
// event out to its topic:
//
//	AGENT_*, RUN_*, TRIGGER_FIRED        → agent:{id}
//	THREAD_*, STREAM_*                   → thread:{id}
//	NODE_*, EXECUTION_FINISHED           → workflow_execution:{id}
//	USER_UPDATE                          → user:{id}
//
// The envelope type is the event type string. Events whose payload does
// not carry the routing ID are dropped silently. All event types share a
// single FIFO subscription so envelopes reach client queues in publish
// order across types (STREAM_START before its chunks before STREAM_END,
// RUN_CREATED before RUN_UPDATED). The returned function cancels the
// bridge subscription.
func Attach(b *bus.Bus, m *Manager) func() {
	sub := b.SubscribeTypes(func(ev bus.Event) {
		t, ok := route(ev)
		if !ok {
			return
		}
		m.Broadcast(t, protocol.New(string(ev.Type), t.String(), ev.Payload))
	}, bus.AllEventTypes...)
	return sub.Cancel
}

func route(ev bus.Event) (Topic, bool) {
	switch p := ev.Payload.(type) {
	case bus.AgentPayload:
		return ForAgent(p.ID), true
	case bus.RunPayload:
		return ForAgent(p.AgentID), true
	case bus.TriggerPayload:
		return ForAgent(p.AgentID), true
	case bus.ThreadPayload:
		return ForThread(p.ID), true
	case bus.MessagePayload:
		return ForThread(p.ThreadID), true
	case bus.StreamPayload:
		return ForThread(p.ThreadID), true
	case bus.NodeStatePayload:
		return ForExecution(p.ExecutionID), true
	case bus.NodeLogPayload:
		return ForExecution(p.ExecutionID), true
	case bus.ExecutionPayload:
		return ForExecution(p.ID), true
	case bus.UserPayload:
		return ForUser(p.ID), true
	}
	return Topic{}, false
}
