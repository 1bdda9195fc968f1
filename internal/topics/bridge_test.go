package topics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/bus"
)

func TestBridgeRoutesEventsToTopics(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(nil)
	detach := Attach(b, m)
	defer detach()

	agentID := uuid.New()
	threadID := uuid.New()
	execID := uuid.New()

	agentSub := newFakeSender("u1")
	threadSub := newFakeSender("u1")
	execSub := newFakeSender("u1")
	m.Register(agentSub)
	m.Register(threadSub)
	m.Register(execSub)
	m.Subscribe(context.Background(), agentSub, []string{ForAgent(agentID).String()}, "r1")
	m.Subscribe(context.Background(), threadSub, []string{ForThread(threadID).String()}, "r2")
	m.Subscribe(context.Background(), execSub, []string{ForExecution(execID).String()}, "r3")

	b.Publish(bus.RunCreated, bus.RunPayload{ID: uuid.New(), AgentID: agentID, ThreadID: threadID})
	b.Publish(bus.StreamChunk, bus.StreamPayload{ThreadID: threadID, RunID: uuid.New(), Text: "hi"})
	b.Publish(bus.NodeState, bus.NodeStatePayload{ExecutionID: execID, NodeID: "n1", Status: "running"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(agentSub.byType("RUN_CREATED")) == 1 &&
			len(threadSub.byType("STREAM_CHUNK")) == 1 &&
			len(execSub.byType("NODE_STATE")) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := len(agentSub.byType("RUN_CREATED")); n != 1 {
		t.Errorf("agent topic RUN_CREATED deliveries = %d, want 1", n)
	}
	// Run events route to the agent topic, not the thread topic.
	if n := len(threadSub.byType("RUN_CREATED")); n != 0 {
		t.Errorf("thread subscriber saw %d RUN_CREATED, want 0", n)
	}
	if n := len(threadSub.byType("STREAM_CHUNK")); n != 1 {
		t.Errorf("thread topic STREAM_CHUNK deliveries = %d, want 1", n)
	}
	if n := len(execSub.byType("NODE_STATE")); n != 1 {
		t.Errorf("execution topic NODE_STATE deliveries = %d, want 1", n)
	}
}

// Cross-type publish order must survive to the client queue: the stream
// frame (START, chunks, END) and the run lifecycle (CREATED before
// UPDATED) arrive in the order they were published.
func TestBridgePreservesPublishOrderAcrossTypes(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		b := bus.New()
		m := NewManager(nil)
		detach := Attach(b, m)

		agentID := uuid.New()
		threadID := uuid.New()
		runID := uuid.New()

		s := newFakeSender("u1")
		m.Register(s)
		m.Subscribe(context.Background(), s,
			[]string{ForAgent(agentID).String(), ForThread(threadID).String()}, "r")

		b.Publish(bus.RunCreated, bus.RunPayload{ID: runID, AgentID: agentID, ThreadID: threadID})
		b.Publish(bus.StreamStart, bus.StreamPayload{ThreadID: threadID, RunID: runID})
		for i := 0; i < 5; i++ {
			b.Publish(bus.StreamChunk, bus.StreamPayload{ThreadID: threadID, RunID: runID, Text: "x"})
		}
		b.Publish(bus.StreamEnd, bus.StreamPayload{ThreadID: threadID, RunID: runID})
		b.Publish(bus.RunUpdated, bus.RunPayload{ID: runID, AgentID: agentID, ThreadID: threadID, Status: "success"})
		b.Close()
		detach()

		want := []string{
			"RUN_CREATED", "STREAM_START",
			"STREAM_CHUNK", "STREAM_CHUNK", "STREAM_CHUNK", "STREAM_CHUNK", "STREAM_CHUNK",
			"STREAM_END", "RUN_UPDATED",
		}
		var got []string
		for _, env := range s.envelopes() {
			if env.Type != "subscribe_ack" {
				got = append(got, env.Type)
			}
		}
		if len(got) != len(want) {
			t.Fatalf("iter %d: got %d envelopes %v, want %d", iter, len(got), got, len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("iter %d: delivery order %v, want %v", iter, got, want)
			}
		}
	}
}
