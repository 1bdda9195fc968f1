package topics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/pkg/protocol"
)

func TestParse(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		in      string
		want    Topic
		wantErr bool
	}{
		{"system", System(), false},
		{"agent:" + id.String(), ForAgent(id), false},
		{"thread:" + id.String(), ForThread(id), false},
		{"workflow_execution:" + id.String(), ForExecution(id), false},
		{"user:alice", ForUser("alice"), false},
		{"agent:not-a-uuid", Topic{}, true},
		{"thread:", Topic{}, true},
		{"unknown:x", Topic{}, true},
		{"agent", Topic{}, true},
		{"", Topic{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// fakeSender records envelopes; no bounding, tests inspect everything.
type fakeSender struct {
	id    string
	ident *auth.Identity

	mu   sync.Mutex
	sent []protocol.Envelope
}

func newFakeSender(userID string) *fakeSender {
	return &fakeSender{id: uuid.NewString(), ident: &auth.Identity{UserID: userID}}
}

func (f *fakeSender) ID() string               { return f.id }
func (f *fakeSender) Identity() *auth.Identity { return f.ident }

func (f *fakeSender) Enqueue(env protocol.Envelope) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
}

func (f *fakeSender) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.sent...)
}

func (f *fakeSender) byType(msgType string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range f.envelopes() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func TestSubscribeAckAndBroadcast(t *testing.T) {
	m := NewManager(nil)
	s := newFakeSender("u1")
	m.Register(s)

	topic := ForAgent(uuid.New())
	m.Subscribe(context.Background(), s, []string{topic.String()}, "req-1")

	acks := s.byType(protocol.MsgSubscribeAck)
	if len(acks) != 1 {
		t.Fatalf("got %d acks, want 1", len(acks))
	}
	var ack protocol.SubscribeAckPayload
	if err := json.Unmarshal(acks[0].Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.MessageID != "req-1" || len(ack.Topics) != 1 || ack.Topics[0] != topic.String() {
		t.Errorf("ack = %+v", ack)
	}

	m.Broadcast(topic, protocol.New("AGENT_UPDATED", topic.String(), nil))
	events := s.byType("AGENT_UPDATED")
	if len(events) != 1 {
		t.Fatalf("got %d broadcast envelopes, want 1", len(events))
	}
	if events[0].Topic != topic.String() {
		t.Errorf("Topic = %q", events[0].Topic)
	}
}

func TestSubscribeInvalidTopicYieldsError(t *testing.T) {
	m := NewManager(nil)
	s := newFakeSender("u1")
	m.Register(s)

	good := ForUser("u1")
	m.Subscribe(context.Background(), s, []string{"bogus:topic", good.String()}, "req-2")

	if errs := s.byType(protocol.MsgSubscribeError); len(errs) != 1 {
		t.Fatalf("got %d subscribe_error, want 1", len(errs))
	}
	acks := s.byType(protocol.MsgSubscribeAck)
	if len(acks) != 1 {
		t.Fatalf("got %d acks, want 1", len(acks))
	}
	var ack protocol.SubscribeAckPayload
	json.Unmarshal(acks[0].Data, &ack)
	if len(ack.Topics) != 1 || ack.Topics[0] != good.String() {
		t.Errorf("ack topics = %v, want only the valid topic", ack.Topics)
	}
}

func TestSubscribeAcksEachTopicIndependently(t *testing.T) {
	m := NewManager(nil)
	s := newFakeSender("u1")
	m.Register(s)

	t1, t2 := ForAgent(uuid.New()), ForThread(uuid.New())
	m.Subscribe(context.Background(), s, []string{t1.String(), t2.String()}, "req-3")

	acks := s.byType(protocol.MsgSubscribeAck)
	if len(acks) != 2 {
		t.Fatalf("got %d acks, want one per topic", len(acks))
	}
	for i, want := range []Topic{t1, t2} {
		var ack protocol.SubscribeAckPayload
		if err := json.Unmarshal(acks[i].Data, &ack); err != nil {
			t.Fatal(err)
		}
		if ack.MessageID != "req-3" {
			t.Errorf("acks[%d].MessageID = %q", i, ack.MessageID)
		}
		if len(ack.Topics) != 1 || ack.Topics[0] != want.String() {
			t.Errorf("acks[%d].Topics = %v, want [%s]", i, ack.Topics, want)
		}
	}
}

func TestResubscribeIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	s := newFakeSender("u1")
	m.Register(s)

	topic := ForThread(uuid.New())
	m.Subscribe(context.Background(), s, []string{topic.String()}, "a")
	m.Subscribe(context.Background(), s, []string{topic.String()}, "b")

	if n := m.SubscriberCount(topic); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}
	if acks := s.byType(protocol.MsgSubscribeAck); len(acks) != 2 {
		t.Errorf("got %d acks, want 2 (each request acked)", len(acks))
	}

	// One broadcast, one delivery.
	m.Broadcast(topic, protocol.New("THREAD_UPDATED", topic.String(), nil))
	if n := len(s.byType("THREAD_UPDATED")); n != 1 {
		t.Errorf("got %d deliveries, want 1", n)
	}
}

func TestUnsubscribeStopsDeliveryAndAcks(t *testing.T) {
	m := NewManager(nil)
	s := newFakeSender("u1")
	m.Register(s)

	topic := ForAgent(uuid.New())
	m.Subscribe(context.Background(), s, []string{topic.String()}, "sub")
	m.Unsubscribe(s, []string{topic.String()}, "unsub")
	// Unsubscribing again is harmless and still acked.
	m.Unsubscribe(s, []string{topic.String()}, "unsub2")

	if acks := s.byType(protocol.MsgSubscribeAck); len(acks) != 3 {
		t.Errorf("got %d acks, want 3", len(acks))
	}

	m.Broadcast(topic, protocol.New("AGENT_UPDATED", topic.String(), nil))
	if n := len(s.byType("AGENT_UPDATED")); n != 0 {
		t.Errorf("got %d deliveries after unsubscribe, want 0", n)
	}
}

func TestUnregisterDropsAllSubscriptions(t *testing.T) {
	m := NewManager(nil)
	s := newFakeSender("u1")
	m.Register(s)

	t1, t2 := ForAgent(uuid.New()), ForUser("u1")
	m.Subscribe(context.Background(), s, []string{t1.String(), t2.String()}, "r")
	m.Unregister(s.ID())

	if m.SubscriberCount(t1) != 0 || m.SubscriberCount(t2) != 0 {
		t.Error("subscriptions survived Unregister")
	}
	if len(m.Snapshot()) != 0 {
		t.Errorf("Snapshot = %v, want empty", m.Snapshot())
	}
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, *auth.Identity, Topic) error {
	return errors.New("denied")
}

func TestSubscribeAuthzDenial(t *testing.T) {
	m := NewManager(denyAll{})
	s := newFakeSender("u1")
	m.Register(s)

	topic := ForAgent(uuid.New())
	m.Subscribe(context.Background(), s, []string{topic.String()}, "r")

	if len(s.byType(protocol.MsgSubscribeError)) != 1 {
		t.Error("expected subscribe_error on authz denial")
	}
	if len(s.byType(protocol.MsgSubscribeAck)) != 0 {
		t.Error("no ack expected when every topic is denied")
	}
	if m.SubscriberCount(topic) != 0 {
		t.Error("denied subscription must not register")
	}
}
