package topics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/pkg/protocol"
)

// Sender is a connected client the manager can deliver envelopes to.
// Enqueue must never block: implementations keep a bounded queue and evict
// the oldest pending envelope when full.
type Sender interface {
	ID() string
	Identity() *auth.Identity
	Enqueue(protocol.Envelope)
}

// Authorizer decides whether an identity may subscribe to a topic.
// Denials surface to the client as a subscribe_error, not a disconnect.
type Authorizer interface {
	Authorize(ctx context.Context, ident *auth.Identity, t Topic) error
}

// AllowAll authorizes every subscription. Used in tests and single-user
// deployments.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *auth.Identity, Topic) error { return nil }

// Manager multiplexes server events onto client subscriptions. Topics are
// created implicitly on first subscribe and dropped when their last
// subscriber leaves.
type Manager struct {
	authz Authorizer

	mu       sync.RWMutex
	topics   map[Topic]map[string]Sender
	byClient map[string]map[Topic]struct{}
}

func NewManager(authz Authorizer) *Manager {
	if authz == nil {
		authz = AllowAll{}
	}
	return &Manager{
		authz:    authz,
		topics:   make(map[Topic]map[string]Sender),
		byClient: make(map[string]map[Topic]struct{}),
	}
}

// Register makes the client known to the manager. It starts with no
// subscriptions.
func (m *Manager) Register(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byClient[s.ID()]; !ok {
		m.byClient[s.ID()] = make(map[Topic]struct{})
	}
}

// Unregister drops the client from every topic it is subscribed to.
// Safe to call for an unknown client.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t := range m.byClient[clientID] {
		m.dropLocked(t, clientID)
	}
	delete(m.byClient, clientID)
}

// Subscribe processes one subscribe request. Each topic is validated and
// authorized independently and yields its own subscribe_ack or
// subscribe_error carrying the request's message ID. Re-subscribing to a
// held topic is a no-op that still acks.
func (m *Manager) Subscribe(ctx context.Context, s Sender, rawTopics []string, messageID string) {
	for _, raw := range rawTopics {
		t, err := Parse(raw)
		if err == nil {
			err = m.authz.Authorize(ctx, s.Identity(), t)
		}
		if err != nil {
			s.Enqueue(protocol.New(protocol.MsgSubscribeError, raw, protocol.SubscribeErrorPayload{
				MessageID: messageID,
				Topics:    []string{raw},
				Error:     err.Error(),
			}))
			continue
		}
		m.add(t, s)
		s.Enqueue(protocol.New(protocol.MsgSubscribeAck, t.String(), protocol.SubscribeAckPayload{
			MessageID: messageID,
			Topics:    []string{t.String()},
		}))
	}
}

// Unsubscribe removes the client from each named topic. Unknown or
// never-subscribed topics are ignored; the ack always follows.
func (m *Manager) Unsubscribe(s Sender, rawTopics []string, messageID string) {
	removed := make([]string, 0, len(rawTopics))
	for _, raw := range rawTopics {
		t, err := Parse(raw)
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.dropLocked(t, s.ID())
		delete(m.byClient[s.ID()], t)
		m.mu.Unlock()
		removed = append(removed, t.String())
	}
	s.Enqueue(protocol.New(protocol.MsgSubscribeAck, "", protocol.SubscribeAckPayload{
		MessageID: messageID,
		Topics:    removed,
	}))
}

func (m *Manager) add(t Topic, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.topics[t]
	if set == nil {
		set = make(map[string]Sender)
		m.topics[t] = set
	}
	set[s.ID()] = s
	if m.byClient[s.ID()] == nil {
		m.byClient[s.ID()] = make(map[Topic]struct{})
	}
	m.byClient[s.ID()][t] = struct{}{}
}

func (m *Manager) dropLocked(t Topic, clientID string) {
	set := m.topics[t]
	if set == nil {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(m.topics, t)
	}
}

// Broadcast enqueues the envelope to every current subscriber of the
// topic. Subscribers joining after this call do not receive it.
func (m *Manager) Broadcast(t Topic, env protocol.Envelope) {
	m.mu.RLock()
	set := m.topics[t]
	subs := make([]Sender, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	env.Topic = t.String()
	for _, s := range subs {
		s.Enqueue(env)
	}
}

// SubscriberCount reports current subscribers of a topic. Test helper.
func (m *Manager) SubscriberCount(t Topic) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[t])
}

// Snapshot returns subscriber counts per topic for the health endpoint.
func (m *Manager) Snapshot() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.topics))
	for t, set := range m.topics {
		out[t.String()] = len(set)
	}
	return out
}

// LogState writes a debug line with the current topic census.
func (m *Manager) LogState() {
	m.mu.RLock()
	n := len(m.topics)
	clients := len(m.byClient)
	m.mu.RUnlock()
	slog.Debug("topics.state", "topics", n, "clients", clients)
}
