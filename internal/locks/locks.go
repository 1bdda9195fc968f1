package locks

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrAgentBusy is returned when an agent already has a run in flight.
// The HTTP layer maps it to 409 Conflict.
var ErrAgentBusy = errors.New("agent busy")

// Manager serializes runs per agent: at most one holder per agent ID at any
// instant, across every trigger path. TryAcquire never blocks waiting for a
// lock; a held lock yields ErrAgentBusy immediately.
type Manager interface {
	TryAcquire(ctx context.Context, agentID uuid.UUID) (release func(), err error)
}

// WithAgentLock runs fn while holding the agent's lock and releases it on
// every exit path, including a panicking fn.
func WithAgentLock(ctx context.Context, m Manager, agentID uuid.UUID, fn func(ctx context.Context) error) error {
	release, err := m.TryAcquire(ctx, agentID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Local is an in-process Manager backed by a keyed try-mutex. It is the
// whole story for single-process deployments and doubles as the fast local
// tier in front of a database advisory lock.
type Local struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

// NewLocal creates an empty local lock manager.
func NewLocal() *Local {
	return &Local{held: make(map[uuid.UUID]struct{})}
}

// TryAcquire takes the agent's lock or fails with ErrAgentBusy. The returned
// release is idempotent.
func (l *Local) TryAcquire(_ context.Context, agentID uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[agentID]; ok {
		return nil, ErrAgentBusy
	}
	l.held[agentID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, agentID)
			l.mu.Unlock()
		})
	}
	return release, nil
}

// Held reports whether the agent's lock is currently taken. Test helper.
func (l *Local) Held(agentID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[agentID]
	return ok
}

// Layered chains two managers: the outer (cheap, local) lock is taken
// first, then the inner (shared, e.g. database advisory) lock. Either tier
// failing releases what was taken and reports ErrAgentBusy.
type Layered struct {
	Outer Manager
	Inner Manager
}

func (l *Layered) TryAcquire(ctx context.Context, agentID uuid.UUID) (func(), error) {
	outerRelease, err := l.Outer.TryAcquire(ctx, agentID)
	if err != nil {
		return nil, err
	}
	innerRelease, err := l.Inner.TryAcquire(ctx, agentID)
	if err != nil {
		outerRelease()
		return nil, err
	}
	return func() {
		innerRelease()
		outerRelease()
	}, nil
}
