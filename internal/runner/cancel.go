package runner

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// cancelRegistry tracks a cooperative cancel flag per in-flight run. The
// run loop polls its flag between chunks and tool calls; cancellation is
// advisory and takes effect at the next poll.
type cancelRegistry struct {
	mu    sync.Mutex
	flags map[uuid.UUID]*atomic.Bool
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{flags: make(map[uuid.UUID]*atomic.Bool)}
}

func (r *cancelRegistry) register(runID uuid.UUID) *atomic.Bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &atomic.Bool{}
	r.flags[runID] = f
	return f
}

// lookup returns the run's flag, registering one if absent.
func (r *cancelRegistry) lookup(runID uuid.UUID) *atomic.Bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[runID]
	if !ok {
		f = &atomic.Bool{}
		r.flags[runID] = f
	}
	return f
}

func (r *cancelRegistry) remove(runID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, runID)
}

// Cancel flips the run's flag. Returns false when the run is not in
// flight (unknown or already finished).
func (r *cancelRegistry) cancel(runID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[runID]
	if !ok {
		return false
	}
	f.Store(true)
	return true
}
