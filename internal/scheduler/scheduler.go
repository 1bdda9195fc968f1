package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/locks"
	"github.com/swarmlabs/zerg/internal/runner"
	"github.com/swarmlabs/zerg/internal/store"
)

// Dispatcher is the slice of the task runner the scheduler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID uuid.UUID, opts runner.RunOptions) (uuid.UUID, error)
}

type entry struct {
	expr string
	next time.Time
}

// Scheduler fires cron-scheduled agent runs and relays webhook trigger
// events into runs. One timer goroutine services all schedules. An agent
// still busy when its tick arrives is skipped, not queued: the next tick
// is computed and the miss is logged.
type Scheduler struct {
	store    store.Store
	bus      *bus.Bus
	dispatch Dispatcher
	gron     *gronx.Gronx

	mu      sync.Mutex
	entries map[uuid.UUID]entry
	wake    chan struct{}

	cancel context.CancelFunc
	subs   []*bus.Subscription
	wg     sync.WaitGroup
}

func New(st store.Store, b *bus.Bus, d Dispatcher) *Scheduler {
	return &Scheduler{
		store:    st,
		bus:      b,
		dispatch: d,
		gron:     gronx.New(),
		entries:  make(map[uuid.UUID]entry),
		wake:     make(chan struct{}, 1),
	}
}

// Valid reports whether expr is an acceptable cron expression.
func (s *Scheduler) Valid(expr string) bool {
	return s.gron.IsValid(expr)
}

// Start loads scheduled agents, wires bus subscriptions, and runs the
// timer loop until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	agents, err := s.store.ListScheduledAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		s.upsert(ctx, a)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.subs = append(s.subs,
		s.bus.Subscribe(bus.AgentCreated, s.onAgentEvent(ctx)),
		s.bus.Subscribe(bus.AgentUpdated, s.onAgentEvent(ctx)),
		s.bus.Subscribe(bus.AgentDeleted, s.onAgentEvent(ctx)),
		s.bus.Subscribe(bus.TriggerFired, s.onTriggerFired(ctx)),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	slog.Info("scheduler.started", "scheduled_agents", len(agents))
	return nil
}

// Stop cancels subscriptions and waits for the loop to exit.
func (s *Scheduler) Stop() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// upsert installs or refreshes the agent's schedule entry and writes the
// computed next_run_at back to the row. An empty or invalid schedule
// removes the entry.
func (s *Scheduler) upsert(ctx context.Context, a *store.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Schedule == "" || !s.gron.IsValid(a.Schedule) {
		if a.Schedule != "" {
			slog.Warn("scheduler.invalid_cron", "agent", a.ID, "schedule", a.Schedule)
		}
		delete(s.entries, a.ID)
		s.kick()
		return
	}
	next, err := gronx.NextTick(a.Schedule, false)
	if err != nil {
		slog.Warn("scheduler.next_tick", "agent", a.ID, "err", err)
		delete(s.entries, a.ID)
		return
	}
	s.entries[a.ID] = entry{expr: a.Schedule, next: next}
	if err := s.store.UpdateAgentNextRun(ctx, a.ID, &next); err != nil {
		slog.Error("scheduler.persist_next_run", "agent", a.ID, "err", err)
	}
	s.kick()
}

func (s *Scheduler) remove(agentID uuid.UUID) {
	s.mu.Lock()
	delete(s.entries, agentID)
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) onAgentEvent(ctx context.Context) bus.Handler {
	return func(ev bus.Event) {
		p, ok := ev.Payload.(bus.AgentPayload)
		if !ok {
			return
		}
		if ev.Type == bus.AgentDeleted {
			s.remove(p.ID)
			return
		}
		a, err := s.store.GetAgent(ctx, p.ID)
		if err != nil {
			s.remove(p.ID)
			return
		}
		s.upsert(ctx, a)
	}
}

// onTriggerFired turns a webhook event into a run. The webhook body rides
// along as the task override so the agent sees the payload.
func (s *Scheduler) onTriggerFired(ctx context.Context) bus.Handler {
	return func(ev bus.Event) {
		p, ok := ev.Payload.(bus.TriggerPayload)
		if !ok {
			return
		}
		override := ""
		if len(p.Body) > 0 {
			override = string(p.Body)
		}
		_, err := s.dispatch.Dispatch(ctx, p.AgentID, runner.RunOptions{
			Trigger:      store.TriggerWebhook,
			TaskOverride: override,
		})
		if errors.Is(err, locks.ErrAgentBusy) {
			slog.Info("scheduler.trigger_skipped_busy", "agent", p.AgentID, "trigger", p.TriggerID)
			return
		}
		if err != nil {
			slog.Error("scheduler.trigger_dispatch", "agent", p.AgentID, "err", err)
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		wait := s.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

const idleWait = time.Minute

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := idleWait
	now := time.Now()
	for _, e := range s.entries {
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// fireDue dispatches every agent whose tick has arrived and advances its
// entry. Busy agents miss the tick by design.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]uuid.UUID, 0, 4)
	for id, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, id)
			next, err := gronx.NextTick(e.expr, false)
			if err != nil {
				delete(s.entries, id)
				continue
			}
			s.entries[id] = entry{expr: e.expr, next: next}
		}
	}
	s.mu.Unlock()

	for _, agentID := range due {
		agentID := agentID
		e, ok := s.entryFor(agentID)
		if ok {
			if err := s.store.UpdateAgentNextRun(ctx, agentID, &e.next); err != nil {
				slog.Error("scheduler.persist_next_run", "agent", agentID, "err", err)
			}
		}
		_, err := s.dispatch.Dispatch(ctx, agentID, runner.RunOptions{Trigger: store.TriggerSchedule})
		switch {
		case errors.Is(err, locks.ErrAgentBusy):
			slog.Info("scheduler.tick_skipped_busy", "agent", agentID)
		case errors.Is(err, store.ErrNotFound):
			s.remove(agentID)
		case err != nil:
			slog.Error("scheduler.dispatch", "agent", agentID, "err", err)
		}
	}
}

func (s *Scheduler) entryFor(agentID uuid.UUID) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[agentID]
	return e, ok
}
