package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/locks"
	"github.com/swarmlabs/zerg/internal/runner"
	"github.com/swarmlabs/zerg/internal/store"
	"github.com/swarmlabs/zerg/internal/store/storetest"
)

type dispatchCall struct {
	agentID uuid.UUID
	opts    runner.RunOptions
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, agentID uuid.UUID, opts runner.RunOptions) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{agentID: agentID, opts: opts})
	return store.NewID(), d.err
}

func (d *fakeDispatcher) snapshot() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func scheduledAgent(t *testing.T, st *storetest.Fake, schedule string) *store.Agent {
	t.Helper()
	a := &store.Agent{
		ID:       store.NewID(),
		OwnerID:  "u1",
		Name:     "cronned",
		Schedule: schedule,
		Status:   store.AgentIdle,
	}
	if err := st.CreateAgent(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestValid(t *testing.T) {
	s := New(storetest.New(), bus.New(), &fakeDispatcher{})
	tests := []struct {
		expr string
		want bool
	}{
		{"* * * * *", true},
		{"*/5 0 * * 1", true},
		{"* * * * * *", true}, // seconds field
		{"not cron", false},
		{"* * *", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := s.Valid(tt.expr); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestStartPersistsNextRun(t *testing.T) {
	st := storetest.New()
	b := bus.New()
	defer b.Close()
	agent := scheduledAgent(t, st, "* * * * *")

	s := New(st, b, &fakeDispatcher{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	got, _ := st.GetAgent(context.Background(), agent.ID)
	if got.NextRunAt == nil {
		t.Fatal("next_run_at not persisted on start")
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want in the future", got.NextRunAt)
	}
}

func TestInvalidScheduleNotInstalled(t *testing.T) {
	st := storetest.New()
	b := bus.New()
	defer b.Close()
	agent := scheduledAgent(t, st, "every tuesday")

	s := New(st, b, &fakeDispatcher{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	got, _ := st.GetAgent(context.Background(), agent.ID)
	if got.NextRunAt != nil {
		t.Errorf("next_run_at = %v for invalid cron, want nil", got.NextRunAt)
	}
}

func TestTickDispatchesScheduleRun(t *testing.T) {
	st := storetest.New()
	b := bus.New()
	defer b.Close()
	agent := scheduledAgent(t, st, "* * * * * *") // every second

	d := &fakeDispatcher{}
	s := New(st, b, d)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return len(d.snapshot()) >= 1 })
	call := d.snapshot()[0]
	if call.agentID != agent.ID {
		t.Errorf("dispatched agent = %s, want %s", call.agentID, agent.ID)
	}
	if call.opts.Trigger != store.TriggerSchedule {
		t.Errorf("trigger = %s, want schedule", call.opts.Trigger)
	}
}

func TestBusyTickSkippedAndRescheduled(t *testing.T) {
	st := storetest.New()
	b := bus.New()
	defer b.Close()
	scheduledAgent(t, st, "* * * * * *")

	d := &fakeDispatcher{err: locks.ErrAgentBusy}
	s := New(st, b, d)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// A busy miss must not stop the schedule: later ticks still fire.
	waitFor(t, func() bool { return len(d.snapshot()) >= 2 })
}

func TestAgentUpdateInstallsSchedule(t *testing.T) {
	st := storetest.New()
	b := bus.New()
	defer b.Close()

	s := New(st, b, &fakeDispatcher{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	agent := scheduledAgent(t, st, "* * * * *")
	b.Publish(bus.AgentUpdated, bus.AgentPayload{ID: agent.ID, Schedule: agent.Schedule})

	waitFor(t, func() bool {
		got, _ := st.GetAgent(context.Background(), agent.ID)
		return got.NextRunAt != nil
	})
}

func TestTriggerFiredDispatchesWebhookRun(t *testing.T) {
	st := storetest.New()
	b := bus.New()
	defer b.Close()
	agent := scheduledAgent(t, st, "")

	d := &fakeDispatcher{}
	s := New(st, b, d)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	body := json.RawMessage(`{"event":"deploy"}`)
	b.Publish(bus.TriggerFired, bus.TriggerPayload{
		TriggerID: store.NewID(),
		AgentID:   agent.ID,
		Body:      body,
	})

	waitFor(t, func() bool { return len(d.snapshot()) == 1 })
	call := d.snapshot()[0]
	if call.agentID != agent.ID {
		t.Errorf("dispatched agent = %s, want %s", call.agentID, agent.ID)
	}
	if call.opts.Trigger != store.TriggerWebhook {
		t.Errorf("trigger = %s, want webhook", call.opts.Trigger)
	}
	if call.opts.TaskOverride != string(body) {
		t.Errorf("task override = %q, want webhook body", call.opts.TaskOverride)
	}
}

func TestTriggerFiredBusyIsSilentSkip(t *testing.T) {
	st := storetest.New()
	b := bus.New()
	defer b.Close()
	agent := scheduledAgent(t, st, "")

	d := &fakeDispatcher{err: locks.ErrAgentBusy}
	s := New(st, b, d)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	b.Publish(bus.TriggerFired, bus.TriggerPayload{TriggerID: store.NewID(), AgentID: agent.ID})
	waitFor(t, func() bool { return len(d.snapshot()) == 1 })
	// No retry: exactly one dispatch attempt for the delivery.
	time.Sleep(50 * time.Millisecond)
	if n := len(d.snapshot()); n != 1 {
		t.Errorf("dispatch attempts = %d, want 1", n)
	}
}
