package trigger

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/store"
	"github.com/swarmlabs/zerg/internal/store/storetest"
)

type fixture struct {
	in      *Ingress
	trigger *store.Trigger

	mu    sync.Mutex
	fired []bus.TriggerPayload
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := storetest.New()
	b := bus.New()
	t.Cleanup(b.Close)

	trg := &store.Trigger{
		ID:      store.NewID(),
		AgentID: store.NewID(),
		Secret:  "wh-secret",
		Active:  true,
	}
	if err := st.CreateTrigger(context.Background(), trg); err != nil {
		t.Fatal(err)
	}

	f := &fixture{in: NewIngress(st, b, opts), trigger: trg}
	b.Subscribe(bus.TriggerFired, func(ev bus.Event) {
		f.mu.Lock()
		f.fired = append(f.fired, ev.Payload.(bus.TriggerPayload))
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) firedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

// deliver posts a body with the given timestamp and signature and returns
// the response.
func (f *fixture) deliver(triggerID uuid.UUID, body []byte, ts, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/triggers/x/events", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, sig)
	w := httptest.NewRecorder()
	f.in.HandleEvent(w, req, triggerID)
	return w
}

func (f *fixture) signedDeliver(body []byte) *httptest.ResponseRecorder {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return f.deliver(f.trigger.ID, body, ts, Sign(f.trigger.Secret, ts, body))
}

func TestValidDeliveryAccepted(t *testing.T) {
	f := newFixture(t, Options{})
	body := []byte(`{"event":"push"}`)

	w := f.signedDeliver(body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.firedCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fired) != 1 {
		t.Fatalf("TRIGGER_FIRED count = %d, want 1", len(f.fired))
	}
	p := f.fired[0]
	if p.TriggerID != f.trigger.ID || p.AgentID != f.trigger.AgentID {
		t.Errorf("payload = %+v", p)
	}
	if string(p.Body) != string(body) {
		t.Errorf("body = %s", p.Body)
	}
}

func TestRejectionsAreUniform401(t *testing.T) {
	f := newFixture(t, Options{MaxSkew: 5 * time.Minute})
	body := []byte(`{}`)
	now := time.Now().Unix()
	ts := strconv.FormatInt(now, 10)

	tests := []struct {
		name string
		do   func() *httptest.ResponseRecorder
	}{
		{"missing timestamp", func() *httptest.ResponseRecorder {
			return f.deliver(f.trigger.ID, body, "", Sign(f.trigger.Secret, "", body))
		}},
		{"garbage timestamp", func() *httptest.ResponseRecorder {
			return f.deliver(f.trigger.ID, body, "yesterday", Sign(f.trigger.Secret, "yesterday", body))
		}},
		{"stale timestamp", func() *httptest.ResponseRecorder {
			old := strconv.FormatInt(now-600, 10)
			return f.deliver(f.trigger.ID, body, old, Sign(f.trigger.Secret, old, body))
		}},
		{"future timestamp", func() *httptest.ResponseRecorder {
			fut := strconv.FormatInt(now+600, 10)
			return f.deliver(f.trigger.ID, body, fut, Sign(f.trigger.Secret, fut, body))
		}},
		{"unknown trigger", func() *httptest.ResponseRecorder {
			return f.deliver(uuid.New(), body, ts, Sign(f.trigger.Secret, ts, body))
		}},
		{"wrong secret", func() *httptest.ResponseRecorder {
			return f.deliver(f.trigger.ID, body, ts, Sign("other-secret", ts, body))
		}},
		{"signature over different body", func() *httptest.ResponseRecorder {
			return f.deliver(f.trigger.ID, body, ts, Sign(f.trigger.Secret, ts, []byte(`{"tampered":1}`)))
		}},
		{"non-hex signature", func() *httptest.ResponseRecorder {
			return f.deliver(f.trigger.ID, body, ts, "zzzz")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.do()
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
	if f.firedCount() != 0 {
		t.Errorf("TRIGGER_FIRED published for rejected delivery")
	}
}

func TestInactiveTriggerRejected(t *testing.T) {
	f := newFixture(t, Options{})
	f.trigger.Active = false
	// Re-store the deactivated trigger.
	st := f.in.store.(*storetest.Fake)
	st.CreateTrigger(context.Background(), f.trigger)

	w := f.signedDeliver([]byte(`{}`))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for inactive trigger", w.Code)
	}
}

func TestReplayWindow(t *testing.T) {
	f := newFixture(t, Options{MaxSkew: 30 * time.Second})
	body := []byte(`{}`)

	// Freeze "now", then move it past the skew window to simulate replay
	// of a captured request.
	base := time.Now()
	f.in.now = func() time.Time { return base }
	ts := strconv.FormatInt(base.Unix(), 10)
	sig := Sign(f.trigger.Secret, ts, body)

	if w := f.deliver(f.trigger.ID, body, ts, sig); w.Code != http.StatusOK {
		t.Fatalf("fresh delivery status = %d, want 200", w.Code)
	}

	f.in.now = func() time.Time { return base.Add(31 * time.Second) }
	if w := f.deliver(f.trigger.ID, body, ts, sig); w.Code != http.StatusUnauthorized {
		t.Errorf("replayed delivery status = %d, want 401", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RatePerMinute: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.signedDeliver([]byte(`{}`)).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first two deliveries = %v, want 200s", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third delivery = %d, want 429", codes[2])
	}
}
