package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/swarmlabs/zerg/internal/bus"
	"github.com/swarmlabs/zerg/internal/store"
)

// Signature headers. The signature is hex HMAC-SHA256 over
// "<timestamp>.<raw body>" keyed with the trigger's secret.
const (
	HeaderTimestamp = "X-Zerg-Timestamp"
	HeaderSignature = "X-Zerg-Signature"
)

const maxBodySize = 1 << 20

// Options tunes the ingress.
type Options struct {
	// MaxSkew bounds how far the timestamp header may drift from now,
	// both directions.
	MaxSkew time.Duration
	// RatePerMinute limits accepted events per trigger. 0 disables.
	RatePerMinute int
}

// Ingress authenticates webhook deliveries and publishes TRIGGER_FIRED.
// Every rejection is a bare 401: callers learn nothing about which check
// failed.
type Ingress struct {
	store store.Store
	bus   *bus.Bus
	opts  Options
	now   func() time.Time

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func NewIngress(st store.Store, b *bus.Bus, opts Options) *Ingress {
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = 5 * time.Minute
	}
	return &Ingress{
		store:    st,
		bus:      b,
		opts:     opts,
		now:      time.Now,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

// HandleEvent processes POST /triggers/{id}/events. A valid delivery is
// answered 200 before the run starts; dispatch is asynchronous via the
// TRIGGER_FIRED subscriber.
func (in *Ingress) HandleEvent(w http.ResponseWriter, r *http.Request, triggerID uuid.UUID) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		reject(w)
		return
	}

	tsHeader := r.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		reject(w)
		return
	}
	skew := in.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(in.opts.MaxSkew/time.Second) {
		reject(w)
		return
	}

	trg, err := in.store.GetTrigger(r.Context(), triggerID)
	if err != nil {
		reject(w)
		return
	}

	if !verify(trg.Secret, tsHeader, body, r.Header.Get(HeaderSignature)) {
		reject(w)
		return
	}
	if !trg.Active {
		reject(w)
		return
	}

	if !in.allow(trg.ID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	in.bus.Publish(bus.TriggerFired, bus.TriggerPayload{
		TriggerID: trg.ID,
		AgentID:   trg.AgentID,
		Body:      json.RawMessage(body),
	})
	slog.Info("trigger.fired", "trigger", trg.ID, "agent", trg.AgentID, "bytes", len(body))

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func reject(w http.ResponseWriter) {
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func verify(secret, timestamp string, body []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the signature for a delivery. Shared with tests and the
// CLI helper.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (in *Ingress) allow(triggerID uuid.UUID) bool {
	if in.opts.RatePerMinute <= 0 {
		return true
	}
	in.mu.Lock()
	lim, ok := in.limiters[triggerID]
	if !ok {
		perSecond := rate.Limit(float64(in.opts.RatePerMinute) / 60.0)
		lim = rate.NewLimiter(perSecond, in.opts.RatePerMinute)
		in.limiters[triggerID] = lim
	}
	in.mu.Unlock()
	return lim.Allow()
}
