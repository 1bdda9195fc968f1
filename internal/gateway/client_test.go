package gateway

import (
	"fmt"
	"testing"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/pkg/protocol"
)

func TestEnqueueEvictsOldestWhenFull(t *testing.T) {
	c := newClient(&Server{}, nil, &auth.Identity{UserID: "u1"})

	const total = 150
	for i := 0; i < total; i++ {
		c.Enqueue(protocol.New("NODE_LOG", "", protocol.ErrorPayload{Error: fmt.Sprintf("%d", i)}))
	}

	var got []protocol.Envelope
	for {
		env, ok := c.dequeue()
		if !ok {
			break
		}
		got = append(got, env)
	}

	if len(got) != sendQueueSize {
		t.Fatalf("queue held %d envelopes, want %d", len(got), sendQueueSize)
	}
	// The survivors are the newest 100, in order: 50..149.
	for i, env := range got {
		want := fmt.Sprintf(`{"error":"%d"}`, total-sendQueueSize+i)
		if string(env.Data) != want {
			t.Fatalf("envelope %d data = %s, want %s", i, env.Data, want)
		}
	}
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	c := newClient(&Server{}, nil, &auth.Identity{UserID: "u1"})
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Enqueue(protocol.New("ping", "", nil))
	if _, ok := c.dequeue(); ok {
		t.Error("closed client accepted an envelope")
	}
}
