package sqlstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/locks"
)

// AdvisoryLocker implements locks.Manager on Postgres session advisory
// locks. Each acquired lock pins one connection until release, because
// pg_advisory_unlock must run on the session that took the lock.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// lockKey derives the advisory key from the first 8 bytes of the agent
// UUID. Collisions across agents would only over-serialize, never
// under-serialize.
func lockKey(agentID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(agentID[:8]))
}

func (l *AdvisoryLocker) TryAcquire(ctx context.Context, agentID uuid.UUID) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	key := lockKey(agentID)

	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !got {
		conn.Close()
		return nil, locks.ErrAgentBusy
	}

	release := func() {
		// Background: release must run even when the run's context is
		// already cancelled.
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
			slog.Error("advisory_unlock", "agent", agentID, "err", err)
		}
		conn.Close()
	}
	return release, nil
}
