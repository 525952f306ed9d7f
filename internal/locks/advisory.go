package locks

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/metrics"
)

// AdvisoryLocker implements Locker on PostgreSQL advisory locks. An advisory
// lock is scoped to the connection that took it, so each acquired handle pins
// one connection from the pool for the whole critical section and the lock
// dies with the connection if the process crashes.
type AdvisoryLocker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAdvisoryLocker creates a Postgres-backed locker.
func NewAdvisoryLocker(db *sql.DB, logger *zap.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, logger: logger}
}

// lockKey hashes a lock name into the bigint keyspace pg_try_advisory_lock
// expects. FNV-1a over the full name; collisions would only over-serialize,
// never under-serialize.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryAcquire checks out a connection and attempts the advisory lock on it.
// The connection stays checked out until Release.
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, name string) (Handle, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("checkout connection for lock %q: %w", name, err)
	}

	var acquired bool
	key := lockKey(name)
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}

	if !acquired {
		conn.Close()
		metrics.LockAcquisitions.WithLabelValues("advisory", "contended").Inc()
		return nil, false, nil
	}

	metrics.LockAcquisitions.WithLabelValues("advisory", "acquired").Inc()
	return &advisoryHandle{
		name:   name,
		key:    key,
		conn:   conn,
		logger: l.logger,
	}, true, nil
}

type advisoryHandle struct {
	name   string
	key    int64
	conn   *sql.Conn
	logger *zap.Logger
	once   sync.Once
}

func (h *advisoryHandle) Name() string { return h.name }

// Release unlocks and returns the pinned connection to the pool. Unlock
// errors are logged, not returned to the unlock path's caller as fatal:
// closing the connection releases the lock server-side regardless.
func (h *advisoryHandle) Release() error {
	var closeErr error
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := h.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", h.key); err != nil {
			h.logger.Warn("Advisory unlock failed, closing connection to force release",
				zap.String("lock", h.name),
				zap.Error(err),
			)
		}
		closeErr = h.conn.Close()
	})
	return closeErr
}
