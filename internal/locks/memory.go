package locks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/metrics"
)

// MemoryLocker implements Locker with an in-process guard. It is only valid
// for single-instance deployments: two processes using MemoryLocker have no
// mutual exclusion at all, so substitution is logged loudly at startup.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker creates an in-process locker and warns that cross-process
// exclusivity is not available.
func NewMemoryLocker(logger *zap.Logger) *MemoryLocker {
	logger.Warn("No shared datastore configured for locking; falling back to in-process locks. " +
		"This is only safe for single-instance deployments.")
	return &MemoryLocker{held: make(map[string]bool)}
}

// TryAcquire takes the named guard if free.
func (l *MemoryLocker) TryAcquire(_ context.Context, name string) (Handle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		metrics.LockAcquisitions.WithLabelValues("memory", "contended").Inc()
		return nil, false, nil
	}
	l.held[name] = true
	metrics.LockAcquisitions.WithLabelValues("memory", "acquired").Inc()
	return &memoryHandle{name: name, locker: l}, true, nil
}

type memoryHandle struct {
	name   string
	locker *MemoryLocker
	once   sync.Once
}

func (h *memoryHandle) Name() string { return h.name }

func (h *memoryHandle) Release() error {
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.held, h.name)
		h.locker.mu.Unlock()
	})
	return nil
}
