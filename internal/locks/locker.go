// Package locks provides named mutual exclusion across process boundaries.
//
// The engine relies on three named locks per session/provider:
// "session_run:<id>", "<provider>_queue" and "finalize:<id>". Callers never
// block on acquisition — a failed TryAcquire means another holder is active
// and the caller skips its turn, relying on the next poll to make progress.
package locks

import "context"

// Handle represents an acquired lock. Release is idempotent.
type Handle interface {
	Release() error
	Name() string
}

// Locker acquires and releases named locks. TryAcquire never blocks: it
// returns ok=false when the lock is held elsewhere. A non-nil error means
// the locking backend itself is unavailable, which callers treat as
// "try again later", never as lock contention.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (Handle, bool, error)
}

// SessionRunLock is the name of the per-session advance lock.
func SessionRunLock(sessionID string) string { return "session_run:" + sessionID }

// ProviderQueueLock is the name of the per-provider lane drain lock.
func ProviderQueueLock(provider string) string { return provider + "_queue" }

// FinalizeLock is the name of the per-session finalize lock.
func FinalizeLock(sessionID string) string { return "finalize:" + sessionID }
