// Package store defines the durable stores for sessions, provider results,
// research runs and reports. Every implementation enforces the same guard
// semantics: the session transition table, the provider-result run-id write
// guard, the monotonic status order, and the claim-based send-once rule.
// Business logic never forks on which implementation is configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veldt-labs/deepresearch/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrIllegalTransition is returned when a session state write violates
	// the transition table. This indicates a programming error upstream.
	ErrIllegalTransition = errors.New("store: illegal session state transition")

	// ErrRunIDMismatch is returned when a provider-result write carries a
	// non-nil model_run_id different from the one already recorded. The row
	// is left unchanged.
	ErrRunIDMismatch = errors.New("store: model_run_id mismatch")

	// ErrStaleWrite is returned when a provider-result write would regress
	// a newer status. The row is left unchanged.
	ErrStaleWrite = errors.New("store: stale provider result write")
)

// SessionStore persists research sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// Transition moves the session to the given state, consulting the
	// transition table against the currently stored state. The write and the
	// check are atomic; concurrent callers cannot both succeed on the same
	// edge.
	Transition(ctx context.Context, id uuid.UUID, to models.SessionState) error
	// SetRefinedPrompt records the rewritten prompt and the refinement time.
	SetRefinedPrompt(ctx context.Context, id uuid.UUID, prompt string) error
	// ListSessionsInStates returns sessions currently in any of the given
	// states, oldest first. The orchestration poll loop uses it to find
	// active work after a restart.
	ListSessionsInStates(ctx context.Context, states ...models.SessionState) ([]*models.Session, error)
}

// ResultStore persists per-(session, provider) execution records.
type ResultStore interface {
	// UpsertResult creates or updates the row for (session, provider). It
	// rejects writes whose model_run_id conflicts with the stored one
	// (ErrRunIDMismatch) and writes whose status would regress the stored
	// one (ErrStaleWrite).
	UpsertResult(ctx context.Context, r *models.ProviderResult) error
	GetResult(ctx context.Context, sessionID uuid.UUID, provider string) (*models.ProviderResult, error)
	ListResults(ctx context.Context, sessionID uuid.UUID) ([]*models.ProviderResult, error)
	// NextForLane returns the session the given provider lane should serve
	// next: the session whose result is currently running, else the oldest
	// queued one. ErrNotFound when the lane is idle.
	NextForLane(ctx context.Context, provider string) (*models.ProviderResult, error)
	// ListStaleQueued returns queued results with no started_at whose
	// queued_at is older than the cutoff.
	ListStaleQueued(ctx context.Context, cutoff time.Time) ([]*models.ProviderResult, error)
	// ListStaleRunning returns running results whose last observed activity
	// (last poll, else start) is older than the cutoff.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.ProviderResult, error)
}

// RunStore persists research-run pipeline state.
type RunStore interface {
	CreateRun(ctx context.Context, r *models.ResearchRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.ResearchRun, error)
	GetRunBySessionProvider(ctx context.Context, sessionID uuid.UUID, provider string) (*models.ResearchRun, error)
	// UpdateRun persists pipeline progress. current_step_index may only
	// increase; a write that would rewind it returns ErrStaleWrite.
	UpdateRun(ctx context.Context, r *models.ResearchRun) error
}

// ReportStore persists aggregated reports and owns the send-once claim.
type ReportStore interface {
	InsertReport(ctx context.Context, r *models.Report) error
	LatestReport(ctx context.Context, sessionID uuid.UUID) (*models.Report, error)
	// ClaimSend atomically grants the caller the exclusive right to email
	// the session's report by flipping email_status pending -> sending.
	// ErrNotFound when no claimable report exists (none pending, or a
	// concurrent finalize already claimed it).
	ClaimSend(ctx context.Context, sessionID uuid.UUID) (*models.Report, error)
	// MarkEmail records the outcome of the claimed send.
	MarkEmail(ctx context.Context, reportID uuid.UUID, status models.EmailStatus, emailErr *string) error
}

// Stores bundles the four stores one backend provides.
type Stores struct {
	Sessions SessionStore
	Results  ResultStore
	Runs     RunStore
	Reports  ReportStore
}
