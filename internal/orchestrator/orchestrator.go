// Package orchestrator coordinates a session's research phase: it fans work
// out to the per-provider lanes, waits for both provider results to reach a
// terminal status, and triggers finalization exactly once. All cross-process
// exclusivity comes from the named locks; within one invocation the two
// provider executions run as parallel tasks joined before finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veldt-labs/deepresearch/internal/lane"
	"github.com/veldt-labs/deepresearch/internal/locks"
	"github.com/veldt-labs/deepresearch/internal/metrics"
	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/settings"
	"github.com/veldt-labs/deepresearch/internal/store"
)

// ErrIntegrity marks a session/provider/run identifier mismatch. Integrity
// failures are fatal to the run and never retried.
var ErrIntegrity = errors.New("orchestrator: lane job identity mismatch")

// maxJobAttempts bounds job-level retries of transiently failed admissions.
const maxJobAttempts = 2

// staleGrace is added on top of the largest provider timeout before a queued
// result with no start is considered abandoned.
const staleGrace = 5 * time.Minute

// Finalizer aggregates terminal provider results into a report and emails it
// at most once per session.
type Finalizer interface {
	FinalizeReport(ctx context.Context, sessionID uuid.UUID) error
}

// Orchestrator advances sessions through running_research to finalization.
type Orchestrator struct {
	stores    store.Stores
	locker    locks.Locker
	lanes     *lane.Registry
	settings  *settings.Service
	finalizer Finalizer
	execs     []Executor
	logger    *zap.Logger
}

// New creates an orchestrator over the given executors (one per provider).
func New(stores store.Stores, locker locks.Locker, lanes *lane.Registry, svc *settings.Service, finalizer Finalizer, execs []Executor, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		stores:    stores,
		locker:    locker,
		lanes:     lanes,
		settings:  svc,
		finalizer: finalizer,
		execs:     execs,
		logger:    logger,
	}
}

// RunProviders advances one session. It is safe to call from any number of
// processes at once: the session-run lock admits one advance at a time and
// everyone else no-ops, relying on the next poll to make progress. The call
// returns with the session still in running_research when an execution needs
// more admissions; callers poll until a terminal state is reached.
func (o *Orchestrator) RunProviders(ctx context.Context, sessionID uuid.UUID) error {
	handle, ok, err := o.locker.TryAcquire(ctx, locks.SessionRunLock(sessionID.String()))
	if err != nil {
		return fmt.Errorf("acquire session-run lock: %w", err)
	}
	if !ok {
		o.logger.Debug("Session advance already in progress; skipping",
			zap.String("session_id", sessionID.String()))
		return nil
	}
	defer handle.Release()

	sess, err := o.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch {
	case sess.State.IsTerminal():
		return nil
	case sess.State == models.SessionAggregating:
		// A previous advance crashed between the transition and finalize.
		return o.finalizer.FinalizeReport(ctx, sessionID)
	case sess.State != models.SessionRunning:
		return fmt.Errorf("session %s not ready for research (state %s)", sessionID, sess.State)
	}

	setts := o.settings.ForUser(ctx, sess.UserID)

	g, gctx := errgroup.WithContext(ctx)
	for _, exec := range o.execs {
		exec := exec
		g.Go(func() error {
			return o.runLane(gctx, sess, exec, setts)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return o.maybeFinalize(ctx, sess.ID)
}

// runLane drives one provider's execution through its lane for this session.
func (o *Orchestrator) runLane(ctx context.Context, sess *models.Session, exec Executor, setts settings.Settings) error {
	provider := exec.Provider()

	res, err := o.stores.Results.GetResult(ctx, sess.ID, provider)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now()
		res = &models.ProviderResult{
			SessionID: sess.ID,
			Provider:  provider,
			Status:    models.ResultQueued,
			QueuedAt:  &now,
		}
		if err := o.stores.Results.UpsertResult(ctx, res); err != nil {
			return fmt.Errorf("enqueue provider result: %w", err)
		}
	} else if err != nil {
		return err
	}
	if res.Status.IsTerminal() {
		return nil
	}

	runID, err := exec.Prepare(ctx, sess, res)
	if err != nil {
		return fmt.Errorf("prepare %s execution: %w", provider, err)
	}

	opts := providers.RunOptions{
		MaxSources:     setts.MaxSources,
		ReasoningLevel: setts.ReasoningLevel,
		MaxTokens:      setts.ResearchMaxTokensPerStep,
		Timeout:        setts.ProviderTimeout(provider),
	}

	for attempt := 0; attempt < maxJobAttempts; attempt++ {
		job := models.LaneJob{
			SessionID:  sess.ID,
			ModelRunID: runID,
			Provider:   provider,
			Attempt:    attempt,
		}
		outcome, err := o.admit(ctx, sess, exec, job, opts, setts)
		if err != nil {
			return err
		}
		if outcome.Err == nil {
			// Terminal or needs-more-admissions; either way this advance is
			// done with the lane.
			return nil
		}
		if errors.Is(outcome.Err, ErrIntegrity) || providers.Classify(outcome.Err) != providers.ClassTransient {
			return o.failResult(ctx, sess.ID, provider, outcome.Err)
		}
		o.logger.Warn("Transient lane job failure; retrying",
			zap.String("provider", provider),
			zap.String("session_id", sess.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(outcome.Err),
		)
	}
	return o.failResult(ctx, sess.ID, provider, fmt.Errorf("exhausted %d attempts", maxJobAttempts))
}

// admit enqueues the job on the provider lane and waits for it to settle.
func (o *Orchestrator) admit(ctx context.Context, sess *models.Session, exec Executor, job models.LaneJob, opts providers.RunOptions, setts settings.Settings) (lane.Outcome, error) {
	provider := exec.Provider()

	task := func(tctx context.Context) (bool, error) {
		qh, ok, err := o.locker.TryAcquire(tctx, locks.ProviderQueueLock(provider))
		if err != nil {
			return false, fmt.Errorf("acquire %s queue lock: %w", provider, err)
		}
		if !ok {
			// Another process is draining this provider; skip the turn.
			return false, nil
		}
		defer qh.Release()

		// Fairness across sessions: serve the running session, else the
		// oldest queued one. Anyone else waits for a later admission.
		next, err := o.stores.Results.NextForLane(tctx, provider)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		if next != nil && next.SessionID != sess.ID {
			return false, nil
		}

		fresh, err := o.stores.Results.GetResult(tctx, sess.ID, provider)
		if err != nil {
			return false, err
		}
		if fresh.Status.IsTerminal() {
			return true, nil
		}
		// The guard against cross-session corruption: the admitted job must
		// match the stored identity exactly.
		if fresh.SessionID != job.SessionID || fresh.Provider != job.Provider {
			return false, fmt.Errorf("%w: result (%s,%s) vs job (%s,%s)",
				ErrIntegrity, fresh.SessionID, fresh.Provider, job.SessionID, job.Provider)
		}
		if fresh.ModelRunID != nil && *fresh.ModelRunID != job.ModelRunID {
			return false, fmt.Errorf("%w: result run %s vs job run %s",
				ErrIntegrity, *fresh.ModelRunID, job.ModelRunID)
		}

		cctx, cancel := context.WithTimeout(tctx, setts.ProviderTimeout(provider))
		defer cancel()
		return exec.Execute(cctx, sess, fresh, opts)
	}

	ticket := o.lanes.Lane(provider).Enqueue(ctx, job, task)
	return ticket.Wait(ctx)
}

// failResult records a fatal lane failure on the provider result.
func (o *Orchestrator) failResult(ctx context.Context, sessionID uuid.UUID, provider string, cause error) error {
	o.logger.Error("Provider execution failed",
		zap.String("provider", provider),
		zap.String("session_id", sessionID.String()),
		zap.Error(cause),
	)
	res, err := o.stores.Results.GetResult(ctx, sessionID, provider)
	if err != nil {
		return err
	}
	now := time.Now()
	msg := cause.Error()
	code := "execution_failed"
	if errors.Is(cause, ErrIntegrity) {
		code = "integrity_violation"
	}
	res.Status = models.ResultFailed
	res.CompletedAt = &now
	res.ErrorCode = &code
	res.ErrorMessage = &msg
	if err := o.stores.Results.UpsertResult(ctx, res); err != nil && !errors.Is(err, store.ErrStaleWrite) {
		return err
	}
	return nil
}

// maybeFinalize moves the session to aggregating and finalizes once both
// provider results are terminal.
func (o *Orchestrator) maybeFinalize(ctx context.Context, sessionID uuid.UUID) error {
	results, err := o.stores.Results.ListResults(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(results) < len(o.execs) {
		return nil
	}
	for _, r := range results {
		if !r.Status.IsTerminal() {
			return nil
		}
	}

	if err := o.stores.Sessions.Transition(ctx, sessionID, models.SessionAggregating); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// Another advance already moved it on.
			return nil
		}
		return err
	}

	return o.finalizer.FinalizeReport(ctx, sessionID)
}

// RepairStale fails abandoned provider results so a crashed worker cannot
// leave a session stuck forever: queued rows that never started within the
// owner's provider timeout plus a grace period, and running rows past the
// same cutoff whose executor cannot resume them. Listing uses the engine
// default as the coarse cutoff; each candidate is then re-checked against
// the session owner's configured timeout, which may be longer. Returns the
// number of repaired rows.
func (o *Orchestrator) RepairStale(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := now.Add(-(settings.Defaults().MaxTimeout() + staleGrace))

	repaired := 0
	staleQueued, err := o.stores.Results.ListStaleQueued(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, res := range staleQueued {
		if !o.abandoned(ctx, res, res.QueuedAt, now) {
			continue
		}
		n, err := o.repairResult(ctx, res, "interrupted: queued but never started")
		if err != nil {
			return repaired, err
		}
		repaired += n
	}

	staleRunning, err := o.stores.Results.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return repaired, err
	}
	for _, res := range staleRunning {
		if o.resumable(res.Provider) {
			// Resumable executions are picked up again on the next poll.
			continue
		}
		last := res.StartedAt
		if res.LastPolledAt != nil {
			last = res.LastPolledAt
		}
		if !o.abandoned(ctx, res, last, now) {
			continue
		}
		n, err := o.repairResult(ctx, res, "interrupted: running without resume support")
		if err != nil {
			return repaired, err
		}
		repaired += n
	}
	return repaired, nil
}

// abandoned re-checks one listed row against its session owner's configured
// timeout for the provider.
func (o *Orchestrator) abandoned(ctx context.Context, res *models.ProviderResult, last *time.Time, now time.Time) bool {
	if last == nil {
		return false
	}
	sess, err := o.stores.Sessions.GetSession(ctx, res.SessionID)
	if err != nil {
		// Owner unknown; the default cutoff already passed.
		return true
	}
	setts := o.settings.ForUser(ctx, sess.UserID)
	return now.After(last.Add(setts.ProviderTimeout(res.Provider) + staleGrace))
}

// repairResult fails one abandoned result and finalizes its session if this
// was the last terminal result it waited on.
func (o *Orchestrator) repairResult(ctx context.Context, res *models.ProviderResult, msg string) (int, error) {
	prev := res.Status
	now := time.Now()
	code := "interrupted"
	res.Status = models.ResultFailed
	res.CompletedAt = &now
	res.ErrorCode = &code
	res.ErrorMessage = &msg
	if err := o.stores.Results.UpsertResult(ctx, res); err != nil {
		if errors.Is(err, store.ErrStaleWrite) || errors.Is(err, store.ErrRunIDMismatch) {
			return 0, nil // a worker picked it up after all
		}
		return 0, err
	}
	metrics.StalenessRepairs.WithLabelValues(res.Provider, string(prev)).Inc()
	o.logger.Warn("Repaired stale result",
		zap.String("session_id", res.SessionID.String()),
		zap.String("provider", res.Provider),
		zap.String("was", string(prev)),
	)

	if err := o.maybeFinalize(ctx, res.SessionID); err != nil {
		o.logger.Error("Finalize after staleness repair failed",
			zap.String("session_id", res.SessionID.String()),
			zap.Error(err),
		)
	}
	return 1, nil
}

// resumable reports whether the provider's executor can pick an in-flight
// execution back up from persisted state.
func (o *Orchestrator) resumable(provider string) bool {
	for _, exec := range o.execs {
		if exec.Provider() == provider {
			return exec.Resumable()
		}
	}
	return false
}
