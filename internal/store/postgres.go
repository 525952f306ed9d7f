package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/metrics"
	"github.com/veldt-labs/deepresearch/internal/models"
)

// Postgres implements all four stores on PostgreSQL via sqlx. Guard checks
// run inside transactions with the current row locked, so two concurrent
// writers observe a consistent before-state.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres wraps an open sqlx database handle.
func NewPostgres(db *sqlx.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Stores returns the backend bundled as the four store interfaces.
func (p *Postgres) Stores() Stores {
	return Stores{Sessions: p, Results: p, Runs: p, Reports: p}
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, topic, refined_prompt, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		s.ID, s.UserID, s.Topic, s.RefinedPrompt, s.State,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session row.
func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var s models.Session
	err := p.db.GetContext(ctx, &s, `
		SELECT id, user_id, topic, refined_prompt, state,
		       created_at, refined_at, completed_at, updated_at
		FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// Transition applies a guarded state change with the row locked.
func (p *Postgres) Transition(ctx context.Context, id uuid.UUID, to models.SessionState) error {
	return p.withTx(ctx, func(tx *sqlx.Tx) error {
		var current models.SessionState
		err := tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session row: %w", err)
		}

		if !models.CanTransition(current, to) {
			metrics.SessionTransitionRejected.WithLabelValues(string(current), string(to)).Inc()
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
		}

		completedAt := "completed_at"
		if to.IsTerminal() {
			completedAt = "NOW()"
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE sessions SET state = $1, updated_at = NOW(), completed_at = %s
			WHERE id = $2`, completedAt), to, id)
		if err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
		metrics.SessionTransitions.WithLabelValues(string(current), string(to)).Inc()
		return nil
	})
}

// SetRefinedPrompt records the rewritten prompt and refinement time.
func (p *Postgres) SetRefinedPrompt(ctx context.Context, id uuid.UUID, prompt string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET refined_prompt = $1, refined_at = NOW(), updated_at = NOW()
		WHERE id = $2`, prompt, id)
	if err != nil {
		return fmt.Errorf("set refined prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessionsInStates returns sessions in any of the given states, oldest
// first.
func (p *Postgres) ListSessionsInStates(ctx context.Context, states ...models.SessionState) ([]*models.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, user_id, topic, refined_prompt, state,
		       created_at, refined_at, completed_at, updated_at
		FROM sessions WHERE state IN (?) ORDER BY created_at ASC`, states)
	if err != nil {
		return nil, fmt.Errorf("build session list query: %w", err)
	}
	var rows []*models.Session
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rows, nil
}

// UpsertResult creates or updates a provider result row under the run-id and
// monotonic-status guards.
func (p *Postgres) UpsertResult(ctx context.Context, r *models.ProviderResult) error {
	return p.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing models.ProviderResult
		err := tx.GetContext(ctx, &existing, `
			SELECT session_id, provider, model_run_id, status
			FROM provider_results
			WHERE session_id = $1 AND provider = $2
			FOR UPDATE`, r.SessionID, r.Provider)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO provider_results
					(session_id, provider, model_run_id, status, output_text, sources_json,
					 queued_at, started_at, completed_at, error_code, error_message,
					 external_id, external_status, last_polled_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				r.SessionID, r.Provider, r.ModelRunID, r.Status, r.OutputText, r.SourcesJSON,
				r.QueuedAt, r.StartedAt, r.CompletedAt, r.ErrorCode, r.ErrorMessage,
				r.ExternalID, r.ExternalStatus, r.LastPolledAt)
			if err != nil {
				return fmt.Errorf("insert provider result: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock provider result: %w", err)
		}

		if existing.ModelRunID != nil && r.ModelRunID != nil && *existing.ModelRunID != *r.ModelRunID {
			p.logger.Error("Rejected provider result write with conflicting run id",
				zap.String("session_id", r.SessionID.String()),
				zap.String("provider", r.Provider),
				zap.String("stored_run_id", existing.ModelRunID.String()),
				zap.String("write_run_id", r.ModelRunID.String()),
			)
			return ErrRunIDMismatch
		}
		if existing.Status.IsTerminal() && existing.Status != r.Status {
			return ErrStaleWrite
		}
		if models.StatusRegresses(existing.Status, r.Status) {
			return ErrStaleWrite
		}

		runID := r.ModelRunID
		if runID == nil {
			runID = existing.ModelRunID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE provider_results SET
				model_run_id = $3, status = $4, output_text = $5, sources_json = $6,
				queued_at = $7, started_at = $8, completed_at = $9, error_code = $10,
				error_message = $11, external_id = $12, external_status = $13, last_polled_at = $14
			WHERE session_id = $1 AND provider = $2`,
			r.SessionID, r.Provider, runID, r.Status, r.OutputText, r.SourcesJSON,
			r.QueuedAt, r.StartedAt, r.CompletedAt, r.ErrorCode, r.ErrorMessage,
			r.ExternalID, r.ExternalStatus, r.LastPolledAt)
		if err != nil {
			return fmt.Errorf("update provider result: %w", err)
		}
		return nil
	})
}

// GetResult loads one (session, provider) row.
func (p *Postgres) GetResult(ctx context.Context, sessionID uuid.UUID, provider string) (*models.ProviderResult, error) {
	var r models.ProviderResult
	err := p.db.GetContext(ctx, &r, `
		SELECT * FROM provider_results WHERE session_id = $1 AND provider = $2`,
		sessionID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider result: %w", err)
	}
	return &r, nil
}

// ListResults returns all provider rows for a session.
func (p *Postgres) ListResults(ctx context.Context, sessionID uuid.UUID) ([]*models.ProviderResult, error) {
	var rows []*models.ProviderResult
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM provider_results WHERE session_id = $1 ORDER BY provider`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list provider results: %w", err)
	}
	return rows, nil
}

// NextForLane returns the running row first, else the oldest queued one.
func (p *Postgres) NextForLane(ctx context.Context, provider string) (*models.ProviderResult, error) {
	var r models.ProviderResult
	err := p.db.GetContext(ctx, &r, `
		SELECT * FROM provider_results
		WHERE provider = $1 AND status IN ('running', 'queued')
		ORDER BY (status = 'running') DESC, queued_at ASC NULLS LAST
		LIMIT 1`, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next for lane: %w", err)
	}
	return &r, nil
}

// ListStaleQueued returns queued rows with no started_at older than cutoff.
func (p *Postgres) ListStaleQueued(ctx context.Context, cutoff time.Time) ([]*models.ProviderResult, error) {
	var rows []*models.ProviderResult
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM provider_results
		WHERE status = 'queued' AND started_at IS NULL AND queued_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale queued: %w", err)
	}
	return rows, nil
}

// ListStaleRunning returns running rows whose last activity is older than
// cutoff.
func (p *Postgres) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.ProviderResult, error) {
	var rows []*models.ProviderResult
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM provider_results
		WHERE status = 'running' AND COALESCE(last_polled_at, started_at) < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running: %w", err)
	}
	return rows, nil
}

// CreateRun inserts a new research run row.
func (p *Postgres) CreateRun(ctx context.Context, r *models.ResearchRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO research_runs
			(id, session_id, provider, state, current_step_index, progress,
			 plan_json, steps_json, report_md, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		r.ID, r.SessionID, r.Provider, r.State, r.CurrentStepIndex, r.Progress,
		r.PlanJSON, r.StepsJSON, r.ReportMarkdown, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert research run: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (*models.ResearchRun, error) {
	var r models.ResearchRun
	err := p.db.GetContext(ctx, &r, `SELECT * FROM research_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get research run: %w", err)
	}
	return &r, nil
}

// GetRunBySessionProvider loads the run for one (session, provider).
func (p *Postgres) GetRunBySessionProvider(ctx context.Context, sessionID uuid.UUID, provider string) (*models.ResearchRun, error) {
	var r models.ResearchRun
	err := p.db.GetContext(ctx, &r, `
		SELECT * FROM research_runs WHERE session_id = $1 AND provider = $2`,
		sessionID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get research run: %w", err)
	}
	return &r, nil
}

// UpdateRun persists pipeline progress; the step index guard runs in SQL so
// a late writer cannot rewind a newer tick.
func (p *Postgres) UpdateRun(ctx context.Context, r *models.ResearchRun) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE research_runs SET
			state = $2, current_step_index = $3, progress = $4, plan_json = $5,
			steps_json = $6, report_md = $7, error_message = $8, updated_at = NOW()
		WHERE id = $1 AND current_step_index <= $3`,
		r.ID, r.State, r.CurrentStepIndex, r.Progress, r.PlanJSON,
		r.StepsJSON, r.ReportMarkdown, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update research run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := p.GetRun(ctx, r.ID); getErr != nil {
			return getErr
		}
		return ErrStaleWrite
	}
	return nil
}

// InsertReport appends a new report row.
func (p *Postgres) InsertReport(ctx context.Context, r *models.Report) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.EmailStatus == "" {
		r.EmailStatus = models.EmailPending
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reports (id, session_id, summary_text, pdf_bytes, email_status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		r.ID, r.SessionID, r.SummaryText, r.PDFBytes, r.EmailStatus)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// LatestReport returns the newest report for a session.
func (p *Postgres) LatestReport(ctx context.Context, sessionID uuid.UUID) (*models.Report, error) {
	var r models.Report
	err := p.db.GetContext(ctx, &r, `
		SELECT * FROM reports WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`,
		sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest report: %w", err)
	}
	return &r, nil
}

// ClaimSend flips the newest pending report to sending in one statement, so
// exactly one concurrent finalizer wins the claim.
func (p *Postgres) ClaimSend(ctx context.Context, sessionID uuid.UUID) (*models.Report, error) {
	var r models.Report
	err := p.db.GetContext(ctx, &r, `
		UPDATE reports SET email_status = 'sending'
		WHERE id = (
			SELECT id FROM reports
			WHERE session_id = $1 AND email_status = 'pending'
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim send: %w", err)
	}
	return &r, nil
}

// MarkEmail records the outcome of a claimed send.
func (p *Postgres) MarkEmail(ctx context.Context, reportID uuid.UUID, status models.EmailStatus, emailErr *string) error {
	sentAt := "sent_at"
	if status == models.EmailSent {
		sentAt = "NOW()"
	}
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE reports SET email_status = $1, email_error = $2, sent_at = %s
		WHERE id = $3`, sentAt), status, emailErr, reportID)
	if err != nil {
		return fmt.Errorf("mark email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
