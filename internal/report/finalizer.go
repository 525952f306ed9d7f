// Package report aggregates terminal provider results into one emailed
// report. Finalization runs under the per-session finalize lock and the
// send-once claim, so concurrent finalize attempts produce exactly one sent
// email no matter how many processes race.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/locks"
	"github.com/veldt-labs/deepresearch/internal/metrics"
	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/settings"
	"github.com/veldt-labs/deepresearch/internal/store"
)

// Recipients resolves the delivery address for a user.
type Recipients interface {
	Email(ctx context.Context, userID uuid.UUID) (string, error)
}

// RecipientsFunc adapts a function to the Recipients interface.
type RecipientsFunc func(ctx context.Context, userID uuid.UUID) (string, error)

// Email implements Recipients.
func (f RecipientsFunc) Email(ctx context.Context, userID uuid.UUID) (string, error) {
	return f(ctx, userID)
}

// Finalizer builds, persists and delivers the session report.
type Finalizer struct {
	stores     store.Stores
	locker     locks.Locker
	renderer   Renderer
	mailer     Mailer
	recipients Recipients
	settings   *settings.Service
	logger     *zap.Logger
}

// NewFinalizer creates the report finalizer. renderer may be nil when no
// Chrome is available; reports are then emailed without a PDF and the
// session degrades to partial like any other render failure. mailer may be
// nil; reports are then persisted but left pending.
func NewFinalizer(stores store.Stores, locker locks.Locker, renderer Renderer, mailer Mailer, recipients Recipients, svc *settings.Service, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		stores:     stores,
		locker:     locker,
		renderer:   renderer,
		mailer:     mailer,
		recipients: recipients,
		settings:   svc,
		logger:     logger,
	}
}

// FinalizeReport finalizes one session: builds the cited report from the
// surviving provider outputs, records the final session state, and emails
// the report at most once. Safe to call repeatedly and concurrently.
func (f *Finalizer) FinalizeReport(ctx context.Context, sessionID uuid.UUID) error {
	handle, ok, err := f.locker.TryAcquire(ctx, locks.FinalizeLock(sessionID.String()))
	if err != nil {
		return fmt.Errorf("acquire finalize lock: %w", err)
	}
	if !ok {
		// Another finalize is in progress; it owns the outcome.
		return nil
	}
	defer handle.Release()

	sess, err := f.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	latest, err := f.stores.Reports.LatestReport(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if latest != nil && latest.EmailStatus == models.EmailSent {
		// Already delivered. Only repair a stuck non-terminal session.
		return f.repairState(ctx, sess)
	}

	results, err := f.stores.Results.ListResults(ctx, sessionID)
	if err != nil {
		return err
	}
	usable, failed := partition(results)

	if len(usable) == 0 {
		// Total failure: no report content, no email.
		f.logger.Warn("No usable research material; failing session",
			zap.String("session_id", sessionID.String()))
		return f.transition(ctx, sess, models.SessionFailed)
	}

	finalState := models.SessionCompleted
	if failed > 0 {
		finalState = models.SessionPartial
	}

	setts := f.settings.ForUser(ctx, sess.UserID)
	summary, markdown := f.compose(sess, usable, setts)

	var pdf []byte
	if f.renderer == nil {
		finalState = degrade(finalState)
	} else if pdf, err = f.renderer.BuildReport(ctx, HTMLFromMarkdown(markdown)); err != nil {
		// Render failure degrades the session; the research itself succeeded.
		metrics.RenderFailures.Inc()
		f.logger.Error("PDF render failed; delivering without attachment",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
		pdf = nil
		finalState = degrade(finalState)
	}

	rep := &models.Report{
		SessionID:   sessionID,
		SummaryText: summary,
		PDFBytes:    pdf,
		EmailStatus: models.EmailPending,
	}
	if err := f.stores.Reports.InsertReport(ctx, rep); err != nil {
		return fmt.Errorf("persist report: %w", err)
	}

	if err := f.transition(ctx, sess, finalState); err != nil {
		return err
	}

	return f.deliver(ctx, sess, summary)
}

// deliver claims the send-once right and emails the claimed report.
func (f *Finalizer) deliver(ctx context.Context, sess *models.Session, body string) error {
	if f.mailer == nil {
		// Leave the report pending so a delivery-capable process can claim it.
		f.logger.Warn("No mailer configured; report left undelivered",
			zap.String("session_id", sess.ID.String()))
		return nil
	}

	claimed, err := f.stores.Reports.ClaimSend(ctx, sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		// A concurrent finalize already claimed it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim send: %w", err)
	}

	to, err := f.recipients.Email(ctx, sess.UserID)
	if err != nil {
		return f.markEmailFailed(ctx, claimed.ID, fmt.Errorf("resolve recipient: %w", err))
	}

	subject := "Research report: " + sess.Topic
	if err := f.mailer.Send(ctx, to, subject, body, claimed.PDFBytes); err != nil {
		return f.markEmailFailed(ctx, claimed.ID, err)
	}

	metrics.EmailsSent.Inc()
	f.logger.Info("Report emailed",
		zap.String("session_id", sess.ID.String()),
		zap.String("report_id", claimed.ID.String()),
	)
	return f.stores.Reports.MarkEmail(ctx, claimed.ID, models.EmailSent, nil)
}

func (f *Finalizer) markEmailFailed(ctx context.Context, reportID uuid.UUID, cause error) error {
	metrics.EmailsFailed.Inc()
	f.logger.Error("Report email failed", zap.String("report_id", reportID.String()), zap.Error(cause))
	msg := cause.Error()
	return f.stores.Reports.MarkEmail(ctx, reportID, models.EmailFailed, &msg)
}

// repairState moves a stuck non-terminal session to the state its results
// imply. Used when the email already went out but a crash lost the final
// transition.
func (f *Finalizer) repairState(ctx context.Context, sess *models.Session) error {
	if sess.State.IsTerminal() {
		return nil
	}
	results, err := f.stores.Results.ListResults(ctx, sess.ID)
	if err != nil {
		return err
	}
	usable, failed := partition(results)
	final := models.SessionCompleted
	switch {
	case len(usable) == 0:
		final = models.SessionFailed
	case failed > 0:
		final = models.SessionPartial
	}
	f.logger.Warn("Repairing stuck session state after sent report",
		zap.String("session_id", sess.ID.String()),
		zap.String("to", string(final)),
	)
	return f.transition(ctx, sess, final)
}

// transition records a session transition, tolerating a concurrent writer
// that already moved the session along.
func (f *Finalizer) transition(ctx context.Context, sess *models.Session, to models.SessionState) error {
	err := f.stores.Sessions.Transition(ctx, sess.ID, to)
	if errors.Is(err, store.ErrIllegalTransition) {
		fresh, gerr := f.stores.Sessions.GetSession(ctx, sess.ID)
		if gerr == nil && fresh.State.IsTerminal() {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	metrics.SessionTransitions.WithLabelValues(string(sess.State), string(to)).Inc()
	return nil
}

// partition splits results into usable (completed with non-empty output) and
// counts failures. Skipped results are neither usable nor failed, so they do
// not drag a completed session down to partial.
func partition(results []*models.ProviderResult) (usable []*models.ProviderResult, failed int) {
	for _, r := range results {
		switch {
		case r.Status == models.ResultCompleted && r.OutputText != nil && strings.TrimSpace(*r.OutputText) != "":
			usable = append(usable, r)
		case r.Status == models.ResultSkipped:
		default:
			failed++
		}
	}
	return usable, failed
}

// degrade lowers completed to partial; partial stays partial.
func degrade(s models.SessionState) models.SessionState {
	if s == models.SessionCompleted {
		return models.SessionPartial
	}
	return s
}

// compose builds the summary body and the full report markdown with [n]
// citation markers and a shared reference table across providers.
func (f *Finalizer) compose(sess *models.Session, usable []*models.ProviderResult, setts settings.Settings) (summary, markdown string) {
	table := NewRefTable()

	var sections strings.Builder
	fmt.Fprintf(&sections, "# %s\n\n", sess.Topic)
	for _, r := range usable {
		cited := RewriteCitations(*r.OutputText, table)
		fmt.Fprintf(&sections, "%s\n\n", strings.TrimSpace(cited))
	}

	refs := table.Markdown()
	markdown = sections.String()
	if refs != "" {
		markdown += refs
	}

	summary = summarize(sections.String(), setts.ReportSummaryMode)
	if setts.ReportIncludeRefsInSumm && refs != "" {
		summary += "\n" + refs
	}
	return summary, markdown
}

// summarize shapes the email body from the report text.
func summarize(text, mode string) string {
	if mode != "bullets" {
		return text
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", trimmed)
	}
	return b.String()
}
