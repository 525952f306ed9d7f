package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmailStatus tracks delivery of one report independent of session state.
type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailSending EmailStatus = "sending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
)

// Report is the aggregated output of a finished session. Once email_status
// reaches "sent" the content is immutable; a regeneration inserts a new row.
type Report struct {
	ID          uuid.UUID   `db:"id"`
	SessionID   uuid.UUID   `db:"session_id"`
	SummaryText string      `db:"summary_text"`
	PDFBytes    []byte      `db:"pdf_bytes"`
	EmailStatus EmailStatus `db:"email_status"`
	SentAt      *time.Time  `db:"sent_at"`
	EmailError  *string     `db:"email_error"`
	CreatedAt   time.Time   `db:"created_at"`
}

// LaneJob is the ephemeral admission record for one provider lane execution.
// It is never persisted beyond the queue.
type LaneJob struct {
	SessionID  uuid.UUID
	ModelRunID uuid.UUID
	Provider   string
	Attempt    int
}

// IdempotencyKey collapses duplicate enqueues of the same execution. Two jobs
// with the same key share one run and one outcome.
func (j LaneJob) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", j.Provider, j.ModelRunID, j.Attempt)
}
