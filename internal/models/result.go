package models

import (
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the execution status of one provider's run for a session.
type ResultStatus string

const (
	ResultQueued    ResultStatus = "queued"
	ResultRunning   ResultStatus = "running"
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultSkipped   ResultStatus = "skipped"
)

// IsTerminal reports whether a result status will never change again.
func (s ResultStatus) IsTerminal() bool {
	switch s {
	case ResultCompleted, ResultFailed, ResultSkipped:
		return true
	}
	return false
}

// statusRank orders result statuses so a late out-of-order write can never
// regress a newer one. Terminal statuses share the top rank; the first
// terminal write wins.
func statusRank(s ResultStatus) int {
	switch s {
	case ResultQueued:
		return 0
	case ResultRunning:
		return 1
	case ResultCompleted, ResultFailed, ResultSkipped:
		return 2
	}
	return -1
}

// StatusRegresses reports whether writing next over current would move the
// row backwards in the status order.
func StatusRegresses(current, next ResultStatus) bool {
	return statusRank(next) < statusRank(current)
}

// ProviderResult is the durable per-(session, provider) execution record.
type ProviderResult struct {
	SessionID      uuid.UUID    `db:"session_id"`
	Provider       string       `db:"provider"`
	ModelRunID     *uuid.UUID   `db:"model_run_id"`
	Status         ResultStatus `db:"status"`
	OutputText     *string      `db:"output_text"`
	SourcesJSON    JSONB        `db:"sources_json"`
	QueuedAt       *time.Time   `db:"queued_at"`
	StartedAt      *time.Time   `db:"started_at"`
	CompletedAt    *time.Time   `db:"completed_at"`
	ErrorCode      *string      `db:"error_code"`
	ErrorMessage   *string      `db:"error_message"`
	ExternalID     *string      `db:"external_id"`
	ExternalStatus *string      `db:"external_status"`
	LastPolledAt   *time.Time   `db:"last_polled_at"`
}
