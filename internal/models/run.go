package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// RunState is the state of one provider's tick-driven research run.
type RunState string

const (
	RunNew        RunState = "NEW"
	RunPlanned    RunState = "PLANNED"
	RunInProgress RunState = "IN_PROGRESS"
	RunDone       RunState = "DONE"
	RunFailed     RunState = "FAILED"
)

// IsTerminal reports whether a run state accepts no further ticks.
func (s RunState) IsTerminal() bool {
	return s == RunDone || s == RunFailed
}

// StepType identifies one stage of the per-section research loop.
type StepType string

const (
	StepDiscover        StepType = "DISCOVER"
	StepShortlist       StepType = "SHORTLIST"
	StepDeepRead        StepType = "DEEP_READ"
	StepExtractEvidence StepType = "EXTRACT_EVIDENCE"
	StepCounterpoints   StepType = "COUNTERPOINTS"
	StepGapCheck        StepType = "GAP_CHECK"
	StepSynthesis       StepType = "SECTION_SYNTHESIS"
)

// SectionSteps is the ordered step sequence executed for every planned section.
var SectionSteps = []StepType{
	StepDiscover,
	StepShortlist,
	StepDeepRead,
	StepExtractEvidence,
	StepCounterpoints,
	StepGapCheck,
	StepSynthesis,
}

// StepStatus is the status of a single pipeline step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// RunStep is one persisted step of a research run.
type RunStep struct {
	StepIndex int        `json:"step_index"`
	Section   string     `json:"section"`
	Type      StepType   `json:"type"`
	Status    StepStatus `json:"status"`
	Output    string     `json:"output,omitempty"`
}

// PlanSection is one section of a structured research plan, with the query
// pack the fan-out engine splits into scout sub-calls.
type PlanSection struct {
	Title   string   `json:"title"`
	Goal    string   `json:"goal"`
	Queries []string `json:"queries"`
}

// ResearchPlan is the structured plan a run produces before stepping.
type ResearchPlan struct {
	Objective string        `json:"objective"`
	Sections  []PlanSection `json:"sections"`
}

// ResearchRun is the persisted pipeline state for one (session, provider).
type ResearchRun struct {
	ID               uuid.UUID `db:"id"`
	SessionID        uuid.UUID `db:"session_id"`
	Provider         string    `db:"provider"`
	State            RunState  `db:"state"`
	CurrentStepIndex int       `db:"current_step_index"`
	Progress         *string   `db:"progress"`
	PlanJSON         JSONB     `db:"plan_json"`
	StepsJSON        JSONB     `db:"steps_json"`
	ReportMarkdown   *string   `db:"report_md"`
	ErrorMessage     *string   `db:"error_message"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Plan decodes the stored plan. Returns an empty plan when none was persisted.
func (r *ResearchRun) Plan() (ResearchPlan, error) {
	var plan ResearchPlan
	if r.PlanJSON == nil {
		return plan, nil
	}
	raw, err := json.Marshal(r.PlanJSON)
	if err != nil {
		return plan, fmt.Errorf("encode plan: %w", err)
	}
	if err := json.Unmarshal(raw, &plan); err != nil {
		return plan, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}

// Steps decodes the stored step list.
func (r *ResearchRun) Steps() ([]RunStep, error) {
	if r.StepsJSON == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r.StepsJSON["steps"])
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	var steps []RunStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}
