// Package pipeline drives one provider's research run forward one tick at a
// time. A tick executes exactly one pending step (or one bounded fan-out
// sub-workflow) and persists progress, so a multi-minute run is resumable
// across many short lane-worker invocations instead of occupying a worker
// for its whole duration.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/fanout"
	"github.com/veldt-labs/deepresearch/internal/metrics"
	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/store"
)

// Budget bounds one research run, resolved from user settings.
type Budget struct {
	MaxSections          int
	TargetSourcesPerStep int
	MaxTotalSources      int
	MaxTokensPerStep     int
}

// DefaultBudget returns the production bounds.
func DefaultBudget() Budget {
	return Budget{
		MaxSections:          6,
		TargetSourcesPerStep: 5,
		MaxTotalSources:      40,
		MaxTokensPerStep:     4096,
	}
}

// TickResult reports the run state after one tick. Done means no further
// ticks are needed.
type TickResult struct {
	State models.RunState
	Done  bool
}

// Pipeline advances research runs. The fan-out engine is optional: when
// present, DISCOVER steps use grounded scout fan-out; otherwise discovery is
// a plain bounded completion.
type Pipeline struct {
	runs      store.RunStore
	completer providers.Provider
	fan       *fanout.Engine
	budget    Budget
	logger    *zap.Logger
}

// New creates a pipeline for one provider's runs.
func New(runs store.RunStore, completer providers.Provider, fan *fanout.Engine, budget Budget, logger *zap.Logger) *Pipeline {
	if budget.MaxSections <= 0 {
		budget.MaxSections = 6
	}
	if budget.MaxTokensPerStep <= 0 {
		budget.MaxTokensPerStep = 4096
	}
	return &Pipeline{runs: runs, completer: completer, fan: fan, budget: budget, logger: logger}
}

// Tick executes exactly one pending unit of work for the run. Step failures
// are recorded as data on the run (state FAILED plus error_message), not
// returned as errors; only store failures propagate.
func (p *Pipeline) Tick(ctx context.Context, runID uuid.UUID) (TickResult, error) {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return TickResult{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.State.IsTerminal() {
		return TickResult{State: run.State, Done: true}, nil
	}

	switch run.State {
	case models.RunNew:
		err = p.plan(ctx, run)
	case models.RunPlanned, models.RunInProgress:
		err = p.step(ctx, run)
	default:
		return TickResult{}, fmt.Errorf("run %s in unexpected state %s", runID, run.State)
	}

	if err != nil {
		return p.fail(ctx, run, err)
	}
	return TickResult{State: run.State, Done: run.State.IsTerminal()}, nil
}

// fail transitions the run to FAILED and records the message. The run never
// retries itself; retry is the caller's decision at the job level.
func (p *Pipeline) fail(ctx context.Context, run *models.ResearchRun, cause error) (TickResult, error) {
	p.logger.Error("Research run step failed",
		zap.String("run_id", run.ID.String()),
		zap.String("provider", run.Provider),
		zap.Int("step_index", run.CurrentStepIndex),
		zap.Error(cause),
	)
	msg := cause.Error()
	run.State = models.RunFailed
	run.ErrorMessage = &msg
	if err := p.runs.UpdateRun(ctx, run); err != nil {
		return TickResult{}, fmt.Errorf("persist failed run: %w", err)
	}
	return TickResult{State: models.RunFailed, Done: true}, nil
}

// planResponse is the tagged shape the planning prompt asks for.
type planResponse struct {
	Objective string `json:"objective"`
	Sections  []struct {
		Title   string   `json:"title"`
		Goal    string   `json:"goal"`
		Queries []string `json:"queries"`
	} `json:"sections"`
}

// plan produces the structured section plan and the full step list.
func (p *Pipeline) plan(ctx context.Context, run *models.ResearchRun) error {
	prompt := run.Progress // the refined prompt is stored as the initial progress marker
	if prompt == nil || *prompt == "" {
		return fmt.Errorf("run %s has no prompt to plan from", run.ID)
	}

	started := time.Now()
	c, err := p.completer.Complete(ctx, providers.CompletionRequest{
		System: "Produce a research plan as JSON: {\"objective\": string, \"sections\": [{\"title\", \"goal\", \"queries\": [string]}]}. Output only JSON.",
		Prompt: fmt.Sprintf("Research prompt:\n%s\n\nPlan at most %d sections with up to %d search queries each.",
			*prompt, p.budget.MaxSections, p.budget.TargetSourcesPerStep),
		MaxTokens: p.budget.MaxTokensPerStep,
	})
	metrics.PipelineStepDuration.WithLabelValues(run.Provider, "PLAN").Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("planning call: %w", err)
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(extractJSON(c.Text)), &parsed); err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}
	if len(parsed.Sections) == 0 {
		return fmt.Errorf("plan has no sections")
	}
	if len(parsed.Sections) > p.budget.MaxSections {
		parsed.Sections = parsed.Sections[:p.budget.MaxSections]
	}

	plan := models.ResearchPlan{Objective: parsed.Objective}
	var steps []models.RunStep
	idx := 0
	for _, s := range parsed.Sections {
		plan.Sections = append(plan.Sections, models.PlanSection(s))
		for _, st := range models.SectionSteps {
			steps = append(steps, models.RunStep{
				StepIndex: idx,
				Section:   s.Title,
				Type:      st,
				Status:    models.StepPending,
			})
			idx++
		}
	}

	run.PlanJSON = toJSONB(plan)
	run.StepsJSON = models.JSONB{"steps": toRaw(steps)}
	run.State = models.RunPlanned
	marker := fmt.Sprintf("planned %d sections, %d steps", len(plan.Sections), len(steps))
	run.Progress = &marker

	metrics.PipelineTicks.WithLabelValues(run.Provider, "PLAN").Inc()
	return p.runs.UpdateRun(ctx, run)
}

// step executes the pending step at current_step_index and persists progress.
func (p *Pipeline) step(ctx context.Context, run *models.ResearchRun) error {
	plan, err := run.Plan()
	if err != nil {
		return err
	}
	steps, err := run.Steps()
	if err != nil {
		return err
	}
	if run.CurrentStepIndex >= len(steps) {
		return fmt.Errorf("step index %d out of range (%d steps)", run.CurrentStepIndex, len(steps))
	}

	current := steps[run.CurrentStepIndex]
	section := sectionByTitle(plan, current.Section)

	started := time.Now()
	output, err := p.execute(ctx, plan, section, current, steps)
	metrics.PipelineStepDuration.WithLabelValues(run.Provider, string(current.Type)).Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("step %d (%s/%s): %w", current.StepIndex, current.Section, current.Type, err)
	}

	steps[run.CurrentStepIndex].Status = models.StepCompleted
	steps[run.CurrentStepIndex].Output = output
	run.StepsJSON = models.JSONB{"steps": toRaw(steps)}
	run.CurrentStepIndex++
	run.State = models.RunInProgress
	marker := fmt.Sprintf("%s: %s (%d/%d)", current.Section, current.Type, run.CurrentStepIndex, len(steps))
	run.Progress = &marker

	if run.CurrentStepIndex >= len(steps) {
		report := assembleReport(plan, steps)
		run.ReportMarkdown = &report
		run.State = models.RunDone
	}

	metrics.PipelineTicks.WithLabelValues(run.Provider, string(current.Type)).Inc()
	return p.runs.UpdateRun(ctx, run)
}

// execute runs one step's actual work.
func (p *Pipeline) execute(ctx context.Context, plan models.ResearchPlan, section models.PlanSection, step models.RunStep, steps []models.RunStep) (string, error) {
	if step.Type == models.StepDiscover && p.fan != nil && len(section.Queries) > 0 {
		res, err := p.fan.Execute(ctx, section.Title, section.Queries)
		if err != nil {
			return "", err
		}
		return res.Narrative, nil
	}

	c, err := p.completer.Complete(ctx, providers.CompletionRequest{
		System:    systemFor(step.Type),
		Prompt:    promptFor(plan, section, step, steps),
		MaxTokens: p.budget.MaxTokensPerStep,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(c.Text) == "" {
		return "", fmt.Errorf("empty output")
	}
	return c.Text, nil
}

func sectionByTitle(plan models.ResearchPlan, title string) models.PlanSection {
	for _, s := range plan.Sections {
		if s.Title == title {
			return s
		}
	}
	return models.PlanSection{Title: title}
}

// priorOutputs gathers the completed outputs for one section, most recent
// steps carrying the most context forward.
func priorOutputs(section string, steps []models.RunStep) string {
	var b strings.Builder
	for _, s := range steps {
		if s.Section == section && s.Status == models.StepCompleted && s.Output != "" {
			fmt.Fprintf(&b, "## %s\n%s\n\n", s.Type, s.Output)
		}
	}
	return b.String()
}

func systemFor(t models.StepType) string {
	switch t {
	case models.StepDiscover:
		return "Survey the available material for this research section. List concrete findings with source URLs."
	case models.StepShortlist:
		return "Shortlist the most load-bearing sources from the discovered material. Keep URLs."
	case models.StepDeepRead:
		return "Read the shortlisted sources closely and extract the substantive claims, with URLs."
	case models.StepExtractEvidence:
		return "Extract concrete evidence (figures, dates, named entities) supporting the section goal. Keep URLs."
	case models.StepCounterpoints:
		return "Identify credible counterpoints and conflicting evidence. Keep URLs."
	case models.StepGapCheck:
		return "Identify what the gathered material still fails to answer about the section goal."
	case models.StepSynthesis:
		return "Write the final section as coherent cited markdown. Preserve every URL mentioned in the material."
	}
	return "Work on the research section."
}

func promptFor(plan models.ResearchPlan, section models.PlanSection, step models.RunStep, steps []models.RunStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research objective: %s\nSection: %s\nGoal: %s\n", plan.Objective, section.Title, section.Goal)
	if len(section.Queries) > 0 && step.Type == models.StepDiscover {
		fmt.Fprintf(&b, "Queries: %s\n", strings.Join(section.Queries, "; "))
	}
	if prior := priorOutputs(section.Title, steps); prior != "" {
		fmt.Fprintf(&b, "\nMaterial gathered so far:\n%s", prior)
	}
	return b.String()
}

// assembleReport stitches the per-section synthesis outputs into the run's
// final markdown report.
func assembleReport(plan models.ResearchPlan, steps []models.RunStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", plan.Objective)
	for _, section := range plan.Sections {
		for _, s := range steps {
			if s.Section == section.Title && s.Type == models.StepSynthesis && s.Status == models.StepCompleted {
				fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Title, strings.TrimSpace(s.Output))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// extractJSON strips a markdown code fence when the model wrapped its JSON.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
	}
	return strings.TrimSpace(text)
}

func toJSONB(v interface{}) models.JSONB {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out models.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// toRaw round-trips a value through JSON so it stores cleanly inside a JSONB
// column wrapper.
func toRaw(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
