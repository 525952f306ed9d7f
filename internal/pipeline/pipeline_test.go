package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/store"
)

const planJSON = `{
  "objective": "Assess grid-scale battery supply chains",
  "sections": [
    {"title": "Manufacturing capacity", "goal": "Map current capacity", "queries": ["battery gigafactory capacity 2026"]},
    {"title": "Raw materials", "goal": "Assess lithium supply", "queries": ["lithium supply forecast"]}
  ]
}`

type scriptedProvider struct {
	mu      sync.Mutex
	replies []providers.Completion
	errAt   int // 1-based call number that errors; 0 disables
	calls   int
	prompts []string
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) StartRefinement(context.Context, string) ([]string, error) {
	return nil, nil
}
func (p *scriptedProvider) RewritePrompt(context.Context, string, string, map[string]string) (string, error) {
	return "", nil
}

func (p *scriptedProvider) Complete(_ context.Context, req providers.CompletionRequest) (*providers.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.prompts = append(p.prompts, req.Prompt)
	if p.errAt > 0 && p.calls == p.errAt {
		return nil, errors.New("model unavailable")
	}
	if len(p.replies) > 0 {
		r := p.replies[0]
		p.replies = p.replies[1:]
		return &r, nil
	}
	return &providers.Completion{Text: "step output with https://example.com/src."}, nil
}

func newRun(t *testing.T, runs store.RunStore) *models.ResearchRun {
	t.Helper()
	prompt := "Assess grid-scale battery supply chains through 2030."
	run := &models.ResearchRun{
		SessionID: uuid.New(),
		Provider:  "openai",
		State:     models.RunNew,
		Progress:  &prompt,
	}
	require.NoError(t, runs.CreateRun(context.Background(), run))
	return run
}

func TestTickPlansFromNew(t *testing.T) {
	mem := store.NewMemory()
	prov := &scriptedProvider{replies: []providers.Completion{{Text: planJSON}}}
	p := New(mem, prov, nil, DefaultBudget(), zap.NewNop())
	run := newRun(t, mem)

	res, err := p.Tick(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPlanned, res.State)
	assert.False(t, res.Done)

	stored, err := mem.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	plan, err := stored.Plan()
	require.NoError(t, err)
	require.Len(t, plan.Sections, 2)
	assert.Equal(t, "Manufacturing capacity", plan.Sections[0].Title)

	steps, err := stored.Steps()
	require.NoError(t, err)
	assert.Len(t, steps, 2*len(models.SectionSteps))
	assert.Equal(t, models.StepDiscover, steps[0].Type)
	assert.Equal(t, 0, stored.CurrentStepIndex)
}

func TestTickPlanHandlesFencedJSON(t *testing.T) {
	mem := store.NewMemory()
	prov := &scriptedProvider{replies: []providers.Completion{{Text: "```json\n" + planJSON + "\n```"}}}
	p := New(mem, prov, nil, DefaultBudget(), zap.NewNop())
	run := newRun(t, mem)

	res, err := p.Tick(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPlanned, res.State)
}

func TestTickPlanCapsSections(t *testing.T) {
	var sections []string
	for i := 0; i < 10; i++ {
		sections = append(sections, `{"title": "S`+string(rune('A'+i))+`", "goal": "g", "queries": ["q"]}`)
	}
	big := `{"objective": "o", "sections": [` + strings.Join(sections, ",") + `]}`

	mem := store.NewMemory()
	prov := &scriptedProvider{replies: []providers.Completion{{Text: big}}}
	budget := DefaultBudget()
	budget.MaxSections = 3
	p := New(mem, prov, nil, budget, zap.NewNop())
	run := newRun(t, mem)

	_, err := p.Tick(context.Background(), run.ID)
	require.NoError(t, err)

	stored, _ := mem.GetRun(context.Background(), run.ID)
	plan, err := stored.Plan()
	require.NoError(t, err)
	assert.Len(t, plan.Sections, 3)
}

func TestTickExecutesOneStepPerCall(t *testing.T) {
	mem := store.NewMemory()
	prov := &scriptedProvider{replies: []providers.Completion{{Text: planJSON}}}
	p := New(mem, prov, nil, DefaultBudget(), zap.NewNop())
	run := newRun(t, mem)

	_, err := p.Tick(context.Background(), run.ID) // plan
	require.NoError(t, err)

	res, err := p.Tick(context.Background(), run.ID) // step 0
	require.NoError(t, err)
	assert.Equal(t, models.RunInProgress, res.State)

	stored, _ := mem.GetRun(context.Background(), run.ID)
	assert.Equal(t, 1, stored.CurrentStepIndex)
	require.NotNil(t, stored.Progress)
	assert.Contains(t, *stored.Progress, "DISCOVER")

	steps, err := stored.Steps()
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, steps[0].Status)
	assert.NotEmpty(t, steps[0].Output)
	assert.Equal(t, models.StepPending, steps[1].Status)
}

func TestTickRunsToCompletion(t *testing.T) {
	mem := store.NewMemory()
	prov := &scriptedProvider{replies: []providers.Completion{{Text: planJSON}}}
	p := New(mem, prov, nil, DefaultBudget(), zap.NewNop())
	run := newRun(t, mem)

	var res TickResult
	var err error
	for i := 0; i < 1+2*len(models.SectionSteps); i++ {
		res, err = p.Tick(context.Background(), run.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, models.RunDone, res.State)
	assert.True(t, res.Done)

	stored, _ := mem.GetRun(context.Background(), run.ID)
	require.NotNil(t, stored.ReportMarkdown)
	assert.Contains(t, *stored.ReportMarkdown, "# Assess grid-scale battery supply chains")
	assert.Contains(t, *stored.ReportMarkdown, "## Manufacturing capacity")
	assert.Contains(t, *stored.ReportMarkdown, "## Raw materials")

	// A terminal run accepts further ticks as no-ops.
	again, err := p.Tick(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, again.Done)
	assert.Equal(t, models.RunDone, again.State)
}

func TestTickStepFailureRecordedNotThrown(t *testing.T) {
	mem := store.NewMemory()
	// Call 1 plans, call 2 is the first step and dies.
	prov := &scriptedProvider{replies: []providers.Completion{{Text: planJSON}}, errAt: 2}
	p := New(mem, prov, nil, DefaultBudget(), zap.NewNop())
	run := newRun(t, mem)

	_, err := p.Tick(context.Background(), run.ID)
	require.NoError(t, err)

	res, err := p.Tick(context.Background(), run.ID)
	require.NoError(t, err, "step failures are recorded on the run, not returned")
	assert.Equal(t, models.RunFailed, res.State)
	assert.True(t, res.Done)

	stored, _ := mem.GetRun(context.Background(), run.ID)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "model unavailable")
}

func TestTickPlanRejectsEmptySections(t *testing.T) {
	mem := store.NewMemory()
	prov := &scriptedProvider{replies: []providers.Completion{{Text: `{"objective": "o", "sections": []}`}}}
	p := New(mem, prov, nil, DefaultBudget(), zap.NewNop())
	run := newRun(t, mem)

	res, err := p.Tick(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, res.State)
}

func TestTickCarriesSectionContextForward(t *testing.T) {
	mem := store.NewMemory()
	prov := &scriptedProvider{replies: []providers.Completion{
		{Text: `{"objective": "o", "sections": [{"title": "Only", "goal": "g", "queries": ["q"]}]}`},
		{Text: "discovered material about lithium"},
	}}
	p := New(mem, prov, nil, DefaultBudget(), zap.NewNop())
	run := newRun(t, mem)

	for i := 0; i < 3; i++ { // plan, DISCOVER, SHORTLIST
		_, err := p.Tick(context.Background(), run.ID)
		require.NoError(t, err)
	}

	// The SHORTLIST prompt must include the DISCOVER output.
	require.GreaterOrEqual(t, len(prov.prompts), 3)
	assert.Contains(t, prov.prompts[2], "discovered material about lithium")
}
