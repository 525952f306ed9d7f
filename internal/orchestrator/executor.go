package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/pipeline"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/store"
)

// Executor drives one provider's research execution for one admitted lane
// job. Prepare pins the model run id before admission; Execute runs inside
// the lane and must leave the provider result terminal, or report
// terminal=false when further admissions are needed.
type Executor interface {
	Provider() string
	// Resumable reports whether an in-flight execution survives a worker
	// crash; non-resumable running results are failed by staleness repair.
	Resumable() bool
	Prepare(ctx context.Context, sess *models.Session, res *models.ProviderResult) (uuid.UUID, error)
	Execute(ctx context.Context, sess *models.Session, res *models.ProviderResult, opts providers.RunOptions) (terminal bool, err error)
}

// PipelineExecutor drives a tick-based research run (Gemini-style provider).
// Each admission ticks the run's step pipeline until it reaches DONE or
// FAILED, or until the provider timeout cuts the admission short.
type PipelineExecutor struct {
	provider string
	runs     store.RunStore
	results  store.ResultStore
	pipe     *pipeline.Pipeline
	logger   *zap.Logger
}

// NewPipelineExecutor creates the tick-driven executor for one provider.
func NewPipelineExecutor(provider string, runs store.RunStore, results store.ResultStore, pipe *pipeline.Pipeline, logger *zap.Logger) *PipelineExecutor {
	return &PipelineExecutor{provider: provider, runs: runs, results: results, pipe: pipe, logger: logger}
}

func (e *PipelineExecutor) Provider() string { return e.provider }

// Resumable is always true: every tick persists the run's step state.
func (e *PipelineExecutor) Resumable() bool { return true }

// Prepare ensures the session's research run exists and returns its id as
// the model run id the lane job is keyed by.
func (e *PipelineExecutor) Prepare(ctx context.Context, sess *models.Session, res *models.ProviderResult) (uuid.UUID, error) {
	run, err := e.runs.GetRunBySessionProvider(ctx, sess.ID, e.provider)
	if errors.Is(err, store.ErrNotFound) {
		prompt := sess.Prompt()
		run = &models.ResearchRun{
			SessionID: sess.ID,
			Provider:  e.provider,
			State:     models.RunNew,
			Progress:  &prompt,
		}
		if err := e.runs.CreateRun(ctx, run); err != nil {
			return uuid.Nil, fmt.Errorf("create research run: %w", err)
		}
	} else if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

// Execute ticks the run until it settles. The admission ends early on
// context expiry; the run stays resumable for the next admission.
func (e *PipelineExecutor) Execute(ctx context.Context, sess *models.Session, res *models.ProviderResult, opts providers.RunOptions) (bool, error) {
	run, err := e.runs.GetRunBySessionProvider(ctx, sess.ID, e.provider)
	if err != nil {
		return false, err
	}

	if err := e.markRunning(ctx, res, run.ID); err != nil {
		return false, err
	}

	for {
		if ctx.Err() != nil {
			// Timeout mid-run: progress is persisted, next admission resumes.
			return false, nil
		}
		tick, err := e.pipe.Tick(ctx, run.ID)
		if err != nil {
			return false, err
		}
		if tick.Done {
			break
		}
	}

	run, err = e.runs.GetRun(ctx, run.ID)
	if err != nil {
		return false, err
	}
	return true, e.settle(ctx, res, run)
}

func (e *PipelineExecutor) markRunning(ctx context.Context, res *models.ProviderResult, runID uuid.UUID) error {
	if res.Status == models.ResultRunning {
		return nil
	}
	now := time.Now()
	res.Status = models.ResultRunning
	res.ModelRunID = &runID
	res.StartedAt = &now
	return e.results.UpsertResult(ctx, res)
}

// settle maps the terminal run state onto the provider result.
func (e *PipelineExecutor) settle(ctx context.Context, res *models.ProviderResult, run *models.ResearchRun) error {
	now := time.Now()
	res.CompletedAt = &now
	switch run.State {
	case models.RunDone:
		res.Status = models.ResultCompleted
		res.OutputText = run.ReportMarkdown
	case models.RunFailed:
		res.Status = models.ResultFailed
		code := "step_failed"
		res.ErrorCode = &code
		res.ErrorMessage = run.ErrorMessage
	default:
		return fmt.Errorf("run %s settled in non-terminal state %s", run.ID, run.State)
	}
	return e.results.UpsertResult(ctx, res)
}

// AsyncExecutor drives a start/poll/resume research run (OpenAI-style
// background mode). The external id is persisted on the provider result so
// any process can continue polling a run another process started.
type AsyncExecutor struct {
	provider     string
	runner       providers.AsyncRunner
	results      store.ResultStore
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewAsyncExecutor creates the async executor for one provider.
func NewAsyncExecutor(provider string, runner providers.AsyncRunner, results store.ResultStore, pollInterval time.Duration, logger *zap.Logger) *AsyncExecutor {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &AsyncExecutor{provider: provider, runner: runner, results: results, pollInterval: pollInterval, logger: logger}
}

func (e *AsyncExecutor) Provider() string { return e.provider }

// Resumable is always true: the external id is persisted, so any process can
// pick the poll loop back up.
func (e *AsyncExecutor) Resumable() bool { return true }

// Prepare pins a model run id for the job. The external provider id is
// assigned later, at Start.
func (e *AsyncExecutor) Prepare(_ context.Context, _ *models.Session, res *models.ProviderResult) (uuid.UUID, error) {
	if res.ModelRunID != nil {
		return *res.ModelRunID, nil
	}
	return uuid.New(), nil
}

// Execute starts the background run if needed, then polls until it settles.
// One resume is attempted per admission when the provider reports the run
// was interrupted.
func (e *AsyncExecutor) Execute(ctx context.Context, sess *models.Session, res *models.ProviderResult, opts providers.RunOptions) (bool, error) {
	if res.ExternalID == nil {
		externalID, err := e.runner.Start(ctx, sess.Prompt(), opts)
		if err != nil {
			return false, fmt.Errorf("start background run: %w", err)
		}
		now := time.Now()
		res.Status = models.ResultRunning
		res.ExternalID = &externalID
		res.StartedAt = &now
		if res.ModelRunID == nil {
			id := uuid.New()
			res.ModelRunID = &id
		}
		if err := e.results.UpsertResult(ctx, res); err != nil {
			return false, err
		}
		e.logger.Info("Background research run started",
			zap.String("provider", e.provider),
			zap.String("session_id", sess.ID.String()),
			zap.String("external_id", externalID),
		)
	}

	resumed := false
	for {
		st, err := e.runner.Poll(ctx, *res.ExternalID)
		if err != nil {
			if providers.Classify(err) == providers.ClassTransient && ctx.Err() == nil {
				if !sleepCtx(ctx, e.pollInterval) {
					return false, nil
				}
				continue
			}
			return false, fmt.Errorf("poll background run: %w", err)
		}

		now := time.Now()
		status := string(st.State)
		res.ExternalStatus = &status
		res.LastPolledAt = &now

		switch st.State {
		case providers.PollCompleted:
			return true, e.complete(ctx, res, st.Output)
		case providers.PollFailed:
			if interrupted(st.Error) && !resumed {
				newID, rerr := e.runner.Resume(ctx, *res.ExternalID)
				if rerr == nil {
					resumed = true
					res.ExternalID = &newID
					if err := e.results.UpsertResult(ctx, res); err != nil {
						return false, err
					}
					continue
				}
				e.logger.Warn("Resume failed; recording run as failed",
					zap.String("provider", e.provider),
					zap.Error(rerr),
				)
			}
			return true, e.fail(ctx, res, st.Error)
		default:
			if err := e.results.UpsertResult(ctx, res); err != nil {
				return false, err
			}
			if !sleepCtx(ctx, e.pollInterval) {
				// Admission timed out; the run keeps going at the provider and
				// the next admission resumes polling.
				return false, nil
			}
		}
	}
}

func (e *AsyncExecutor) complete(ctx context.Context, res *models.ProviderResult, out *providers.RunOutput) error {
	now := time.Now()
	res.Status = models.ResultCompleted
	res.CompletedAt = &now
	if out != nil {
		res.OutputText = &out.Text
		res.SourcesJSON = sourcesJSON(out.Sources)
	}
	return e.results.UpsertResult(ctx, res)
}

func (e *AsyncExecutor) fail(ctx context.Context, res *models.ProviderResult, msg string) error {
	now := time.Now()
	code := "provider_failed"
	res.Status = models.ResultFailed
	res.CompletedAt = &now
	res.ErrorCode = &code
	res.ErrorMessage = &msg
	return e.results.UpsertResult(ctx, res)
}

// AtomicExecutor drives a provider whose research execution is one grounded
// call. Nothing about the in-flight call is persisted, so a process crash
// mid-call leaves a running result for staleness repair to fail.
type AtomicExecutor struct {
	provider string
	runner   providers.Runner
	results  store.ResultStore
	logger   *zap.Logger
}

// NewAtomicExecutor creates the single-call executor for one provider.
func NewAtomicExecutor(provider string, runner providers.Runner, results store.ResultStore, logger *zap.Logger) *AtomicExecutor {
	return &AtomicExecutor{provider: provider, runner: runner, results: results, logger: logger}
}

func (e *AtomicExecutor) Provider() string { return e.provider }

// Resumable is false: only the call's outcome is observable.
func (e *AtomicExecutor) Resumable() bool { return false }

// Prepare pins a model run id for the job.
func (e *AtomicExecutor) Prepare(_ context.Context, _ *models.Session, res *models.ProviderResult) (uuid.UUID, error) {
	if res.ModelRunID != nil {
		return *res.ModelRunID, nil
	}
	return uuid.New(), nil
}

// Execute runs the whole research call inside one admission.
func (e *AtomicExecutor) Execute(ctx context.Context, sess *models.Session, res *models.ProviderResult, opts providers.RunOptions) (bool, error) {
	now := time.Now()
	res.Status = models.ResultRunning
	res.StartedAt = &now
	if res.ModelRunID == nil {
		id := uuid.New()
		res.ModelRunID = &id
	}
	if err := e.results.UpsertResult(ctx, res); err != nil {
		return false, err
	}

	out, err := e.runner.Run(ctx, sess.Prompt(), opts)
	if err != nil {
		return false, fmt.Errorf("atomic research run: %w", err)
	}

	done := time.Now()
	res.Status = models.ResultCompleted
	res.CompletedAt = &done
	res.OutputText = &out.Text
	res.SourcesJSON = sourcesJSON(out.Sources)
	return true, e.results.UpsertResult(ctx, res)
}

// interrupted reports whether a failure message describes an externally
// interrupted run worth one resume attempt.
func interrupted(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"cancel", "expire", "interrupt"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func sourcesJSON(sources []providers.Source) models.JSONB {
	list := make([]interface{}, 0, len(sources))
	for _, s := range sources {
		entry := map[string]interface{}{"url": s.URL}
		if s.Title != "" {
			entry["title"] = s.Title
		}
		list = append(list, entry)
	}
	return models.JSONB{"sources": list}
}

// sleepCtx waits for d, returning false when the context expires first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
