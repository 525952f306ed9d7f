package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/lane"
	"github.com/veldt-labs/deepresearch/internal/locks"
	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/settings"
	"github.com/veldt-labs/deepresearch/internal/store"
)

type fakeExecutor struct {
	name    string
	runID   uuid.UUID
	results store.ResultStore

	execCalls    int32
	block        chan struct{} // when set, Execute waits for it to close
	failWith     error
	terminal     models.ResultStatus
	notResumable bool
}

func (f *fakeExecutor) Provider() string { return f.name }

func (f *fakeExecutor) Resumable() bool { return !f.notResumable }

func (f *fakeExecutor) Prepare(_ context.Context, _ *models.Session, res *models.ProviderResult) (uuid.UUID, error) {
	if f.runID != uuid.Nil {
		return f.runID, nil
	}
	if res.ModelRunID != nil {
		return *res.ModelRunID, nil
	}
	f.runID = uuid.New()
	return f.runID, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, sess *models.Session, res *models.ProviderResult, _ providers.RunOptions) (bool, error) {
	atomic.AddInt32(&f.execCalls, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if f.failWith != nil {
		return false, f.failWith
	}
	now := time.Now()
	status := f.terminal
	if status == "" {
		status = models.ResultCompleted
	}
	out := "report from " + f.name
	res.Status = status
	res.ModelRunID = &f.runID
	res.StartedAt = &now
	res.CompletedAt = &now
	if status == models.ResultCompleted {
		res.OutputText = &out
	}
	return true, f.results.UpsertResult(ctx, res)
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (f *fakeFinalizer) FinalizeReport(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	return f.err
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	mem       *store.Memory
	orch      *Orchestrator
	finalizer *fakeFinalizer
	execA     *fakeExecutor
	execB     *fakeExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	logger := zap.NewNop()
	fin := &fakeFinalizer{}
	a := &fakeExecutor{name: "openai", results: mem}
	b := &fakeExecutor{name: "gemini", results: mem}
	orch := New(
		mem.Stores(),
		locks.NewMemoryLocker(logger),
		lane.NewRegistry(logger),
		settings.New(nil, logger),
		fin,
		[]Executor{a, b},
		logger,
	)
	return &harness{mem: mem, orch: orch, finalizer: fin, execA: a, execB: b}
}

func runningSession(t *testing.T, mem *store.Memory) *models.Session {
	t.Helper()
	sess := &models.Session{UserID: uuid.New(), Topic: "battery supply chains", State: models.SessionDraft}
	require.NoError(t, mem.CreateSession(context.Background(), sess))
	require.NoError(t, mem.Transition(context.Background(), sess.ID, models.SessionRefining))
	require.NoError(t, mem.SetRefinedPrompt(context.Background(), sess.ID, "refined prompt"))
	require.NoError(t, mem.Transition(context.Background(), sess.ID, models.SessionRunning))
	return sess
}

func TestRunProvidersHappyPath(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))

	stored, err := h.mem.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionAggregating, stored.State)
	assert.Equal(t, 1, h.finalizer.count())

	for _, p := range []string{"openai", "gemini"} {
		res, err := h.mem.GetResult(context.Background(), sess.ID, p)
		require.NoError(t, err)
		assert.Equal(t, models.ResultCompleted, res.Status)
		require.NotNil(t, res.ModelRunID)
	}
}

func TestRunProvidersConcurrentAdvanceIsNoOp(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)
	h.execA.block = make(chan struct{})
	h.execB.block = h.execA.block

	first := make(chan error, 1)
	go func() { first <- h.orch.RunProviders(context.Background(), sess.ID) }()

	// Wait until the first advance is inside an executor, then race it.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.execA.execCalls) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID), "second advance must no-op")

	close(h.execA.block)
	require.NoError(t, <-first)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.execA.execCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.execB.execCalls))
	assert.Equal(t, 1, h.finalizer.count())
}

func TestRunProvidersLeavesTerminalResultsUntouched(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)

	// Gemini already finished in an earlier advance.
	runID := uuid.New()
	now := time.Now()
	out := "existing gemini output"
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "gemini", Status: models.ResultCompleted,
		ModelRunID: &runID, OutputText: &out, StartedAt: &now, CompletedAt: &now,
	}))

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))

	assert.Equal(t, int32(0), atomic.LoadInt32(&h.execB.execCalls), "terminal result must not be re-executed")
	res, _ := h.mem.GetResult(context.Background(), sess.ID, "gemini")
	assert.Equal(t, "existing gemini output", *res.OutputText)
	assert.Equal(t, 1, h.finalizer.count())
}

func TestRunProvidersPartialFailureStillFinalizes(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)
	h.execA.terminal = models.ResultFailed

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))

	res, _ := h.mem.GetResult(context.Background(), sess.ID, "openai")
	assert.Equal(t, models.ResultFailed, res.Status)
	assert.Equal(t, 1, h.finalizer.count(), "partial failure still aggregates and finalizes")
}

func TestRunProvidersIntegrityMismatchIsFatal(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)

	// The stored result is already pinned to a different run id than the one
	// the executor prepares.
	otherRun := uuid.New()
	now := time.Now()
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "openai", Status: models.ResultQueued,
		ModelRunID: &otherRun, QueuedAt: &now,
	}))
	h.execA.runID = uuid.New()

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))

	res, _ := h.mem.GetResult(context.Background(), sess.ID, "openai")
	assert.Equal(t, models.ResultFailed, res.Status, "integrity mismatch fails the run")
	require.NotNil(t, res.ErrorCode)
	assert.Equal(t, "integrity_violation", *res.ErrorCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.execA.execCalls), "mismatched job must never execute")
}

func TestRunProvidersTransientErrorRetriesOnce(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)
	h.execA.failWith = &providers.Error{
		Provider: "openai", Code: "rate_limited", Class: providers.ClassTransient, Err: errors.New("429"),
	}

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))

	assert.Equal(t, int32(maxJobAttempts), atomic.LoadInt32(&h.execA.execCalls))
	res, _ := h.mem.GetResult(context.Background(), sess.ID, "openai")
	assert.Equal(t, models.ResultFailed, res.Status)
}

func TestRunProvidersPermanentErrorFailsImmediately(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)
	h.execA.failWith = &providers.Error{
		Provider: "openai", Code: "auth", Class: providers.ClassPermanent, Err: errors.New("401"),
	}

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.execA.execCalls))
	res, _ := h.mem.GetResult(context.Background(), sess.ID, "openai")
	assert.Equal(t, models.ResultFailed, res.Status)
	require.NotNil(t, res.ErrorCode)
	assert.Equal(t, "execution_failed", *res.ErrorCode)
}

func TestRunProvidersTerminalSessionIsNoOp(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)
	require.NoError(t, h.mem.Transition(context.Background(), sess.ID, models.SessionFailed))

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.execA.execCalls))
	assert.Equal(t, 0, h.finalizer.count())
}

func TestRunProvidersAggregatingSessionResumesFinalize(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)
	require.NoError(t, h.mem.Transition(context.Background(), sess.ID, models.SessionAggregating))

	require.NoError(t, h.orch.RunProviders(context.Background(), sess.ID))
	assert.Equal(t, 1, h.finalizer.count(), "crashed advance resumes at finalize")
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.execA.execCalls))
}

func TestRunProvidersDraftSessionRejected(t *testing.T) {
	h := newHarness(t)
	sess := &models.Session{UserID: uuid.New(), Topic: "t", State: models.SessionDraft}
	require.NoError(t, h.mem.CreateSession(context.Background(), sess))

	assert.Error(t, h.orch.RunProviders(context.Background(), sess.ID))
}

func TestRepairStale(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)

	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "openai", Status: models.ResultQueued, QueuedAt: &old,
	}))
	recent := time.Now()
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "gemini", Status: models.ResultQueued, QueuedAt: &recent,
	}))

	n, err := h.orch.RepairStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, _ := h.mem.GetResult(context.Background(), sess.ID, "openai")
	assert.Equal(t, models.ResultFailed, res.Status)
	require.NotNil(t, res.ErrorCode)
	assert.Equal(t, "interrupted", *res.ErrorCode)

	fresh, _ := h.mem.GetResult(context.Background(), sess.ID, "gemini")
	assert.Equal(t, models.ResultQueued, fresh.Status, "fresh queued result is left alone")
}

type staticOverrides map[string]string

func (s staticOverrides) Values(context.Context, uuid.UUID) (map[string]string, error) {
	return s, nil
}

func TestRepairStaleHonorsOwnerTimeout(t *testing.T) {
	mem := store.NewMemory()
	logger := zap.NewNop()
	orch := New(
		mem.Stores(),
		locks.NewMemoryLocker(logger),
		lane.NewRegistry(logger),
		settings.New(staticOverrides{"openai_timeout_minutes": "600"}, logger),
		&fakeFinalizer{},
		[]Executor{&fakeExecutor{name: "openai", results: mem}, &fakeExecutor{name: "gemini", results: mem}},
		logger,
	)

	sess := runningSession(t, mem)
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "openai", Status: models.ResultQueued, QueuedAt: &old,
	}))
	require.NoError(t, mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "gemini", Status: models.ResultQueued, QueuedAt: &old,
	}))

	n, err := orch.RepairStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	patient, _ := mem.GetResult(context.Background(), sess.ID, "openai")
	assert.Equal(t, models.ResultQueued, patient.Status, "the owner's ten-hour timeout keeps the row alive")

	expired, _ := mem.GetResult(context.Background(), sess.ID, "gemini")
	assert.Equal(t, models.ResultFailed, expired.Status)
}

func TestRepairStaleRunningRespectsResumability(t *testing.T) {
	h := newHarness(t)
	sessA := runningSession(t, h.mem)
	sessB := runningSession(t, h.mem)

	// Both rows went stale mid-run; only openai's executor can resume.
	h.execB.notResumable = true
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sessA.ID, Provider: "openai", Status: models.ResultRunning,
		StartedAt: &old, LastPolledAt: &old,
	}))
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sessB.ID, Provider: "gemini", Status: models.ResultRunning, StartedAt: &old,
	}))

	n, err := h.orch.RepairStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resumable, _ := h.mem.GetResult(context.Background(), sessA.ID, "openai")
	assert.Equal(t, models.ResultRunning, resumable.Status, "resumable run is left for the next poll")

	dead, _ := h.mem.GetResult(context.Background(), sessB.ID, "gemini")
	assert.Equal(t, models.ResultFailed, dead.Status)
	require.NotNil(t, dead.ErrorMessage)
	assert.Contains(t, *dead.ErrorMessage, "without resume support")
}

func TestRepairStaleFinalizesWhenLastResultSettles(t *testing.T) {
	h := newHarness(t)
	sess := runningSession(t, h.mem)

	now := time.Now()
	runID := uuid.New()
	out := "gemini output"
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "gemini", Status: models.ResultCompleted,
		ModelRunID: &runID, OutputText: &out, CompletedAt: &now,
	}))
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, h.mem.UpsertResult(context.Background(), &models.ProviderResult{
		SessionID: sess.ID, Provider: "openai", Status: models.ResultQueued, QueuedAt: &old,
	}))

	_, err := h.orch.RepairStale(context.Background())
	require.NoError(t, err)

	stored, _ := h.mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionAggregating, stored.State)
	assert.Equal(t, 1, h.finalizer.count())
}
