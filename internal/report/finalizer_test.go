package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/locks"
	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/settings"
	"github.com/veldt-labs/deepresearch/internal/store"
)

type fakeRenderer struct {
	pdf []byte
	err error
}

func (f *fakeRenderer) BuildReport(context.Context, string) ([]byte, error) {
	return f.pdf, f.err
}

type sentMail struct {
	to, subject, body string
	attachment        []byte
}

type fakeMailer struct {
	mu    sync.Mutex
	sends []sentMail
	err   error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string, attachment []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, sentMail{to: to, subject: subject, body: body, attachment: attachment})
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newFinalizer(t *testing.T, mem *store.Memory, renderer Renderer, mailer Mailer) *Finalizer {
	t.Helper()
	logger := zap.NewNop()
	return NewFinalizer(
		mem.Stores(),
		locks.NewMemoryLocker(logger),
		renderer,
		mailer,
		RecipientsFunc(func(context.Context, uuid.UUID) (string, error) {
			return "user@example.com", nil
		}),
		settings.New(nil, logger),
		logger,
	)
}

// aggregatingSession creates a session parked in aggregating with the given
// provider results.
func aggregatingSession(t *testing.T, mem *store.Memory, results map[string]*models.ProviderResult) *models.Session {
	t.Helper()
	ctx := context.Background()
	sess := &models.Session{UserID: uuid.New(), Topic: "battery supply chains", State: models.SessionDraft}
	require.NoError(t, mem.CreateSession(ctx, sess))
	require.NoError(t, mem.Transition(ctx, sess.ID, models.SessionRefining))
	require.NoError(t, mem.Transition(ctx, sess.ID, models.SessionRunning))
	require.NoError(t, mem.Transition(ctx, sess.ID, models.SessionAggregating))

	for provider, r := range results {
		r.SessionID = sess.ID
		r.Provider = provider
		require.NoError(t, mem.UpsertResult(ctx, r))
	}
	return sess
}

func completedResult(text string) *models.ProviderResult {
	now := time.Now()
	runID := uuid.New()
	return &models.ProviderResult{
		Status: models.ResultCompleted, ModelRunID: &runID,
		OutputText: &text, StartedAt: &now, CompletedAt: &now,
	}
}

func failedResult(msg string) *models.ProviderResult {
	now := time.Now()
	code := "provider_failed"
	return &models.ProviderResult{
		Status: models.ResultFailed, ErrorCode: &code, ErrorMessage: &msg, CompletedAt: &now,
	}
}

func TestFinalizeBothCompleted(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{pdf: []byte("%PDF")}, mailer)
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": completedResult("OpenAI findings, see https://a.example/one."),
		"gemini": completedResult("Gemini findings, see https://b.example/two."),
	})

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionCompleted, stored.State)

	rep, err := mem.LatestReport(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmailSent, rep.EmailStatus)
	assert.Equal(t, []byte("%PDF"), rep.PDFBytes)
	assert.Contains(t, rep.SummaryText, "[1]")
	assert.Contains(t, rep.SummaryText, "[2]")

	require.Equal(t, 1, mailer.count())
	assert.Equal(t, "user@example.com", mailer.sends[0].to)
	assert.Contains(t, mailer.sends[0].subject, "battery supply chains")
}

func TestFinalizePartialUsesSurvivorOnly(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{pdf: []byte("%PDF")}, mailer)
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": failedResult("run died"),
		"gemini": completedResult("Gemini findings survive, see https://b.example/two."),
	})

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionPartial, stored.State)

	rep, _ := mem.LatestReport(context.Background(), sess.ID)
	assert.Contains(t, rep.SummaryText, "Gemini findings survive")
	assert.NotContains(t, rep.SummaryText, "run died")
	assert.Equal(t, 1, mailer.count(), "partial sessions still deliver")
}

func TestFinalizeSkippedProviderDoesNotDegrade(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{pdf: []byte("%PDF")}, mailer)
	now := time.Now()
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": completedResult("OpenAI findings."),
		"gemini": {Status: models.ResultSkipped, CompletedAt: &now},
	})

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionCompleted, stored.State, "a skipped provider is not a failure")
	assert.Equal(t, 1, mailer.count())
}

func TestFinalizeTotalFailure(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{}, mailer)
	empty := ""
	emptyRes := completedResult(empty) // completed but no output counts as failed
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": failedResult("run died"),
		"gemini": emptyRes,
	})

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionFailed, stored.State)

	_, err := mem.LatestReport(context.Background(), sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "total failure writes no report")
	assert.Equal(t, 0, mailer.count(), "total failure sends no email")
}

func TestFinalizeRenderFailureDowngrades(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{err: errors.New("chrome crashed")}, mailer)
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": completedResult("OpenAI findings."),
		"gemini": completedResult("Gemini findings."),
	})

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionPartial, stored.State, "render failure downgrades completed to partial")

	rep, _ := mem.LatestReport(context.Background(), sess.ID)
	assert.Equal(t, models.EmailSent, rep.EmailStatus, "email still goes out without the attachment")
	assert.Empty(t, rep.PDFBytes)
	require.Equal(t, 1, mailer.count())
	assert.Empty(t, mailer.sends[0].attachment)
}

func TestFinalizeSendsAtMostOnce(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{pdf: []byte("%PDF")}, mailer)
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": completedResult("OpenAI findings."),
		"gemini": completedResult("Gemini findings."),
	})

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))
	// Second call sees the sent report and only verifies session state.
	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	assert.Equal(t, 1, mailer.count())
	rep, _ := mem.LatestReport(context.Background(), sess.ID)
	assert.Equal(t, models.EmailSent, rep.EmailStatus)
}

func TestFinalizeConcurrentCallsOneEmail(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{pdf: []byte("%PDF")}, mailer)
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": completedResult("OpenAI findings."),
		"gemini": completedResult("Gemini findings."),
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mailer.count(), "exactly one email across concurrent finalizes")
	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.True(t, stored.State.IsTerminal())
}

func TestFinalizeRepairsStuckSessionAfterSend(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{}
	fin := newFinalizer(t, mem, &fakeRenderer{}, mailer)
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": completedResult("OpenAI findings."),
		"gemini": completedResult("Gemini findings."),
	})

	// A prior finalize sent the email but crashed before the last transition.
	now := time.Now()
	require.NoError(t, mem.InsertReport(context.Background(), &models.Report{
		SessionID: sess.ID, SummaryText: "sent already",
		EmailStatus: models.EmailSent, SentAt: &now,
	}))

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionCompleted, stored.State)
	assert.Equal(t, 0, mailer.count(), "sent reports are never re-sent")
}

func TestFinalizeMailFailureRecorded(t *testing.T) {
	mem := store.NewMemory()
	mailer := &fakeMailer{err: errors.New("smtp refused")}
	fin := newFinalizer(t, mem, &fakeRenderer{pdf: []byte("%PDF")}, mailer)
	sess := aggregatingSession(t, mem, map[string]*models.ProviderResult{
		"openai": completedResult("OpenAI findings."),
		"gemini": completedResult("Gemini findings."),
	})

	require.NoError(t, fin.FinalizeReport(context.Background(), sess.ID))

	rep, _ := mem.LatestReport(context.Background(), sess.ID)
	assert.Equal(t, models.EmailFailed, rep.EmailStatus)
	require.NotNil(t, rep.EmailError)
	assert.Contains(t, *rep.EmailError, "smtp refused")

	// Session state is independent of email state.
	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionCompleted, stored.State)
}
