package refine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/store"
)

type fakeRefineProvider struct {
	name      string
	questions []string
	rewritten string
	err       error

	gotTopic   string
	gotAnswers map[string]string
}

func (f *fakeRefineProvider) Name() string { return f.name }

func (f *fakeRefineProvider) StartRefinement(_ context.Context, topic string) ([]string, error) {
	f.gotTopic = topic
	return f.questions, f.err
}

func (f *fakeRefineProvider) RewritePrompt(_ context.Context, topic, draft string, answers map[string]string) (string, error) {
	f.gotAnswers = answers
	if f.err != nil {
		return "", f.err
	}
	if f.rewritten != "" {
		return f.rewritten, nil
	}
	return draft, nil
}

func (f *fakeRefineProvider) Complete(context.Context, providers.CompletionRequest) (*providers.Completion, error) {
	return &providers.Completion{Text: "ok"}, nil
}

func setup(t *testing.T) (*Service, *store.Memory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mem := store.NewMemory()
	return New(mem, rdb, time.Minute, zap.NewNop()), mem, mr
}

func draftSession(t *testing.T, mem *store.Memory) *models.Session {
	t.Helper()
	sess := &models.Session{
		UserID: uuid.New(),
		Topic:  "grid-scale battery supply chains",
		State:  models.SessionDraft,
	}
	require.NoError(t, mem.CreateSession(context.Background(), sess))
	return sess
}

func TestBeginStoresConversationAndTransitions(t *testing.T) {
	svc, mem, mr := setup(t)
	sess := draftSession(t, mem)
	prov := &fakeRefineProvider{name: "openai", questions: []string{"Which regions?", "What horizon?"}}

	qs, err := svc.Begin(context.Background(), sess.ID, prov)
	require.NoError(t, err)
	assert.Equal(t, []string{"Which regions?", "What horizon?"}, qs)
	assert.Equal(t, sess.Topic, prov.gotTopic)

	stored, err := mem.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRefining, stored.State)

	assert.True(t, mr.Exists("refine:"+sess.ID.String()))
	assert.True(t, svc.Open(context.Background(), sess.ID))
}

func TestBeginRejectsNonDraftSession(t *testing.T) {
	svc, mem, _ := setup(t)
	sess := draftSession(t, mem)
	require.NoError(t, mem.Transition(context.Background(), sess.ID, models.SessionRefining))
	require.NoError(t, mem.Transition(context.Background(), sess.ID, models.SessionFailed))

	_, err := svc.Begin(context.Background(), sess.ID, &fakeRefineProvider{name: "openai"})
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestAnswerRewritesAndAdvances(t *testing.T) {
	svc, mem, mr := setup(t)
	sess := draftSession(t, mem)
	prov := &fakeRefineProvider{
		name:      "openai",
		questions: []string{"Which regions?"},
		rewritten: "Assess battery supply chains in NA and EU through 2030.",
	}

	_, err := svc.Begin(context.Background(), sess.ID, prov)
	require.NoError(t, err)

	answers := map[string]string{"Which regions?": "NA and EU"}
	refined, err := svc.Answer(context.Background(), sess.ID, prov, answers)
	require.NoError(t, err)
	assert.Equal(t, prov.rewritten, refined)
	assert.Equal(t, answers, prov.gotAnswers)

	stored, err := mem.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, stored.State)
	require.NotNil(t, stored.RefinedPrompt)
	assert.Equal(t, prov.rewritten, *stored.RefinedPrompt)

	// Conversation is consumed.
	assert.False(t, mr.Exists("refine:"+sess.ID.String()))
	assert.False(t, svc.Open(context.Background(), sess.ID))
}

func TestAnswerAfterExpiry(t *testing.T) {
	svc, mem, mr := setup(t)
	sess := draftSession(t, mem)
	prov := &fakeRefineProvider{name: "openai", questions: []string{"q"}}

	_, err := svc.Begin(context.Background(), sess.ID, prov)
	require.NoError(t, err)

	// Past the TTL plus the 5 minute buffer.
	mr.FastForward(10 * time.Minute)

	_, err = svc.Answer(context.Background(), sess.ID, prov, map[string]string{"q": "a"})
	assert.ErrorIs(t, err, ErrConversationExpired)
}

func TestAnswerRewriteFailureLeavesSessionRefining(t *testing.T) {
	svc, mem, _ := setup(t)
	sess := draftSession(t, mem)
	prov := &fakeRefineProvider{name: "openai", questions: []string{"q"}}

	_, err := svc.Begin(context.Background(), sess.ID, prov)
	require.NoError(t, err)

	prov.err = errors.New("model unavailable")
	_, err = svc.Answer(context.Background(), sess.ID, prov, map[string]string{"q": "a"})
	require.Error(t, err)

	stored, _ := mem.GetSession(context.Background(), sess.ID)
	assert.Equal(t, models.SessionRefining, stored.State)
	// State survives for a retry.
	assert.True(t, svc.Open(context.Background(), sess.ID))
}

func TestLocalFallbackWithoutRedis(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, nil, time.Minute, zap.NewNop())
	sess := draftSession(t, mem)
	prov := &fakeRefineProvider{name: "gemini", questions: []string{"q"}, rewritten: "refined"}

	_, err := svc.Begin(context.Background(), sess.ID, prov)
	require.NoError(t, err)
	assert.True(t, svc.Open(context.Background(), sess.ID))

	refined, err := svc.Answer(context.Background(), sess.ID, prov, map[string]string{"q": "a"})
	require.NoError(t, err)
	assert.Equal(t, "refined", refined)
	assert.False(t, svc.Open(context.Background(), sess.ID))
}
