// Package refine runs the pre-research clarification loop: the refine
// provider asks clarifying questions, the user answers, and the rewritten
// prompt is persisted on the session before research starts. Conversation
// state lives in Redis so any process can complete a loop another started;
// without Redis the service degrades to in-process state.
package refine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/models"
	"github.com/veldt-labs/deepresearch/internal/providers"
	"github.com/veldt-labs/deepresearch/internal/store"
)

// ErrConversationExpired means the clarification window lapsed before the
// user answered. The caller should restart refinement.
var ErrConversationExpired = errors.New("refine: conversation expired")

// DefaultTTL is how long a clarification round waits for answers.
const DefaultTTL = 15 * time.Minute

// conversation is the JSON state stored per session while refinement is open.
type conversation struct {
	SessionID string    `json:"session_id"`
	Topic     string    `json:"topic"`
	Provider  string    `json:"provider"`
	Questions []string  `json:"questions"`
	CreatedAt time.Time `json:"created_at"`
}

// Service drives the refinement loop for sessions.
type Service struct {
	sessions store.SessionStore
	rdb      *redis.Client
	ttl      time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	local map[string]conversationEntry
}

type conversationEntry struct {
	conv    conversation
	expires time.Time
}

// New creates the refinement service. rdb may be nil; state then stays in
// this process only.
func New(sessions store.SessionStore, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if rdb == nil {
		logger.Warn("No Redis configured; refinement state is process-local")
	}
	return &Service{
		sessions: sessions,
		rdb:      rdb,
		ttl:      ttl,
		logger:   logger,
		local:    make(map[string]conversationEntry),
	}
}

func key(sessionID uuid.UUID) string {
	return fmt.Sprintf("refine:%s", sessionID)
}

// Begin moves the session to refining and asks the provider for clarifying
// questions. The open conversation is stored for Answer to pick up.
func (s *Service) Begin(ctx context.Context, sessionID uuid.UUID, provider providers.Provider) ([]string, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Transition(ctx, sessionID, models.SessionRefining); err != nil {
		return nil, err
	}

	questions, err := provider.StartRefinement(ctx, sess.Topic)
	if err != nil {
		return nil, fmt.Errorf("start refinement: %w", err)
	}

	conv := conversation{
		SessionID: sessionID.String(),
		Topic:     sess.Topic,
		Provider:  provider.Name(),
		Questions: questions,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.save(ctx, sessionID, conv); err != nil {
		// Without stored state the user cannot answer, so this is fatal.
		return nil, fmt.Errorf("store refinement state: %w", err)
	}

	s.logger.Info("Refinement started",
		zap.String("session_id", sessionID.String()),
		zap.String("provider", provider.Name()),
		zap.Int("questions", len(questions)),
	)
	return questions, nil
}

// Answer rewrites the prompt from the user's clarifications, persists it on
// the session, and advances refining -> running_research. The stored
// conversation is consumed.
func (s *Service) Answer(ctx context.Context, sessionID uuid.UUID, provider providers.Provider, answers map[string]string) (string, error) {
	conv, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	refined, err := provider.RewritePrompt(ctx, conv.Topic, conv.Topic, answers)
	if err != nil {
		return "", fmt.Errorf("rewrite prompt: %w", err)
	}
	if refined == "" {
		refined = conv.Topic
	}

	if err := s.sessions.SetRefinedPrompt(ctx, sessionID, refined); err != nil {
		return "", err
	}
	if err := s.sessions.Transition(ctx, sessionID, models.SessionRunning); err != nil {
		return "", err
	}
	s.delete(ctx, sessionID)

	s.logger.Info("Refinement completed",
		zap.String("session_id", sessionID.String()),
		zap.Int("answers", len(answers)),
		zap.Int("refined_len", len(refined)),
	)
	return refined, nil
}

// Open reports whether a conversation is still waiting for answers.
func (s *Service) Open(ctx context.Context, sessionID uuid.UUID) bool {
	_, err := s.load(ctx, sessionID)
	return err == nil
}

func (s *Service) save(ctx context.Context, sessionID uuid.UUID, conv conversation) error {
	// Buffer past the answer window so an in-flight Answer still finds state.
	ttl := s.ttl + 5*time.Minute

	if s.rdb == nil {
		s.mu.Lock()
		s.local[key(sessionID)] = conversationEntry{conv: conv, expires: time.Now().Add(ttl)}
		s.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.rdb.Set(ctx, key(sessionID), raw, ttl).Err()
}

func (s *Service) load(ctx context.Context, sessionID uuid.UUID) (conversation, error) {
	var conv conversation

	if s.rdb == nil {
		s.mu.Lock()
		entry, ok := s.local[key(sessionID)]
		if ok && time.Now().After(entry.expires) {
			delete(s.local, key(sessionID))
			ok = false
		}
		s.mu.Unlock()
		if !ok {
			return conv, ErrConversationExpired
		}
		return entry.conv, nil
	}

	raw, err := s.rdb.Get(ctx, key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return conv, ErrConversationExpired
	}
	if err != nil {
		return conv, fmt.Errorf("load refinement state: %w", err)
	}
	if err := json.Unmarshal(raw, &conv); err != nil {
		return conv, fmt.Errorf("decode refinement state: %w", err)
	}
	return conv, nil
}

func (s *Service) delete(ctx context.Context, sessionID uuid.UUID) {
	if s.rdb == nil {
		s.mu.Lock()
		delete(s.local, key(sessionID))
		s.mu.Unlock()
		return
	}
	if err := s.rdb.Del(ctx, key(sessionID)).Err(); err != nil {
		s.logger.Warn("Failed to delete refinement state",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
	}
}
