// Package settings resolves per-user research configuration. Stored rows are
// sparse overrides merged over engine defaults; unknown keys and unparseable
// values fall back to the default rather than failing a run.
package settings

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Settings is the resolved configuration the orchestrator reads before each
// run.
type Settings struct {
	RefineProvider    string
	SummarizeProvider string
	MaxSources        int
	OpenAITimeout     time.Duration
	GeminiTimeout     time.Duration
	ReasoningLevel    string

	ReportSummaryMode        string
	ReportIncludeRefsInSumm  bool
	ResearchMaxSteps         int
	ResearchTargetPerStep    int
	ResearchMaxTotalSources  int
	ResearchMaxTokensPerStep int
}

// Defaults returns the engine defaults applied when a user has no overrides.
func Defaults() Settings {
	return Settings{
		RefineProvider:           "openai",
		SummarizeProvider:        "openai",
		MaxSources:               40,
		OpenAITimeout:            30 * time.Minute,
		GeminiTimeout:            20 * time.Minute,
		ReasoningLevel:           "medium",
		ReportSummaryMode:        "narrative",
		ReportIncludeRefsInSumm:  false,
		ResearchMaxSteps:         6,
		ResearchTargetPerStep:    5,
		ResearchMaxTotalSources:  40,
		ResearchMaxTokensPerStep: 4096,
	}
}

// ProviderTimeout returns the configured timeout for one provider.
func (s Settings) ProviderTimeout(provider string) time.Duration {
	switch provider {
	case "gemini":
		return s.GeminiTimeout
	case "openai":
		return s.OpenAITimeout
	}
	return s.OpenAITimeout
}

// MaxTimeout returns the larger of the two provider timeouts. Staleness
// repair uses it as the outer bound on how long a queued job may sit.
func (s Settings) MaxTimeout() time.Duration {
	if s.GeminiTimeout > s.OpenAITimeout {
		return s.GeminiTimeout
	}
	return s.OpenAITimeout
}

// Source supplies a user's stored overrides as raw key/value pairs.
type Source interface {
	Values(ctx context.Context, userID uuid.UUID) (map[string]string, error)
}

// Service resolves settings for users.
type Service struct {
	source Source
	logger *zap.Logger
}

// New creates a settings service. source may be nil; every user then gets
// the defaults.
func New(source Source, logger *zap.Logger) *Service {
	return &Service{source: source, logger: logger}
}

// ForUser merges the user's stored overrides over the defaults.
func (s *Service) ForUser(ctx context.Context, userID uuid.UUID) Settings {
	resolved := Defaults()
	if s.source == nil {
		return resolved
	}
	values, err := s.source.Values(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to load user settings; using defaults",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return resolved
	}
	Apply(&resolved, values, s.logger)
	return resolved
}

// Apply merges raw overrides into resolved settings in place. Bad values are
// logged and skipped.
func Apply(s *Settings, values map[string]string, logger *zap.Logger) {
	for k, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case "refine_provider":
			if isProvider(v) {
				s.RefineProvider = v
			}
		case "summarize_provider":
			if isProvider(v) {
				s.SummarizeProvider = v
			}
		case "max_sources":
			setInt(&s.MaxSources, k, v, logger)
		case "openai_timeout_minutes":
			setMinutes(&s.OpenAITimeout, k, v, logger)
		case "gemini_timeout_minutes":
			setMinutes(&s.GeminiTimeout, k, v, logger)
		case "reasoning_level":
			switch v {
			case "low", "medium", "high":
				s.ReasoningLevel = v
			}
		case "report_summary_mode":
			switch v {
			case "narrative", "bullets":
				s.ReportSummaryMode = v
			}
		case "report_include_refs_in_summary":
			if b, err := strconv.ParseBool(v); err == nil {
				s.ReportIncludeRefsInSumm = b
			}
		case "research_max_steps":
			setInt(&s.ResearchMaxSteps, k, v, logger)
		case "research_target_sources_per_step":
			setInt(&s.ResearchTargetPerStep, k, v, logger)
		case "research_max_total_sources":
			setInt(&s.ResearchMaxTotalSources, k, v, logger)
		case "research_max_tokens_per_step":
			setInt(&s.ResearchMaxTokensPerStep, k, v, logger)
		default:
			// Forward compatible: unknown keys are ignored.
		}
	}
}

func isProvider(v string) bool { return v == "openai" || v == "gemini" }

func setInt(dst *int, key, raw string, logger *zap.Logger) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Warn("Ignoring invalid setting", zap.String("key", key), zap.String("value", raw))
		return
	}
	*dst = n
}

func setMinutes(dst *time.Duration, key, raw string, logger *zap.Logger) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Warn("Ignoring invalid setting", zap.String("key", key), zap.String("value", raw))
		return
	}
	*dst = time.Duration(n) * time.Minute
}

// SQLSource reads overrides from the user_settings table.
type SQLSource struct {
	db *sqlx.DB
}

// NewSQLSource creates a Source backed by Postgres.
func NewSQLSource(db *sqlx.DB) *SQLSource {
	return &SQLSource{db: db}
}

// Values returns all stored key/value rows for the user.
func (s *SQLSource) Values(ctx context.Context, userID uuid.UUID) (map[string]string, error) {
	rows := []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, value FROM user_settings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}
