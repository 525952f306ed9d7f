package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/veldt-labs/deepresearch/internal/metrics"
)

const geminiName = "gemini"

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey        string
	ResearchModel string
	UtilityModel  string
}

// Gemini is the single-call grounded adapter. A research execution is one
// atomic grounded generation; scout sub-calls for the fan-out engine use the
// same grounding tool with a tight token cap.
type Gemini struct {
	cfg    GeminiConfig
	client *genai.Client
	logger *zap.Logger
}

// NewGemini creates the adapter.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.ResearchModel == "" {
		cfg.ResearchModel = "gemini-2.5-pro"
	}
	if cfg.UtilityModel == "" {
		cfg.UtilityModel = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client, logger: logger}, nil
}

// Name returns the provider identifier.
func (g *Gemini) Name() string { return geminiName }

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

func classifyGenaiError(err error) *Error {
	msg := err.Error()
	class := ClassPermanent
	code := "api"
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		class = ClassTransient
		code = "rate_limited"
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "UNAVAILABLE") || strings.Contains(msg, "INTERNAL"):
		class = ClassTransient
		code = "server"
	case strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout"):
		class = ClassTransient
		code = "timeout"
	case strings.Contains(msg, "API key") || strings.Contains(msg, "PERMISSION_DENIED"):
		code = "auth"
	}
	return &Error{Provider: geminiName, Code: code, Class: class, Err: err}
}

// flatten extracts text, citations and truncation state from a response.
func flatten(resp *genai.GenerateContentResponse) (string, []Source, map[string]int, bool) {
	var text strings.Builder
	sources := make([]Source, 0)
	supports := make(map[string]int)
	truncated := false
	seen := make(map[string]bool)

	for _, cand := range resp.Candidates {
		if cand.FinishReason == genai.FinishReasonMaxTokens {
			truncated = true
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
		if cand.CitationMetadata != nil {
			for _, cs := range cand.CitationMetadata.CitationSources {
				if cs.URI == nil || *cs.URI == "" {
					continue
				}
				supports[*cs.URI]++
				if !seen[*cs.URI] {
					seen[*cs.URI] = true
					sources = append(sources, Source{URL: *cs.URI})
				}
			}
		}
	}
	return text.String(), sources, supports, truncated
}

// Run executes one atomic grounded research generation.
func (g *Gemini) Run(ctx context.Context, prompt string, opts RunOptions) (*RunOutput, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	model := g.client.GenerativeModel(g.cfg.ResearchModel)
	model.SetTemperature(0.2)
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}
	model.Tools = []*genai.Tool{{GoogleSearchRetrieval: &genai.GoogleSearchRetrieval{}}}

	started := time.Now()
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	metrics.ProviderCallDuration.WithLabelValues(geminiName, "run").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(geminiName, "run", "error").Inc()
		return nil, classifyGenaiError(err)
	}
	metrics.ProviderCalls.WithLabelValues(geminiName, "run", "ok").Inc()

	text, sources, _, _ := flatten(resp)
	if strings.TrimSpace(text) == "" {
		return nil, &Error{Provider: geminiName, Code: "empty_output", Class: ClassPermanent,
			Err: fmt.Errorf("model returned no text")}
	}
	return &RunOutput{Text: text, Sources: sources}, nil
}

// GroundedSearch executes one bounded scout sub-call for the fan-out engine.
func (g *Gemini) GroundedSearch(ctx context.Context, query string, maxTokens int) (*ScoutResult, error) {
	model := g.client.GenerativeModel(g.cfg.UtilityModel)
	model.SetTemperature(0.3)
	if maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens))
	}
	model.Tools = []*genai.Tool{{GoogleSearchRetrieval: &genai.GoogleSearchRetrieval{}}}

	resp, err := model.GenerateContent(ctx, genai.Text(query))
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(geminiName, "scout", "error").Inc()
		return nil, classifyGenaiError(err)
	}
	metrics.ProviderCalls.WithLabelValues(geminiName, "scout", "ok").Inc()

	text, sources, supports, truncated := flatten(resp)
	return &ScoutResult{
		Text:          text,
		Citations:     sources,
		SupportCounts: supports,
		Truncated:     truncated,
	}, nil
}

// Complete executes one bounded non-grounded call.
func (g *Gemini) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := g.client.GenerativeModel(g.cfg.UtilityModel)
	model.SetTemperature(0.2)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(geminiName, "complete", "error").Inc()
		return nil, classifyGenaiError(err)
	}
	metrics.ProviderCalls.WithLabelValues(geminiName, "complete", "ok").Inc()

	text, _, _, truncated := flatten(resp)
	return &Completion{Text: text, Truncated: truncated}, nil
}

// StartRefinement asks for clarifying questions, one per line.
func (g *Gemini) StartRefinement(ctx context.Context, topic string) ([]string, error) {
	c, err := g.Complete(ctx, CompletionRequest{
		System: "You help scope research topics. Ask up to five short clarifying questions, one per line, no numbering.",
		Prompt: fmt.Sprintf("Research topic: %s", topic),
	})
	if err != nil {
		return nil, err
	}
	return splitQuestions(c.Text), nil
}

// RewritePrompt folds clarification answers into a refined research prompt.
func (g *Gemini) RewritePrompt(ctx context.Context, topic, draft string, clarifications map[string]string) (string, error) {
	c, err := g.Complete(ctx, CompletionRequest{
		System: "Rewrite the research topic into a precise, self-contained research prompt. Output only the prompt.",
		Prompt: refinementPrompt(topic, draft, clarifications),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(c.Text), nil
}
