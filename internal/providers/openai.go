package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veldt-labs/deepresearch/internal/metrics"
)

const openaiName = "openai"

// HTTPDoer abstracts the HTTP client so a circuit breaker wrapper can stand
// in for it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAIConfig configures the OpenAI-style deep-research adapter.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	ResearchModel  string
	UtilityModel   string
	RequestTimeout time.Duration
	// HTTPClient overrides the default client, typically with a
	// breaker-wrapped one.
	HTTPClient HTTPDoer
}

// OpenAI is the asynchronous deep-research adapter: research executions run
// in background mode on the provider side and are observed through
// start/poll/resume keyed by the provider's response id.
type OpenAI struct {
	cfg    OpenAIConfig
	client HTTPDoer
	logger *zap.Logger
}

// NewOpenAI creates the adapter.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.ResearchModel == "" {
		cfg.ResearchModel = "o4-mini-deep-research"
	}
	if cfg.UtilityModel == "" {
		cfg.UtilityModel = "gpt-4.1-mini"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &OpenAI{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// Name returns the provider identifier.
func (o *OpenAI) Name() string { return openaiName }

// Wire types for the responses API. Only the fields the engine consumes are
// declared; unknown fields are dropped at this boundary by design.

type openaiRequest struct {
	Model           string           `json:"model"`
	Input           string           `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	Background      bool             `json:"background,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Tools           []openaiTool     `json:"tools,omitempty"`
	Reasoning       *openaiReasoning `json:"reasoning,omitempty"`
}

type openaiTool struct {
	Type string `json:"type"`
}

type openaiReasoning struct {
	Effort string `json:"effort"`
}

type openaiResponse struct {
	ID               string             `json:"id"`
	Status           string             `json:"status"`
	IncompleteDetail *openaiIncomplete  `json:"incomplete_details"`
	Error            *openaiError       `json:"error"`
	Output           []openaiOutputItem `json:"output"`
}

type openaiIncomplete struct {
	Reason string `json:"reason"`
}

type openaiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type openaiOutputItem struct {
	Type    string          `json:"type"`
	Content []openaiContent `json:"content"`
}

type openaiContent struct {
	Type        string             `json:"type"`
	Text        string             `json:"text"`
	Annotations []openaiAnnotation `json:"annotations"`
}

type openaiAnnotation struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (o *OpenAI) do(ctx context.Context, method, path string, payload interface{}) (*openaiResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal openai request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: openaiName, Code: "network", Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: openaiName, Code: "read_body", Class: ClassTransient, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(openaiName, resp, string(raw))
	}

	var parsed openaiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Provider: openaiName, Code: "malformed_response", Class: ClassPermanent,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return &parsed, nil
}

// outputOf flattens the message output into text plus url_citation sources.
func outputOf(resp *openaiResponse) *RunOutput {
	var text strings.Builder
	seen := make(map[string]bool)
	var sources []Source
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type != "output_text" {
				continue
			}
			text.WriteString(c.Text)
			for _, a := range c.Annotations {
				if a.Type != "url_citation" || a.URL == "" || seen[a.URL] {
					continue
				}
				seen[a.URL] = true
				sources = append(sources, Source{URL: a.URL, Title: a.Title})
			}
		}
	}
	return &RunOutput{Text: text.String(), Sources: sources}
}

// Start submits a background deep-research run and returns the opaque
// response id used for polling.
func (o *OpenAI) Start(ctx context.Context, prompt string, opts RunOptions) (string, error) {
	started := time.Now()
	req := openaiRequest{
		Model:      o.cfg.ResearchModel,
		Input:      prompt,
		Background: true,
		Tools:      []openaiTool{{Type: "web_search_preview"}},
	}
	if opts.ReasoningLevel != "" {
		req.Reasoning = &openaiReasoning{Effort: opts.ReasoningLevel}
	}
	if opts.MaxTokens > 0 {
		req.MaxOutputTokens = opts.MaxTokens
	}

	resp, err := o.do(ctx, http.MethodPost, "/v1/responses", req)
	metrics.ProviderCallDuration.WithLabelValues(openaiName, "start").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(openaiName, "start", "error").Inc()
		return "", err
	}
	metrics.ProviderCalls.WithLabelValues(openaiName, "start", "ok").Inc()

	if resp.ID == "" {
		return "", &Error{Provider: openaiName, Code: "malformed_response", Class: ClassPermanent,
			Err: fmt.Errorf("start returned no response id")}
	}
	o.logger.Info("Started background research run",
		zap.String("provider", openaiName),
		zap.String("external_id", resp.ID),
		zap.String("status", resp.Status),
	)
	return resp.ID, nil
}

// Poll observes a background run.
func (o *OpenAI) Poll(ctx context.Context, externalID string) (*PollStatus, error) {
	resp, err := o.do(ctx, http.MethodGet, "/v1/responses/"+externalID, nil)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(openaiName, "poll", "error").Inc()
		return nil, err
	}
	metrics.ProviderCalls.WithLabelValues(openaiName, "poll", "ok").Inc()

	switch resp.Status {
	case "queued":
		return &PollStatus{State: PollQueued}, nil
	case "in_progress":
		return &PollStatus{State: PollInProgress}, nil
	case "completed":
		return &PollStatus{State: PollCompleted, Output: outputOf(resp)}, nil
	case "failed", "cancelled", "expired":
		msg := resp.Status
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return &PollStatus{State: PollFailed, Error: msg}, nil
	case "incomplete":
		reason := "incomplete"
		if resp.IncompleteDetail != nil {
			reason = resp.IncompleteDetail.Reason
		}
		// Length-capped output is still usable material.
		return &PollStatus{State: PollCompleted, Output: outputOf(resp), Error: reason}, nil
	default:
		return nil, &Error{Provider: openaiName, Code: "unknown_status", Class: ClassPermanent,
			Err: fmt.Errorf("unrecognized response status %q", resp.Status)}
	}
}

// Resume cancels the interrupted background run server-side and returns its
// id so the caller can restart cleanly. The responses API cannot resurrect a
// dead run in place; callers treat the returned id as a replacement handle.
func (o *OpenAI) Resume(ctx context.Context, externalID string) (string, error) {
	resp, err := o.do(ctx, http.MethodPost, "/v1/responses/"+externalID+"/cancel", nil)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Complete executes one bounded non-background call.
func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	resp, err := o.do(ctx, http.MethodPost, "/v1/responses", openaiRequest{
		Model:           o.cfg.UtilityModel,
		Input:           req.Prompt,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
	})
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(openaiName, "complete", "error").Inc()
		return nil, err
	}
	metrics.ProviderCalls.WithLabelValues(openaiName, "complete", "ok").Inc()

	out := outputOf(resp)
	truncated := resp.Status == "incomplete" &&
		resp.IncompleteDetail != nil && resp.IncompleteDetail.Reason == "max_output_tokens"
	return &Completion{Text: out.Text, Truncated: truncated}, nil
}

// StartRefinement asks for clarifying questions, one per line.
func (o *OpenAI) StartRefinement(ctx context.Context, topic string) ([]string, error) {
	c, err := o.Complete(ctx, CompletionRequest{
		System: "You help scope research topics. Ask up to five short clarifying questions, one per line, no numbering.",
		Prompt: fmt.Sprintf("Research topic: %s", topic),
	})
	if err != nil {
		return nil, err
	}
	return splitQuestions(c.Text), nil
}

// RewritePrompt folds clarification answers into a refined research prompt.
func (o *OpenAI) RewritePrompt(ctx context.Context, topic, draft string, clarifications map[string]string) (string, error) {
	c, err := o.Complete(ctx, CompletionRequest{
		System: "Rewrite the research topic into a precise, self-contained research prompt. Output only the prompt.",
		Prompt: refinementPrompt(topic, draft, clarifications),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(c.Text), nil
}

func splitQuestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func refinementPrompt(topic, draft string, clarifications map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if draft != "" {
		fmt.Fprintf(&b, "Current draft prompt: %s\n", draft)
	}
	if len(clarifications) > 0 {
		b.WriteString("Clarifications:\n")
		for q, a := range clarifications {
			fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", q, a)
		}
	}
	return b.String()
}
