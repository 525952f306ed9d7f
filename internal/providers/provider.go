// Package providers defines the deep-research provider boundary and the two
// concrete adapters (an OpenAI-style asynchronous background runner and a
// Gemini-style single-call grounded runner). Provider payloads are parsed
// into tagged structs at this boundary; raw JSON never crosses it.
package providers

import (
	"context"
	"time"
)

// Source is one cited source extracted from provider output.
type Source struct {
	URL        string  `json:"url"`
	Title      string  `json:"title,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// RunOutput is the final material of one research execution.
type RunOutput struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

// RunOptions carries per-run knobs resolved from user settings.
type RunOptions struct {
	MaxSources     int
	ReasoningLevel string
	MaxTokens      int
	Timeout        time.Duration
}

// CompletionRequest is a bounded single LLM call used by pipeline steps.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completion is the parsed result of a bounded LLM call.
type Completion struct {
	Text string
	// Truncated is set when the provider stopped for length rather than
	// finishing naturally.
	Truncated bool
}

// Provider is the refinement surface every deep-research provider exposes.
type Provider interface {
	Name() string
	// StartRefinement asks the provider for clarifying questions on a topic.
	StartRefinement(ctx context.Context, topic string) ([]string, error)
	// RewritePrompt folds the clarification answers into a refined prompt.
	RewritePrompt(ctx context.Context, topic, draft string, clarifications map[string]string) (string, error)
	// Complete executes one bounded LLM call (pipeline step granularity).
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Runner is a provider whose research execution is one atomic call.
type Runner interface {
	Provider
	Run(ctx context.Context, prompt string, opts RunOptions) (*RunOutput, error)
}

// PollState is the externally observed state of an asynchronous run.
type PollState string

const (
	PollQueued     PollState = "queued"
	PollInProgress PollState = "in_progress"
	PollCompleted  PollState = "completed"
	PollFailed     PollState = "failed"
)

// PollStatus is one poll observation of an asynchronous run.
type PollStatus struct {
	State  PollState
	Output *RunOutput // set when State == PollCompleted
	Error  string     // set when State == PollFailed
}

// AsyncRunner is a provider whose research execution is a start/poll/resume
// triple keyed by an opaque external id. Resume restarts an interrupted run
// and returns the replacement external id.
type AsyncRunner interface {
	Provider
	Start(ctx context.Context, prompt string, opts RunOptions) (externalID string, err error)
	Poll(ctx context.Context, externalID string) (*PollStatus, error)
	Resume(ctx context.Context, externalID string) (string, error)
}

// Scout executes one bounded grounded web-search sub-call for the fan-out
// engine.
type Scout interface {
	GroundedSearch(ctx context.Context, query string, maxTokens int) (*ScoutResult, error)
}

// ScoutResult is the parsed result of one grounded sub-call.
type ScoutResult struct {
	Text      string
	Citations []Source
	// SupportCounts maps canonical-ish raw URLs to how many grounding
	// supports cited them in this sub-call.
	SupportCounts map[string]int
	Truncated     bool
}
