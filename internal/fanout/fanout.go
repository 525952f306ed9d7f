// Package fanout implements the scout fan-out and consolidation algorithm:
// a query pack is split into bounded parallel grounded sub-calls, their
// citations are merged by canonical URL, and one themed narrative is
// synthesized from the completed findings. Correctness rule: no citation
// from a completed sub-call is ever silently dropped, even when the
// consolidation call itself fails.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/veldt-labs/deepresearch/internal/metrics"
	"github.com/veldt-labs/deepresearch/internal/providers"
)

// Config bounds one fan-out execution.
type Config struct {
	MaxSubcalls       int           // upper bound on scout sub-calls
	MaxParallel       int           // concurrent scouts
	RequestsPerMinute int           // token-bucket refill over a 60s window
	SubcallMaxTokens  int           // output cap per scout
	MaxRetries        int           // transient-error retries per scout
	TotalBudget       time.Duration // whole fan-out wall-clock budget
	MaxContinuations  int           // continuation passes for truncated synthesis
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxSubcalls:       30,
		MaxParallel:       6,
		RequestsPerMinute: 25,
		SubcallMaxTokens:  800,
		MaxRetries:        3,
		TotalBudget:       10 * time.Minute,
		MaxContinuations:  3,
	}
}

// Citation is one merged, ranked source.
type Citation struct {
	URL           string  `json:"url"`
	Title         string  `json:"title,omitempty"`
	SupportCount  int     `json:"support_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Result is the consolidated output of one fan-out execution.
type Result struct {
	Narrative  string
	Citations  []Citation
	Completed  int  // sub-calls that produced findings
	Attempted  int  // sub-calls issued
	FellBack   bool // consolidation failed, raw concatenation served
	Continued  int  // continuation passes used
}

// Engine executes fan-out/consolidation runs. One engine is shared per
// process; the limiter spans all concurrent executions so the provider-wide
// rate cap holds.
type Engine struct {
	scout     providers.Scout
	completer providers.Provider
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New creates an engine. completer performs the consolidation synthesis.
func New(scout providers.Scout, completer providers.Provider, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxSubcalls <= 0 {
		cfg.MaxSubcalls = 30
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 6
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 25
	}
	if cfg.SubcallMaxTokens <= 0 {
		cfg.SubcallMaxTokens = 800
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = 10 * time.Minute
	}
	if cfg.MaxContinuations <= 0 {
		cfg.MaxContinuations = 3
	}
	return &Engine{
		scout:     scout,
		completer: completer,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute),
		cfg:       cfg,
		logger:    logger,
	}
}

// SetRPM retunes the shared scout limiter in place. Rate-limit config
// reloads apply through here; waits already in progress pick up the new rate.
func (e *Engine) SetRPM(rpm int) {
	if rpm <= 0 {
		return
	}
	e.limiter.SetLimit(rate.Limit(float64(rpm) / 60.0))
	e.limiter.SetBurst(rpm)
}

type scoutFinding struct {
	query  string
	result *providers.ScoutResult
}

// Execute runs the fan-out for one query pack under the engine's budget:
// 80% of the budget for scouts, the remainder reserved for consolidation.
func (e *Engine) Execute(ctx context.Context, theme string, queries []string) (*Result, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("fanout: empty query pack")
	}
	if len(queries) > e.cfg.MaxSubcalls {
		queries = queries[:e.cfg.MaxSubcalls]
	}

	deadline := time.Now().Add(e.cfg.TotalBudget)
	scoutCtx, cancel := context.WithDeadline(ctx, time.Now().Add(e.cfg.TotalBudget*8/10))
	defer cancel()

	findings := e.runScouts(scoutCtx, queries)
	if len(findings) == 0 {
		return nil, fmt.Errorf("fanout: no sub-call produced findings for %q", theme)
	}

	citations := mergeCitations(findings)

	consolidationCtx, cancel2 := context.WithDeadline(ctx, deadline)
	defer cancel2()

	res := &Result{
		Citations: citations,
		Completed: len(findings),
		Attempted: len(queries),
	}

	narrative, continued, err := e.consolidate(consolidationCtx, theme, findings, citations)
	if err != nil {
		e.logger.Warn("Consolidation failed, serving raw concatenation fallback",
			zap.String("theme", theme),
			zap.Error(err),
		)
		metrics.FanoutFallbacks.Inc()
		res.Narrative = fallbackNarrative(theme, findings, citations)
		res.FellBack = true
		return res, nil
	}
	res.Narrative = withSourceList(narrative, citations)
	res.Continued = continued
	return res, nil
}

// runScouts issues the sub-calls with bounded parallelism and per-call
// transient retry. Failed scouts are dropped; their queries simply produce
// no findings.
func (e *Engine) runScouts(ctx context.Context, queries []string) []scoutFinding {
	var mu sync.Mutex
	var findings []scoutFinding

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)

	for _, q := range queries {
		q := q
		g.Go(func() error {
			result, err := e.scoutWithRetry(gctx, q)
			if err != nil {
				metrics.FanoutSubcalls.WithLabelValues("error").Inc()
				e.logger.Warn("Scout sub-call failed", zap.String("query", q), zap.Error(err))
				return nil // one dead scout never sinks the pack
			}
			metrics.FanoutSubcalls.WithLabelValues("ok").Inc()
			mu.Lock()
			findings = append(findings, scoutFinding{query: q, result: result})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Deterministic order for merging and synthesis.
	sort.Slice(findings, func(i, j int) bool { return findings[i].query < findings[j].query })
	return findings
}

func (e *Engine) scoutWithRetry(ctx context.Context, query string) (*providers.ScoutResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, err := e.scout.GroundedSearch(ctx, query, e.cfg.SubcallMaxTokens)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if providers.Classify(err) != providers.ClassTransient || attempt == e.cfg.MaxRetries {
			return nil, err
		}

		var retryAfter time.Duration
		var pe *providers.Error
		if errors.As(err, &pe) {
			retryAfter = pe.RetryAfter
		}
		metrics.FanoutRetries.Inc()
		select {
		case <-time.After(providers.Backoff(attempt, retryAfter)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// mergeCitations merges all sub-call citations by canonical URL and ranks
// them by (support_count desc, avg_confidence desc).
func mergeCitations(findings []scoutFinding) []Citation {
	type acc struct {
		citation  Citation
		confSum   float64
		confCount int
	}
	merged := make(map[string]*acc)

	for _, f := range findings {
		for _, c := range f.result.Citations {
			key := CanonicalURL(c.URL)
			a, ok := merged[key]
			if !ok {
				a = &acc{citation: Citation{URL: key, Title: c.Title}}
				merged[key] = a
			}
			if a.citation.Title == "" {
				a.citation.Title = c.Title
			}
			supports := 1
			if f.result.SupportCounts != nil {
				if n := f.result.SupportCounts[c.URL]; n > 0 {
					supports = n
				}
			}
			a.citation.SupportCount += supports
			if c.Confidence > 0 {
				a.confSum += c.Confidence
				a.confCount++
			}
		}
	}

	out := make([]Citation, 0, len(merged))
	for _, a := range merged {
		if a.confCount > 0 {
			a.citation.AvgConfidence = a.confSum / float64(a.confCount)
		}
		out = append(out, a.citation)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SupportCount != out[j].SupportCount {
			return out[i].SupportCount > out[j].SupportCount
		}
		if out[i].AvgConfidence != out[j].AvgConfidence {
			return out[i].AvgConfidence > out[j].AvgConfidence
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// consolidate synthesizes one narrative from the findings, issuing up to
// MaxContinuations follow-up passes when the output looks truncated.
func (e *Engine) consolidate(ctx context.Context, theme string, findings []scoutFinding, citations []Citation) (string, int, error) {
	prompt := consolidationPrompt(theme, findings, citations)
	c, err := e.completer.Complete(ctx, providers.CompletionRequest{
		System:    "You are consolidating research findings into one coherent, fully-cited section. Preserve every cited URL.",
		Prompt:    prompt,
		MaxTokens: 4096,
	})
	if err != nil {
		return "", 0, err
	}

	narrative := strings.TrimSpace(c.Text)
	continued := 0
	for (c.Truncated || !looksComplete(narrative)) && continued < e.cfg.MaxContinuations {
		if ctx.Err() != nil {
			break // budget exhausted, keep what we have
		}
		continued++
		metrics.FanoutContinuations.Inc()

		c, err = e.completer.Complete(ctx, providers.CompletionRequest{
			System:    "Continue the previous synthesis. Continue from the last sentence; do not repeat earlier content. Output only the continuation text.",
			Prompt:    "Previous excerpt:\n" + tail(narrative, 2000),
			MaxTokens: 2048,
		})
		if err != nil {
			break // partial narrative is still usable
		}
		narrative = strings.TrimRight(narrative, "\n") + "\n" + strings.TrimSpace(c.Text)
	}

	if strings.TrimSpace(narrative) == "" {
		return "", continued, fmt.Errorf("consolidation produced empty output")
	}
	return narrative, continued, nil
}

// looksComplete reports whether text ends in terminal punctuation, allowing
// a trailing closing quote, parenthesis or markdown emphasis.
func looksComplete(text string) bool {
	trimmed := strings.TrimRight(strings.TrimSpace(text), "*_)]\"'`")
	if trimmed == "" {
		return false
	}
	r := []rune(trimmed)
	switch r[len(r)-1] {
	case '.', '!', '?', ':', '。', '！', '？':
		return true
	}
	return false
}

func tail(s string, runes int) string {
	rs := []rune(s)
	if len(rs) <= runes {
		return s
	}
	return string(rs[len(rs)-runes:])
}

func consolidationPrompt(theme string, findings []scoutFinding, citations []Citation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n\nFindings from %d scout queries:\n\n", theme, len(findings))
	for _, f := range findings {
		fmt.Fprintf(&b, "## Query: %s\n%s\n\n", f.query, f.result.Text)
	}
	b.WriteString("All cited URLs (every one must appear in your output):\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "- %s\n", c.URL)
	}
	return b.String()
}

// withSourceList appends the ranked source list so that every merged URL is
// present in the output even if the synthesis prose omitted one.
func withSourceList(narrative string, citations []Citation) string {
	if len(citations) == 0 {
		return narrative
	}
	var b strings.Builder
	b.WriteString(narrative)
	b.WriteString("\n\n### Sources\n")
	for i, c := range citations {
		if c.Title != "" {
			fmt.Fprintf(&b, "%d. %s — %s\n", i+1, c.Title, c.URL)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c.URL)
		}
	}
	return b.String()
}

// fallbackNarrative concatenates raw sub-call text plus the flat source
// list. Prose quality is sacrificed; citations are not.
func fallbackNarrative(theme string, findings []scoutFinding, citations []Citation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", theme)
	for _, f := range findings {
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", f.query, strings.TrimSpace(f.result.Text))
	}
	return withSourceList(strings.TrimRight(b.String(), "\n"), citations)
}
