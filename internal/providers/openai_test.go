package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "test-key"}, zap.NewNop())
}

func TestOpenAIStart(t *testing.T) {
	var gotBody openaiRequest
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/responses", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"id": "resp_123", "status": "queued"})
	})

	id, err := o.Start(context.Background(), "research prompt", RunOptions{ReasoningLevel: "high"})
	require.NoError(t, err)
	assert.Equal(t, "resp_123", id)
	assert.True(t, gotBody.Background)
	require.NotNil(t, gotBody.Reasoning)
	assert.Equal(t, "high", gotBody.Reasoning.Effort)
	require.Len(t, gotBody.Tools, 1)
	assert.Equal(t, "web_search_preview", gotBody.Tools[0].Type)
}

func TestOpenAIPollCompleted(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/responses/resp_123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "resp_123",
			"status": "completed",
			"output": []map[string]interface{}{
				{
					"type": "message",
					"content": []map[string]interface{}{
						{
							"type": "output_text",
							"text": "Battery supply is concentrated [1].",
							"annotations": []map[string]string{
								{"type": "url_citation", "url": "https://example.com/report", "title": "Report"},
								{"type": "url_citation", "url": "https://example.com/report", "title": "Report"},
							},
						},
					},
				},
			},
		})
	})

	st, err := o.Poll(context.Background(), "resp_123")
	require.NoError(t, err)
	assert.Equal(t, PollCompleted, st.State)
	require.NotNil(t, st.Output)
	assert.Contains(t, st.Output.Text, "concentrated")
	// Duplicate annotations collapse to one source.
	require.Len(t, st.Output.Sources, 1)
	assert.Equal(t, "https://example.com/report", st.Output.Sources[0].URL)
}

func TestOpenAIPollFailed(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "resp_123",
			"status": "failed",
			"error":  map[string]string{"code": "server_error", "message": "run died"},
		})
	})

	st, err := o.Poll(context.Background(), "resp_123")
	require.NoError(t, err)
	assert.Equal(t, PollFailed, st.State)
	assert.Equal(t, "run died", st.Error)
}

func TestOpenAIRateLimitClassified(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit"}}`))
	})

	_, err := o.Start(context.Background(), "p", RunOptions{})
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ClassTransient, pe.Class)
	assert.Equal(t, "rate_limited", pe.Code)
	assert.Equal(t, int64(12), int64(pe.RetryAfter.Seconds()))
}

func TestOpenAIUnknownStatusIsPermanent(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "resp_123", "status": "sideways"})
	})

	_, err := o.Poll(context.Background(), "resp_123")
	require.Error(t, err)
	assert.Equal(t, ClassPermanent, Classify(err))
}
