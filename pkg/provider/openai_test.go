package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/models"
)

func openAIServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body := map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGenerate(t *testing.T) {
	var seen map[string]any
	srv := openAIServer(t, func(w http.ResponseWriter, body map[string]any) {
		seen = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"length"}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`)
	})

	f := NewOpenAIFamily("test-key", srv.URL+"/v1")
	res, err := f.Generate(context.Background(), Call{
		Model:           "gpt-4",
		System:          "be brief",
		Messages:        []Message{{Role: chat.RoleUser, Content: "hello"}, {Role: chat.RoleAssistant, Content: "hey"}, {Role: chat.RoleUser, Content: "again"}},
		Temperature:     0.5,
		MaxOutputTokens: 100,
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", res.Text)
	require.Equal(t, ReasonLength, res.Reason)
	require.Equal(t, 9, res.Usage.Total())

	msgs := seen["messages"].([]any)
	require.Len(t, msgs, 4)
	first := msgs[0].(map[string]any)
	require.Equal(t, "system", first["role"])
	require.Equal(t, "be brief", first["content"])
	require.Equal(t, "assistant", msgs[2].(map[string]any)["role"])
	require.Equal(t, "gpt-4", seen["model"])
}

func TestOpenAIZeroTemperatureIsSent(t *testing.T) {
	var seen map[string]any
	srv := openAIServer(t, func(w http.ResponseWriter, body map[string]any) {
		seen = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	})

	f := NewOpenAIFamily("test-key", srv.URL+"/v1")
	_, err := f.Generate(context.Background(), Call{
		Model:           "gpt-4",
		Messages:        []Message{{Role: chat.RoleUser, Content: "hello"}},
		Temperature:     0,
		MaxOutputTokens: 10,
	})
	require.NoError(t, err)
	temp, ok := seen["temperature"]
	require.True(t, ok, "temperature must not be omitted")
	require.InDelta(t, 0, temp.(float64), 1e-6)
}

func TestOpenAIStream(t *testing.T) {
	srv := openAIServer(t, func(w http.ResponseWriter, body map[string]any) {
		require.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	f := NewOpenAIFamily("test-key", srv.URL+"/v1")
	s, err := f.GenerateStream(context.Background(), Call{Model: "gpt-4", Messages: []Message{{Role: chat.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	chunks := collect(t, s)
	require.NoError(t, s.Close())

	require.Len(t, chunks, 3)
	require.Equal(t, "Hel", chunks[0].Delta)
	require.Equal(t, "lo", chunks[1].Delta)
	require.True(t, chunks[2].Terminal())
	require.Equal(t, ReasonStop, chunks[2].Reason)
	require.NotNil(t, chunks[2].Usage)
	require.Equal(t, 7, chunks[2].Usage.TotalTokens)
}

func TestOpenAIErrorsAreClassified(t *testing.T) {
	status := http.StatusUnauthorized
	srv := openAIServer(t, func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
	})
	f := NewOpenAIFamily("test-key", srv.URL+"/v1")

	_, err := f.Generate(context.Background(), Call{Model: "gpt-4", Messages: []Message{{Role: chat.RoleUser, Content: "hi"}}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, models.FamilyOpenAI, apiErr.Family)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.False(t, IsTransient(err))

	status = http.StatusServiceUnavailable
	_, err = f.GenerateStream(context.Background(), Call{Model: "gpt-4", Messages: []Message{{Role: chat.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	require.True(t, IsTransient(err))
}
