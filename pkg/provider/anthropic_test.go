package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/chat"
)

func anthropicServer(t *testing.T, handler func(w http.ResponseWriter, req anthropicRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.Equal(t, DefaultAnthropicVersion, r.Header.Get("anthropic-version"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicPayloadKeepsSystemOutOfMessages(t *testing.T) {
	p := anthropicPayload(Call{
		Model:  "claude-3-opus-20240229",
		System: "be brief",
		Messages: []Message{
			{Role: chat.RoleSystem, Content: "earlier instruction"},
			{Role: chat.RoleUser, Content: "a"},
			{Role: chat.RoleUser, Content: "b"},
			{Role: chat.RoleAssistant, Content: "c"},
		},
		MaxOutputTokens: 10,
	}, false)

	require.Equal(t, "be brief\n\nearlier instruction", p.System)
	require.Equal(t, []anthropicMessage{
		{Role: "user", Content: "a\n\nb"},
		{Role: "assistant", Content: "c"},
	}, p.Messages)
	for _, m := range p.Messages {
		require.NotEqual(t, "system", m.Role)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	srv := anthropicServer(t, func(w http.ResponseWriter, req anthropicRequest) {
		require.Equal(t, "sys", req.System)
		require.False(t, req.Stream)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"stop_reason":"max_tokens","usage":{"input_tokens":4,"output_tokens":3}}`)
	})
	f := NewAnthropicFamily("test-key", WithAnthropicBaseURL(srv.URL))

	res, err := f.Generate(context.Background(), Call{Model: "m", System: "sys", Messages: []Message{{Role: chat.RoleUser, Content: "hi"}}, MaxOutputTokens: 10})
	require.NoError(t, err)
	require.Equal(t, "hello world", res.Text)
	require.Equal(t, ReasonLength, res.Reason)
	require.Equal(t, 7, res.Usage.Total())
}

func TestAnthropicStream(t *testing.T) {
	srv := anthropicServer(t, func(w http.ResponseWriter, req anthropicRequest) {
		require.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"ping", `{"type":"ping"}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data)
		}
	})
	f := NewAnthropicFamily("test-key", WithAnthropicBaseURL(srv.URL))

	s, err := f.GenerateStream(context.Background(), Call{Model: "m", Messages: []Message{{Role: chat.RoleUser, Content: "hi"}}, MaxOutputTokens: 10})
	require.NoError(t, err)
	chunks := collect(t, s)
	require.NoError(t, s.Close())

	require.Len(t, chunks, 3)
	require.Equal(t, "Hi", chunks[0].Delta)
	require.Equal(t, " there", chunks[1].Delta)
	require.Equal(t, ReasonStop, chunks[2].Reason)
	require.Equal(t, 12, chunks[2].Usage.PromptTokens)
	require.Equal(t, 5, chunks[2].Usage.CompletionTokens)
	require.Equal(t, 17, chunks[2].Usage.TotalTokens)
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	srv := anthropicServer(t, func(w http.ResponseWriter, _ anthropicRequest) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"par\"}}\n\n")
		_, _ = fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})
	f := NewAnthropicFamily("test-key", WithAnthropicBaseURL(srv.URL))

	s, err := f.GenerateStream(context.Background(), Call{Model: "m", Messages: []Message{{Role: chat.RoleUser, Content: "hi"}}, MaxOutputTokens: 10})
	require.NoError(t, err)
	guarded := newTerminalGuard(s, "claude-3-opus")
	chunks := collect(t, guarded)
	require.Len(t, chunks, 2)
	require.Equal(t, "par", chunks[0].Delta)
	require.Equal(t, ReasonError, chunks[1].Reason)
	apiErr, ok := chunks[1].Err.(*APIError)
	require.True(t, ok)
	require.Equal(t, "overloaded_error", apiErr.Type)
}

func TestAnthropicStatusErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`)
	}))
	defer srv.Close()
	f := NewAnthropicFamily("k", WithAnthropicBaseURL(srv.URL))

	_, err := f.Generate(context.Background(), Call{Model: "m"})
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	require.Equal(t, "invalid_request_error", apiErr.Type)
	require.False(t, IsTransient(err))

	status = 529
	_, err = f.GenerateStream(context.Background(), Call{Model: "m"})
	require.True(t, IsTransient(err))
}
