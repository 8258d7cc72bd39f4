package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/models"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultAnthropicVersion = "2023-06-01"
)

// AnthropicFamily speaks the Messages API. The system prompt travels in the
// top-level system field and never inside the message list.
type AnthropicFamily struct {
	apiKey  string
	baseURL string
	version string
	client  *http.Client
}

var _ Family = &AnthropicFamily{}

type AnthropicOption func(*AnthropicFamily)

func WithAnthropicBaseURL(u string) AnthropicOption {
	return func(a *AnthropicFamily) {
		if u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithAnthropicVersion(v string) AnthropicOption {
	return func(a *AnthropicFamily) {
		if v != "" {
			a.version = v
		}
	}
}

func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(a *AnthropicFamily) { a.client = c }
}

func NewAnthropicFamily(apiKey string, opts ...AnthropicOption) *AnthropicFamily {
	a := &AnthropicFamily{
		apiKey:  apiKey,
		baseURL: DefaultAnthropicBaseURL,
		version: DefaultAnthropicVersion,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *AnthropicFamily) Name() models.Family {
	return models.FamilyAnthropic
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicPayload folds history system turns into the system field and
// merges consecutive turns of the same role, which the API rejects.
func anthropicPayload(call Call, stream bool) anthropicRequest {
	systemParts := []string{}
	if call.System != "" {
		systemParts = append(systemParts, call.System)
	}
	msgs := make([]anthropicMessage, 0, len(call.Messages))
	for _, m := range call.Messages {
		if m.Role == chat.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		role := "user"
		if m.Role == chat.RoleAssistant {
			role = "assistant"
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: m.Content})
	}
	return anthropicRequest{
		Model:       call.Model,
		System:      strings.Join(systemParts, "\n\n"),
		Messages:    msgs,
		MaxTokens:   call.MaxOutputTokens,
		Temperature: call.Temperature,
		Stream:      stream,
	}
}

func anthropicReason(stop string) Reason {
	switch stop {
	case "end_turn", "stop_sequence":
		return ReasonStop
	case "max_tokens":
		return ReasonLength
	case "":
		return ReasonNone
	default:
		return ReasonStop
	}
}

func (a *AnthropicFamily) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal anthropic request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build anthropic request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", a.version)
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic request")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, anthropicStatusError(resp)
	}
	return resp, nil
}

func anthropicStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Family: models.FamilyAnthropic, StatusCode: resp.StatusCode}
	var body anthropicErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		apiErr.Type = body.Error.Type
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func (a *AnthropicFamily) Generate(ctx context.Context, call Call) (Result, error) {
	resp, err := a.post(ctx, anthropicPayload(call, false))
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, errors.Wrap(err, "decode anthropic response")
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return Result{
		Text:   text.String(),
		Reason: anthropicReason(out.StopReason),
		Usage: chat.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicFamily) GenerateStream(ctx context.Context, call Call) (Stream, error) {
	resp, err := a.post(ctx, anthropicPayload(call, true))
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &anthropicStream{body: resp.Body, scanner: sc}, nil
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStream reads server-sent events. Only the data lines are needed:
// every payload carries its own type field.
type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	usage  chat.Usage
	reason Reason
	done   bool
}

func (s *anthropicStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return Chunk{}, errors.Wrap(err, "decode anthropic event")
		}
		switch ev.Type {
		case "message_start":
			s.usage.PromptTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return Chunk{Kind: ChunkDelta, Delta: ev.Delta.Text}, nil
			}
		case "message_delta":
			s.reason = anthropicReason(ev.Delta.StopReason)
			s.usage.CompletionTokens = ev.Usage.OutputTokens
		case "message_stop":
			s.done = true
			s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
			usage := s.usage
			reason := s.reason
			if reason == ReasonNone {
				reason = ReasonStop
			}
			return Chunk{Kind: ChunkTerminal, Reason: reason, Usage: &usage}, nil
		case "error":
			s.done = true
			return Chunk{}, &APIError{
				Family:     models.FamilyAnthropic,
				StatusCode: http.StatusOK,
				Type:       ev.Error.Type,
				Message:    ev.Error.Message,
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, errors.Wrap(err, "read anthropic stream")
	}
	return Chunk{}, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.body.Close()
}
