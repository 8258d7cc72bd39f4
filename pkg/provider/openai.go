package provider

import (
	"context"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/models"
)

// OpenAIFamily serves chat completion models. Messages are sent as one flat
// list with the system prompt as the leading entry.
type OpenAIFamily struct {
	client *openai.Client
}

var _ Family = &OpenAIFamily{}

// NewOpenAIFamily builds a client for apiKey. An empty baseURL uses the
// public endpoint.
func NewOpenAIFamily(apiKey, baseURL string) *OpenAIFamily {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIFamily{client: openai.NewClientWithConfig(cfg)}
}

func (o *OpenAIFamily) Name() models.Family {
	return models.FamilyOpenAI
}

func (o *OpenAIFamily) request(call Call, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(call.Messages)+1)
	if call.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: call.System})
	}
	for _, m := range call.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openAIRole(m.Role), Content: m.Content})
	}
	temp := call.Temperature
	if temp == 0 {
		// go-openai omits a zero temperature, which the API reads as 1.
		temp = math.SmallestNonzeroFloat32
	}
	req := openai.ChatCompletionRequest{
		Model:       call.Model,
		Messages:    msgs,
		Temperature: temp,
		MaxTokens:   call.MaxOutputTokens,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

func openAIRole(r chat.Role) string {
	switch r {
	case chat.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case chat.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func openAIReason(r openai.FinishReason) Reason {
	switch r {
	case openai.FinishReasonStop:
		return ReasonStop
	case openai.FinishReasonLength:
		return ReasonLength
	case "":
		return ReasonNone
	default:
		// content_filter and tool calls end the text stream normally.
		return ReasonStop
	}
}

func (o *OpenAIFamily) Generate(ctx context.Context, call Call) (Result, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.request(call, false))
	if err != nil {
		return Result{}, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, &APIError{Family: models.FamilyOpenAI, StatusCode: 502, Message: "empty choices"}
	}
	return Result{
		Text:   resp.Choices[0].Message.Content,
		Reason: openAIReason(resp.Choices[0].FinishReason),
		Usage: chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (o *OpenAIFamily) GenerateStream(ctx context.Context, call Call) (Stream, error) {
	s, err := o.client.CreateChatCompletionStream(ctx, o.request(call, true))
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	return &openAIStream{stream: s}, nil
}

func wrapOpenAIError(err error) error {
	if mapped := fromOpenAIError(err); mapped != nil {
		return mapped
	}
	return errors.Wrap(err, "openai")
}

// openAIStream holds back the finish reason until the trailing usage chunk
// has been read, so the terminal chunk carries usage.
type openAIStream struct {
	stream  *openai.ChatCompletionStream
	pending Reason
	usage   *chat.Usage
}

func (s *openAIStream) Recv() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			if s.pending != ReasonNone {
				r := s.pending
				s.pending = ReasonNone
				return Chunk{Kind: ChunkTerminal, Reason: r, Usage: s.usage}, nil
			}
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, wrapOpenAIError(err)
		}
		if resp.Usage != nil {
			s.usage = &chat.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if r := openAIReason(choice.FinishReason); r != ReasonNone {
			s.pending = r
		}
		if choice.Delta.Content != "" {
			return Chunk{Kind: ChunkDelta, Delta: choice.Delta.Content}, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
