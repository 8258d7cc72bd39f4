package webchat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/models"
	"github.com/go-go-golems/switchboard/pkg/persistence/chatstore"
	"github.com/go-go-golems/switchboard/pkg/provider"
	"github.com/go-go-golems/switchboard/pkg/ratelimit"
)

// Generator is the provider surface the chat service needs.
type Generator interface {
	StreamGenerator
	Generate(ctx context.Context, req provider.Request) (provider.Result, error)
	GenerateTitle(ctx context.Context, seed string) string
}

type ChatServiceConfig struct {
	// BaseCtx outlives individual requests; stream runs and title generation
	// use it so client disconnects do not cancel them.
	BaseCtx  context.Context
	Store    chatstore.Store
	Gen      Generator
	Catalog  *models.Catalog
	Admitter *ratelimit.Admitter
	Sink     FrameSink

	Temperature     float32
	MaxOutputTokens int
	// StreamTimeout bounds a single stream run. Zero means no bound.
	StreamTimeout time.Duration
}

// ChatService runs the send and stream flows: admission, ownership, turn
// persistence, generation and delivery.
type ChatService struct {
	baseCtx  context.Context
	store    chatstore.Store
	gen      Generator
	catalog  *models.Catalog
	admitter *ratelimit.Admitter
	sink     FrameSink
	coord    *StreamCoordinator

	temperature     float32
	maxOutputTokens int
	streamTimeout   time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightStream
	closing  bool
	bg       sync.WaitGroup
}

type inflightStream struct {
	identity string
	cancel   *CancelFlag
}

func NewChatService(cfg ChatServiceConfig) (*ChatService, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("chat service base context is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("chat service store is nil")
	}
	if cfg.Gen == nil {
		return nil, errors.New("chat service generator is nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("chat service frame sink is nil")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = models.Builtin()
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = provider.DefaultMaxOutputTokens
	}
	return &ChatService{
		baseCtx:         cfg.BaseCtx,
		store:           cfg.Store,
		gen:             cfg.Gen,
		catalog:         cfg.Catalog,
		admitter:        cfg.Admitter,
		sink:            cfg.Sink,
		coord:           NewStreamCoordinator(cfg.Gen, cfg.Sink),
		temperature:     cfg.Temperature,
		maxOutputTokens: cfg.MaxOutputTokens,
		streamTimeout:   cfg.StreamTimeout,
		inflight:        map[string]*inflightStream{},
	}, nil
}

// Caller identifies who performs an operation. Origin is the network
// address used for origin-keyed admission and may be empty.
type Caller struct {
	Identity string
	Origin   string
}

func (s *ChatService) admit(ctx context.Context, cat ratelimit.Category, c Caller) error {
	if s.admitter == nil {
		return nil
	}
	return s.admitter.Check(ctx, cat, ratelimit.Origin(c.Origin), ratelimit.Identity(c.Identity))
}

func (s *ChatService) ownedConversation(ctx context.Context, identity, convID string) (chat.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if conv.OwnerID != identity {
		return chat.Conversation{}, errors.Wrap(ErrNotOwner, convID)
	}
	return conv, nil
}

func (s *ChatService) sendFrame(identity string, f Frame) {
	b, err := f.Marshal()
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Msg("frame encode failed")
		return
	}
	s.sink.SendToUser(identity, b)
}

// Notify sends a notification frame to every channel of identity.
func (s *ChatService) Notify(identity string, data any) int {
	b, err := NotificationFrame(data).Marshal()
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Msg("frame encode failed")
		return 0
	}
	return s.sink.SendToUser(identity, b)
}

// Announce broadcasts a system frame to every live channel.
func (s *ChatService) Announce(data any) int {
	b, err := SystemFrame(data).Marshal()
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Msg("frame encode failed")
		return 0
	}
	return s.sink.Broadcast(b)
}

func (s *ChatService) SendTyping(identity, convID string, isTyping bool) {
	s.sendFrame(identity, typingFrame(convID, isTyping))
}

type CreateConversationInput struct {
	Caller
	Title        string
	Model        string
	SystemPrompt string
}

func (s *ChatService) CreateConversation(ctx context.Context, in CreateConversationInput) (chat.Conversation, error) {
	if err := s.admit(ctx, ratelimit.CategoryGeneral, in.Caller); err != nil {
		return chat.Conversation{}, err
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = s.catalog.Default()
	}
	if _, ok := s.catalog.Lookup(model); !ok {
		return chat.Conversation{}, errors.Wrapf(provider.ErrUnknownModel, "%q", model)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = chat.DefaultTitle
	}
	return s.store.CreateConversation(ctx, chat.Conversation{
		ID:           uuid.NewString(),
		OwnerID:      in.Identity,
		Title:        title,
		Model:        model,
		SystemPrompt: in.SystemPrompt,
	})
}

// appendUserTurn persists the prompt and returns the history including it.
func (s *ChatService) appendUserTurn(ctx context.Context, conv chat.Conversation, text string) (chat.Turn, []chat.Turn, error) {
	history, err := s.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return chat.Turn{}, nil, err
	}
	turn := chat.Turn{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           chat.RoleUser,
		Text:           text,
	}
	if n := len(history); n > 0 {
		turn.ParentID = history[n-1].ID
	}
	turn, err = s.store.AppendTurn(ctx, turn)
	if err != nil {
		return chat.Turn{}, nil, errors.Wrap(err, "persist user turn")
	}
	return turn, append(history, turn), nil
}

func (s *ChatService) request(conv chat.Conversation, model string, history []chat.Turn, stream bool) provider.Request {
	return provider.Request{
		Turns:           history,
		Model:           model,
		System:          conv.SystemPrompt,
		Temperature:     s.temperature,
		MaxOutputTokens: s.maxOutputTokens,
		Stream:          stream,
	}
}

type SendMessageInput struct {
	Caller
	ConversationID string
	Content        string
	// Model overrides the conversation model when set.
	Model string
}

type SendMessageResult struct {
	UserTurn      chat.Turn
	AssistantTurn chat.Turn
	Degraded      bool
}

// SendMessage runs a non-streaming exchange. Degraded provider results are
// persisted and delivered like any other reply.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageResult, error) {
	if err := s.admit(ctx, ratelimit.CategoryChat, in.Caller); err != nil {
		return SendMessageResult{}, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return SendMessageResult{}, ErrEmptyPrompt
	}
	conv, err := s.ownedConversation(ctx, in.Identity, in.ConversationID)
	if err != nil {
		return SendMessageResult{}, err
	}
	model := conv.Model
	if in.Model != "" {
		model = in.Model
	}
	if _, ok := s.catalog.Lookup(model); !ok {
		return SendMessageResult{}, errors.Wrapf(provider.ErrUnknownModel, "%q", model)
	}

	userTurn, history, err := s.appendUserTurn(ctx, conv, content)
	if err != nil {
		return SendMessageResult{}, err
	}
	s.sendFrame(in.Identity, Frame{
		Type:           FrameChatMessage,
		ConversationID: conv.ID,
		MessageID:      userTurn.ID,
		Data:           map[string]any{"kind": "user_message", "turn": userTurn},
	})

	s.SendTyping(in.Identity, conv.ID, true)
	res, err := s.gen.Generate(ctx, s.request(conv, model, history, false))
	s.SendTyping(in.Identity, conv.ID, false)
	if err != nil {
		return SendMessageResult{UserTurn: userTurn}, err
	}

	aiTurn, err := s.store.AppendTurn(ctx, chat.Turn{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           chat.RoleAssistant,
		Text:           res.Text,
		ParentID:       userTurn.ID,
		Model:          res.Model,
		TokensUsed:     res.Usage.Total(),
	})
	if err != nil {
		return SendMessageResult{UserTurn: userTurn}, errors.Wrap(err, "persist assistant turn")
	}
	s.sendFrame(in.Identity, Frame{
		Type:           FrameChatMessage,
		ConversationID: conv.ID,
		MessageID:      aiTurn.ID,
		Data:           map[string]any{"kind": "ai_message", "turn": aiTurn, "degraded": res.Degraded},
	})

	s.maybeGenerateTitle(in.Identity, conv, history, content)
	return SendMessageResult{UserTurn: userTurn, AssistantTurn: aiTurn, Degraded: res.Degraded}, nil
}

type StreamMessageInput struct {
	Caller
	ConversationID string
	Prompt         string
	// Model falls back to the default model when unknown.
	Model string
}

// StreamTask is a stream run started in the background.
type StreamTask struct {
	MessageID string
	done      chan struct{}
	outcome   StreamOutcome
}

// Wait blocks until the run reached a terminal state.
func (t *StreamTask) Wait() StreamOutcome {
	<-t.done
	return t.outcome
}

func (t *StreamTask) Done() <-chan struct{} {
	return t.done
}

// StreamMessage admits and persists the prompt, then streams the reply in
// the background under a fresh message id. The assistant turn is persisted
// only when the stream completes.
func (s *ChatService) StreamMessage(ctx context.Context, in StreamMessageInput) (*StreamTask, error) {
	if err := s.admit(ctx, ratelimit.CategoryChat, in.Caller); err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	conv, err := s.ownedConversation(ctx, in.Identity, in.ConversationID)
	if err != nil {
		return nil, err
	}
	modelID := in.Model
	if modelID == "" {
		modelID = conv.Model
	}
	spec, known := s.catalog.ResolveOrDefault(modelID)
	if !known {
		log.Info().Str("component", "webchat").Str("model", modelID).Str("fallback", spec.ID).Msg("unknown model, using default")
	}

	task := &StreamTask{MessageID: uuid.NewString(), done: make(chan struct{})}
	flag := &CancelFlag{}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.bg.Add(1)
	s.inflight[task.MessageID] = &inflightStream{identity: in.Identity, cancel: flag}
	s.mu.Unlock()
	started := false
	defer func() {
		if started {
			return
		}
		s.mu.Lock()
		delete(s.inflight, task.MessageID)
		s.mu.Unlock()
		s.bg.Done()
	}()

	userTurn, history, err := s.appendUserTurn(ctx, conv, prompt)
	if err != nil {
		return nil, err
	}

	run := StreamRun{
		Identity:       in.Identity,
		ConversationID: conv.ID,
		MessageID:      task.MessageID,
		Request:        s.request(conv, spec.ID, history, true),
		Cancel:         flag,
	}

	started = true
	go func() {
		defer s.bg.Done()
		defer close(task.done)
		defer func() {
			s.mu.Lock()
			delete(s.inflight, task.MessageID)
			s.mu.Unlock()
		}()

		runCtx := s.baseCtx
		if s.streamTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(s.baseCtx, s.streamTimeout)
			defer cancel()
		}
		out := s.coord.Run(runCtx, run)
		task.outcome = out
		if out.State != StateCompleted {
			return
		}

		_, err := s.store.AppendTurn(s.baseCtx, chat.Turn{
			ID:             task.MessageID,
			ConversationID: conv.ID,
			Role:           chat.RoleAssistant,
			Text:           out.Text,
			ParentID:       userTurn.ID,
			Model:          spec.ID,
			TokensUsed:     out.Usage.Total(),
		})
		if err != nil {
			log.Error().Err(err).Str("component", "webchat").Str("conv_id", conv.ID).Str("message_id", task.MessageID).Msg("persist streamed reply failed")
			return
		}
		s.maybeGenerateTitle(in.Identity, conv, history, prompt)
	}()
	return task, nil
}

// Cancel flags the in-flight stream messageID if identity owns it.
func (s *ChatService) Cancel(identity, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.inflight[messageID]
	if !ok || st.identity != identity {
		return false
	}
	st.cancel.Cancel()
	return true
}

// maybeGenerateTitle titles a conversation after its first exchange.
func (s *ChatService) maybeGenerateTitle(identity string, conv chat.Conversation, history []chat.Turn, seed string) {
	if conv.Title != chat.DefaultTitle || len(history) > 1 {
		return
	}
	// Called from a stream run that still holds its own bg slot.
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		title := s.gen.GenerateTitle(s.baseCtx, seed)
		if title == chat.DefaultTitle {
			return
		}
		if err := s.store.UpdateTitle(s.baseCtx, conv.ID, title); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", conv.ID).Msg("persist title failed")
			return
		}
		s.sendFrame(identity, Frame{
			Type:           FrameChatUpdate,
			ConversationID: conv.ID,
			Data:           map[string]any{"kind": "title_updated", "title": title},
		})
	}()
}

// Wait rejects new streams with ErrShuttingDown and blocks until background
// stream runs and title generation finished.
func (s *ChatService) Wait() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.bg.Wait()
}
