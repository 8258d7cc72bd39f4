package chatstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/chat"
)

// InMemoryStore keeps conversations in process memory.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]chat.Conversation
	turns map[string][]chat.Turn
	now   func() time.Time
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: map[string]chat.Conversation{},
		turns: map[string][]chat.Turn{},
		now:   time.Now,
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	if conv.ID == "" {
		return chat.Conversation{}, errors.New("in-memory chat store: conversation id is empty")
	}
	conv = normalizeConversation(conv, s.now().UnixMilli())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return chat.Conversation{}, errors.Errorf("in-memory chat store: conversation %s exists", conv.ID)
	}
	s.convs[conv.ID] = conv
	return conv, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, errors.Wrap(ErrConversationNotFound, id)
	}
	return conv, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, convID string) ([]chat.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[convID]; !ok {
		return nil, errors.Wrap(ErrConversationNotFound, convID)
	}
	return append([]chat.Turn(nil), s.turns[convID]...), nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return chat.Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[turn.ConversationID]
	if !ok {
		return chat.Turn{}, errors.Wrap(ErrConversationNotFound, turn.ConversationID)
	}
	now := s.now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], turn)
	conv.UpdatedAt = now
	s.convs[conv.ID] = conv
	return turn, nil
}

func (s *InMemoryStore) UpdateTitle(_ context.Context, convID string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return errors.Wrap(ErrConversationNotFound, convID)
	}
	conv.Title = title
	conv.UpdatedAt = s.now()
	s.convs[convID] = conv
	return nil
}
