// Package chatstore persists conversations and their turns.
package chatstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/chat"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Store supplies ordered turns by conversation id and accepts appended turns.
// Turns are never modified once appended.
type Store interface {
	CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	// ListTurns returns the turns of a conversation ordered by creation.
	ListTurns(ctx context.Context, convID string) ([]chat.Turn, error)
	// AppendTurn stores turn and bumps the conversation's updated time.
	AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error)
	UpdateTitle(ctx context.Context, convID string, title string) error
	Close() error
}

func normalizeConversation(conv chat.Conversation, now int64) chat.Conversation {
	if conv.Title == "" {
		conv.Title = chat.DefaultTitle
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = timeFromMs(now)
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	return conv
}

func validateTurn(turn chat.Turn) error {
	if turn.ConversationID == "" {
		return errors.New("chatstore: turn without conversation id")
	}
	if turn.ID == "" {
		return errors.New("chatstore: turn without id")
	}
	if !turn.Role.Valid() {
		return errors.Errorf("chatstore: invalid role %q", turn.Role)
	}
	return nil
}
