package chatstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/chat"
)

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, chat.Conversation{ID: "conv-1", OwnerID: "u1", Model: "alpha-origin"})
	require.NoError(t, err)
	require.Equal(t, chat.DefaultTitle, conv.Title)

	_, err = s.CreateConversation(ctx, chat.Conversation{ID: "conv-1", OwnerID: "u2"})
	require.Error(t, err)

	_, err = s.GetConversation(ctx, "missing")
	require.True(t, errors.Is(err, ErrConversationNotFound))

	ts := time.UnixMilli(1_700_000_000_000)
	_, err = s.AppendTurn(ctx, chat.Turn{ID: "t1", ConversationID: "conv-1", Role: chat.RoleUser, Text: "hello", CreatedAt: ts})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, chat.Turn{ID: "t2", ConversationID: "conv-1", Role: chat.RoleAssistant, Text: "hi", ParentID: "t1", Model: "alpha-origin", TokensUsed: 12, CreatedAt: ts})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, chat.Turn{ID: "t3", ConversationID: "conv-1", Role: chat.RoleUser, Text: "again", CreatedAt: ts})
	require.NoError(t, err)

	turns, err := s.ListTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, []string{"t1", "t2", "t3"}, []string{turns[0].ID, turns[1].ID, turns[2].ID})
	require.Equal(t, 12, turns[1].TokensUsed)
	require.Equal(t, "t1", turns[1].ParentID)
	require.Equal(t, chat.RoleAssistant, turns[1].Role)

	_, err = s.AppendTurn(ctx, chat.Turn{ID: "t4", ConversationID: "missing", Role: chat.RoleUser, Text: "x"})
	require.True(t, errors.Is(err, ErrConversationNotFound))
	_, err = s.AppendTurn(ctx, chat.Turn{ID: "t5", ConversationID: "conv-1", Role: "robot", Text: "x"})
	require.Error(t, err)

	require.NoError(t, s.UpdateTitle(ctx, "conv-1", "Greetings"))
	conv, err = s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "Greetings", conv.Title)
	require.Equal(t, "u1", conv.OwnerID)
	require.True(t, errors.Is(s.UpdateTitle(ctx, "missing", "x"), ErrConversationNotFound))

	_, err = s.ListTurns(ctx, "missing")
	require.True(t, errors.Is(err, ErrConversationNotFound))
}

func TestInMemoryStore(t *testing.T) {
	runStoreContract(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runStoreContract(t, s)
}

func TestSQLiteDSNForFileRejectsEmptyPath(t *testing.T) {
	_, err := SQLiteDSNForFile("  ")
	require.Error(t, err)
	_, err = NewSQLiteStore("")
	require.Error(t, err)
}
