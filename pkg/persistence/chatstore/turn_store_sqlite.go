package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/chat"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a WAL-mode DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conv_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (conv_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS turns_by_conv_seq ON turns(conv_id, seq);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_owner ON conversations(owner_id, updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func timeFromMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	if conv.ID == "" {
		return chat.Conversation{}, errors.New("sqlite chat store: conversation id is empty")
	}
	conv = normalizeConversation(conv, time.Now().UnixMilli())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(id, owner_id, title, model, system_prompt, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, conv.Model, conv.SystemPrompt,
		conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli())
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "sqlite chat store: insert conversation")
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var conv chat.Conversation
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, model, system_prompt, created_at_ms, updated_at_ms
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.Model, &conv.SystemPrompt, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, errors.Wrap(ErrConversationNotFound, id)
	}
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "sqlite chat store: get conversation")
	}
	conv.CreatedAt = timeFromMs(createdMs)
	conv.UpdatedAt = timeFromMs(updatedMs)
	return conv, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, convID string) ([]chat.Turn, error) {
	if _, err := s.GetConversation(ctx, convID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conv_id, role, text, parent_id, model, tokens_used, created_at_ms
		FROM turns WHERE conv_id = ? ORDER BY seq ASC`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list turns")
	}
	defer func() { _ = rows.Close() }()

	var ret []chat.Turn
	for rows.Next() {
		var t chat.Turn
		var role string
		var createdMs int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Text, &t.ParentID, &t.Model, &t.TokensUsed, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan turn")
		}
		t.Role = chat.Role(role)
		t.CreatedAt = timeFromMs(createdMs)
		ret = append(ret, t)
	}
	return ret, errors.Wrap(rows.Err(), "sqlite chat store: iterate turns")
}

// AppendTurn assigns the next sequence number inside a transaction so turns
// keep their append order even when timestamps collide.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn chat.Turn) (chat.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return chat.Turn{}, err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at_ms = ? WHERE id = ?`, turn.CreatedAt.UnixMilli(), turn.ConversationID)
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store: touch conversation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Turn{}, errors.Wrap(ErrConversationNotFound, turn.ConversationID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conv_id = ?`, turn.ConversationID).Scan(&seq); err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store: next seq")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns(id, conv_id, seq, role, text, parent_id, model, tokens_used, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, seq, string(turn.Role), turn.Text, turn.ParentID, turn.Model, turn.TokensUsed, turn.CreatedAt.UnixMilli())
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store: insert turn")
	}
	if err := tx.Commit(); err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite chat store: commit")
	}
	turn.CreatedAt = timeFromMs(turn.CreatedAt.UnixMilli())
	return turn, nil
}

func (s *SQLiteStore) UpdateTitle(ctx context.Context, convID string, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at_ms = ? WHERE id = ?`, title, time.Now().UnixMilli(), convID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: update title")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ErrConversationNotFound, convID)
	}
	return nil
}
