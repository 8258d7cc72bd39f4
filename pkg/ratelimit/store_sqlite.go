package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite rate store: empty dsn")
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

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite rate store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rate_limits (
			key TEXT NOT NULL,
			category TEXT NOT NULL,
			ts_us INTEGER NOT NULL,
			expires_at_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS rate_limits_by_key ON rate_limits(key, category, ts_us);`,
		`CREATE INDEX IF NOT EXISTS rate_limits_by_expiry ON rate_limits(expires_at_us);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite rate store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, key string, cat Category, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE key = ? AND category = ? AND ts_us < ?`,
		key, string(cat), cutoff.UnixMicro())
	return errors.Wrap(err, "sqlite rate store: prune")
}

func (s *SQLiteStore) Count(ctx context.Context, key string, cat Category, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limits WHERE key = ? AND category = ? AND ts_us >= ?`,
		key, string(cat), since.UnixMicro()).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite rate store: count")
	}
	return n, nil
}

func (s *SQLiteStore) Oldest(ctx context.Context, key string, cat Category, since time.Time) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts_us) FROM rate_limits WHERE key = ? AND category = ? AND ts_us >= ?`,
		key, string(cat), since.UnixMicro()).Scan(&ts)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "sqlite rate store: oldest")
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(ts.Int64), true, nil
}

func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits(key, category, ts_us, expires_at_us) VALUES (?, ?, ?, ?)`,
		e.Key, string(e.Category), e.Timestamp.UnixMicro(), e.ExpiresAt.UnixMicro())
	return errors.Wrap(err, "sqlite rate store: record")
}

func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE expires_at_us < ?`, now.UnixMicro())
	if err != nil {
		return 0, errors.Wrap(err, "sqlite rate store: sweep")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
