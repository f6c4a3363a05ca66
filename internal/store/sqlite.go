package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"agentbridge/internal/domain"

	_ "modernc.org/sqlite"
)

const sqliteParams = "?_journal_mode=WAL&_busy_timeout=5000"

// SQLiteStore persists sessions in a local SQLite file so a single instance
// keeps its mappings across restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	return runMigrations(s.db, s.logger)
}

func (s *SQLiteStore) Get(ctx context.Context, userKey string) (*domain.Session, error) {
	var sess domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT user_key, engine_session_id, created_at FROM sessions WHERE user_key = ?`, userKey,
	).Scan(&sess.UserKey, &sess.EngineSessionID, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", userKey, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sess domain.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_key, engine_session_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_key) DO UPDATE SET engine_session_id = excluded.engine_session_id, created_at = excluded.created_at`,
		sess.UserKey, sess.EngineSessionID, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put session %s: %w", sess.UserKey, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_key = ?`, userKey)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", userKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_key, engine_session_id, created_at FROM sessions ORDER BY user_key`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.UserKey, &sess.EngineSessionID, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
