package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrUserNotFound is returned when an update targets an unknown user.
var ErrUserNotFound = errors.New("user not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	convMu sync.Mutex // serializes transcript writes to avoid SQLITE_BUSY
	retry  shared.Retry
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while a transcript is written.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetry}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		last_followup_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetConversation retrieves the transcript of one tab session.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, sessionID string) (*domain.StoredConversation, error) {
	query := `
		SELECT user_id, session_id, messages_json, last_followup_at, created_at, updated_at
		FROM conversations WHERE user_id = ? AND session_id = ?`

	var conv domain.StoredConversation
	var lastFollowUp sql.NullInt64
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&conv.UserID, &conv.SessionID, &conv.MessagesJSON,
		&lastFollowUp, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	if lastFollowUp.Valid {
		ts := time.UnixMilli(lastFollowUp.Int64)
		conv.LastFollowUpAt = &ts
	}
	return &conv, nil
}

// UpsertConversation creates or replaces a transcript. A nil LastFollowUpAt
// keeps the stored value.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *domain.StoredConversation) error {
	query := `
		INSERT INTO conversations (
			user_id, session_id, messages_json, last_followup_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			last_followup_at = COALESCE(excluded.last_followup_at, conversations.last_followup_at),
			updated_at = excluded.updated_at`

	var lastFollowUp interface{}
	if conv.LastFollowUpAt != nil {
		lastFollowUp = conv.LastFollowUpAt.UnixMilli()
	}
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	messages := conv.MessagesJSON
	if messages == "" {
		messages = "[]"
	}

	s.convMu.Lock()
	defer s.convMu.Unlock()
	return shared.RetryOnConflict(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.UserID, conv.SessionID, messages, lastFollowUp,
			createdAt.Unix(), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a transcript. Lock conflicts are retried with
// exponential backoff.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, sessionID string) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	attempt := 0
	err := shared.RetryOnConflict(ctx, s.retry, func() error {
		attempt++
		_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		if err != nil && shared.IsSQLiteConflict(err) {
			slog.Debug("Delete conversation hit a lock, retrying", "user_id", userID, "session_id", sessionID, "attempt", attempt)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete conversation for %s/%s after %d attempts: %w", userID, sessionID, attempt, err)
	}
	return nil
}

// CleanupIdleConversations removes transcripts not updated within ttl.
func (s *SQLiteStore) CleanupIdleConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	s.convMu.Lock()
	defer s.convMu.Unlock()
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup idle conversations: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
