// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/lectura-tutor/internal/domain"
)

// Repository persists learners and their tutoring transcripts.
type Repository interface {
	// GetUser retrieves a user by ID. A missing user is (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetConversation retrieves the transcript of one tab session.
	// A missing transcript is (nil, nil).
	GetConversation(ctx context.Context, userID, sessionID string) (*domain.StoredConversation, error)

	// UpsertConversation creates or replaces a transcript.
	UpsertConversation(ctx context.Context, conv *domain.StoredConversation) error

	// DeleteConversation removes a transcript.
	DeleteConversation(ctx context.Context, userID, sessionID string) error

	// CleanupIdleConversations removes transcripts not updated within ttl.
	CleanupIdleConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
