package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/lectura-tutor/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "tutor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Unix(1_760_000_000, 0)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "u1", Username: "lector-u1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpdateLastSeen(ctx, "u1", now.Add(time.Minute)))

	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "lector-u1", got.Username)
	assert.Equal(t, now.Add(time.Minute).Unix(), got.LastSeenAt.Unix())

	assert.ErrorIs(t, s.UpdateLastSeen(ctx, "ghost", now), ErrUserNotFound)
}

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetConversation(ctx, "u1", "tab-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	msgs := []domain.Message{
		domain.NewMessage(domain.RoleUser, "¿qué significa el puente?", time.Now()),
		domain.NewMessage(domain.RoleAssistant, "Une las islas.", time.Now()),
	}
	conv := &domain.StoredConversation{UserID: "u1", SessionID: "tab-1"}
	require.NoError(t, conv.SetMessages(msgs))
	followUp := time.UnixMilli(1_760_000_000_123)
	conv.LastFollowUpAt = &followUp
	require.NoError(t, s.UpsertConversation(ctx, conv))

	// A later write without a follow-up time keeps the stored one.
	conv.LastFollowUpAt = nil
	require.NoError(t, conv.SetMessages(msgs[:1]))
	require.NoError(t, s.UpsertConversation(ctx, conv))

	got, err = s.GetConversation(ctx, "u1", "tab-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	decoded, err := got.Messages()
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, msgs[0].ID, decoded[0].ID)
	require.NotNil(t, got.LastFollowUpAt)
	assert.Equal(t, followUp.UnixMilli(), got.LastFollowUpAt.UnixMilli())

	other, err := s.GetConversation(ctx, "u1", "tab-2")
	require.NoError(t, err)
	assert.Nil(t, other, "sessions are isolated")

	require.NoError(t, s.DeleteConversation(ctx, "u1", "tab-1"))
	got, err = s.GetConversation(ctx, "u1", "tab-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanupIdleConversations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertConversation(ctx, &domain.StoredConversation{UserID: "u1", SessionID: "old"}))
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE session_id = 'old'`,
		time.Now().Add(-2*time.Hour).Unix())
	require.NoError(t, err)
	require.NoError(t, s.UpsertConversation(ctx, &domain.StoredConversation{UserID: "u1", SessionID: "fresh"}))

	n, err := s.CleanupIdleConversations(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	fresh, err := s.GetConversation(ctx, "u1", "fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
	require.NoError(t, s.Ping(ctx))
}
