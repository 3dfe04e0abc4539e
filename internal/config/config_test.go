package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Completion.Timeout)
	assert.Equal(t, 2, cfg.Completion.MaxRetries)
	assert.InDelta(t, 0.65, cfg.Tutor.DuplicateThreshold, 1e-9)
	assert.InDelta(t, 0.05, cfg.Tutor.OfftopicThreshold, 1e-9)
	assert.Equal(t, 1, cfg.Tutor.MaxRegenerations)
	assert.Equal(t, 30*time.Second, cfg.Tutor.FollowUpCooldown)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COMPLETION_BACKEND_URL", "https://tutor.example.com/")
	t.Setenv("TUTOR_FOLLOWUP_COOLDOWN", "45")
	t.Setenv("TUTOR_FOLLOWUP_DELAY", "100ms")
	t.Setenv("TUTOR_FOLLOWUPS_ENABLED", "off")
	t.Setenv("TUTOR_DUPLICATE_THRESHOLD", "0.8")
	t.Setenv("FRONTEND_URL", "https://lectura.example.com/, https://app.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://tutor.example.com", cfg.Completion.BackendURL)
	assert.Equal(t, 45*time.Second, cfg.Tutor.FollowUpCooldown)
	assert.Equal(t, 100*time.Millisecond, cfg.Tutor.FollowUpDelay)
	assert.False(t, cfg.Tutor.FollowUpsEnabled)
	assert.InDelta(t, 0.8, cfg.Tutor.DuplicateThreshold, 1e-9)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://lectura.example.com", "https://app.example.com"}, cfg.AllowedOrigins())
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	t.Setenv("TUTOR_DUPLICATE_THRESHOLD", "1.5")
	_, err := Load()
	assert.ErrorContains(t, err, "TUTOR_DUPLICATE_THRESHOLD")
}
