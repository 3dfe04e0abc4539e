// Package domain contains core domain types for the reading tutor.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser is a learner prompt or action echo.
	RoleUser Role = "user"
	// RoleAssistant is a tutor reply, including follow-up questions.
	RoleAssistant Role = "assistant"
	// RoleSteering is a local redirect that never reached the model.
	RoleSteering Role = "steering"
	// RoleError is an apologetic failure message.
	RoleError Role = "error"
)

// WarningMarker prefixes every error message delivered to the learner.
const WarningMarker = "⚠️"

// Message is one immutable conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message with a fresh ID stamped at now.
func NewMessage(role Role, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: now,
	}
}

// IsWarning reports whether the message carries the warning marker.
func (m Message) IsWarning() bool {
	return strings.HasPrefix(strings.TrimSpace(m.Text), WarningMarker)
}

// ModelRole maps the conversation role onto the chat-completion role.
// Steering redirects are presented to the model as assistant turns.
func (m Message) ModelRole() string {
	if m.Role == RoleUser {
		return "user"
	}
	return "assistant"
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSteering, RoleError:
		return true
	}
	return false
}
