// Package agent hosts tutoring sessions behind HTTP, SSE and WebSocket
// transports. It keeps one orchestrator per learner tab, persists transcripts
// and fans delivered messages out to connected clients.
package agent

import (
	"time"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

// ActionRequest is a reading action event.
type ActionRequest struct {
	Action      string   `json:"action"`
	Fragment    string   `json:"fragment"`
	FullText    string   `json:"fullText,omitempty"`
	LengthMode  *string  `json:"lengthMode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// PromptRequest is a free-text prompt event.
type PromptRequest struct {
	Prompt        string `json:"prompt"`
	FullText      string `json:"fullText,omitempty"`
	WebEnrichment string `json:"webEnrichment,omitempty"`
}

// AppendRequest adds one tutor message supplied by the client.
type AppendRequest struct {
	Content string `json:"content"`
}

// MessagesRequest replaces a session transcript.
type MessagesRequest struct {
	Messages []domain.Message `json:"messages"`
}

// EventType categorizes outbound events.
type EventType string

const (
	// EventMessage carries a message appended to the session.
	EventMessage EventType = "message"
	// EventTurn carries the result of a turn started over WebSocket.
	EventTurn EventType = "turn"
	// EventError reports a failed WebSocket request.
	EventError EventType = "error"
	// EventCleared reports that the session was emptied or replaced.
	EventCleared EventType = "cleared"
)

// Event is published to every client of one tab session.
type Event struct {
	Type      EventType         `json:"type"`
	UserID    string            `json:"-"`
	SessionID string            `json:"sessionId"`
	Message   *domain.Message   `json:"message,omitempty"`
	Result    *tutor.TurnResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
}

// QueuedMessage is an event kept for Last-Event-ID replay.
type QueuedMessage struct {
	EventID   int64
	Event     *Event
	Timestamp time.Time
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}
