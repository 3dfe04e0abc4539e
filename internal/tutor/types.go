// Package tutor implements the conversational tutoring orchestrator: it turns a
// reading action or a free-text question into a validated, non-repetitive tutor
// reply and manages cancellation, retries and proactive follow-up questions.
package tutor

import (
	"context"
	"strings"
	"time"

	"github.com/ashureev/lectura-tutor/internal/completion"
	"github.com/ashureev/lectura-tutor/internal/domain"
)

// ActionKind is a canonical reading action.
type ActionKind string

const (
	ActionExplain   ActionKind = "explain"
	ActionSummarize ActionKind = "summarize"
	ActionDeep      ActionKind = "deep"
	ActionQuestion  ActionKind = "question"
	// ActionNotes belongs to the notes panel and is ignored here.
	ActionNotes ActionKind = "notes"
)

// LengthMode is the coarse verbosity setting.
type LengthMode string

const (
	LengthAuto     LengthMode = "auto"
	LengthBrief    LengthMode = "brief"
	LengthMedium   LengthMode = "medium"
	LengthDetailed LengthMode = "detailed"
)

// ParseLengthMode accepts the English names and the Spanish UI labels.
// Unknown values map to LengthAuto.
func ParseLengthMode(s string) LengthMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "brief", "breve":
		return LengthBrief
	case "medium", "media":
		return LengthMedium
	case "detailed", "detallada":
		return LengthDetailed
	}
	return LengthAuto
}

// RequestContext is the reading context attached to every turn.
type RequestContext struct {
	Fragment      string     `json:"fragment"`
	FullText      string     `json:"fullText"`
	LengthMode    LengthMode `json:"lengthMode"`
	Temperature   float64    `json:"temperature"`
	WebEnrichment string     `json:"webEnrichment,omitempty"`
	// Summary overrides the generated summary of older turns when set.
	Summary string `json:"summary,omitempty"`
}

// ContextPatch updates selected fields of a RequestContext.
type ContextPatch struct {
	Fragment      *string  `json:"fragment,omitempty"`
	FullText      *string  `json:"fullText,omitempty"`
	LengthMode    *string  `json:"lengthMode,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	WebEnrichment *string  `json:"webEnrichment,omitempty"`
	Summary       *string  `json:"summary,omitempty"`
}

// Apply returns c with the patch applied. Temperature is clamped to [0,1].
func (p ContextPatch) Apply(c RequestContext) RequestContext {
	if p.Fragment != nil {
		c.Fragment = *p.Fragment
	}
	if p.FullText != nil {
		c.FullText = *p.FullText
	}
	if p.LengthMode != nil {
		c.LengthMode = ParseLengthMode(*p.LengthMode)
	}
	if p.Temperature != nil {
		c.Temperature = clamp01(*p.Temperature)
	}
	if p.WebEnrichment != nil {
		c.WebEnrichment = *p.WebEnrichment
	}
	if p.Summary != nil {
		c.Summary = *p.Summary
	}
	return c
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ViolationKind names a validation failure.
type ViolationKind string

const (
	FabricatedMetadata      ViolationKind = "fabricated_metadata"
	SelfReferentialQuestion ViolationKind = "self_referential_question"
)

// Violation is one validation failure.
type Violation struct {
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
}

// ValidationResult is the outcome of checking a candidate reply.
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// TurnAttempt counts the extra work done in one turn.
type TurnAttempt struct {
	RegenerationCount int `json:"regenerationCount"`
	NetworkRetryCount int `json:"networkRetryCount"`
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	TurnID     string           `json:"turnId"`
	Message    domain.Message   `json:"message"`
	Attempt    TurnAttempt      `json:"attempt"`
	Validation ValidationResult `json:"validation"`
	Needs      NeedsSignal      `json:"needs"`
	// Bloom is set for free-text prompts.
	Bloom *BloomDetection `json:"bloom,omitempty"`
	// Steered is set when the off-topic check answered without the model.
	Steered bool `json:"steered,omitempty"`
	// Ignored is set for repeated prompts dropped by the burst guard and for
	// actions this core does not handle.
	Ignored bool `json:"ignored,omitempty"`
}

// TelemetryEvent records one tutoring interaction.
type TelemetryEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// UserID and SessionID are stamped by the session registry.
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Question  string `json:"question"`
	Context   string `json:"context"`
	TutorMode string `json:"tutorMode"`
	// BloomLevel is the detected level of a prompt, 0 for other turns.
	BloomLevel int `json:"bloomLevel,omitempty"`
}

// Gateway sends completion requests.
type Gateway interface {
	Send(ctx context.Context, req completion.Request) (completion.Reply, error)
}

// Deliverer receives every message appended to the session, in order.
type Deliverer interface {
	Deliver(msg domain.Message)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(domain.Message)

// Deliver calls f(msg).
func (f DelivererFunc) Deliver(msg domain.Message) { f(msg) }

// TelemetrySink receives interaction events.
type TelemetrySink interface {
	Record(ev TelemetryEvent)
}

type noopDeliverer struct{}

func (noopDeliverer) Deliver(domain.Message) {}

type noopTelemetry struct{}

func (noopTelemetry) Record(TelemetryEvent) {}
