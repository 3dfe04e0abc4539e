package tutor

import "github.com/ashureev/lectura-tutor/internal/lexicon"

// NeedCategory is one learner-need class.
type NeedCategory string

const (
	NeedNone        NeedCategory = ""
	NeedConfusion   NeedCategory = "confusion"
	NeedFrustration NeedCategory = "frustration"
	NeedCuriosity   NeedCategory = "curiosity"
	NeedInsight     NeedCategory = "insight"
)

// NeedsSignal counts pattern hits per category.
type NeedsSignal struct {
	Confusion   int `json:"confusion"`
	Frustration int `json:"frustration"`
	Curiosity   int `json:"curiosity"`
	Insight     int `json:"insight"`
}

// Dominant returns the highest-priority category with a nonzero count.
// Priority is confusion, frustration, curiosity, insight.
func (s NeedsSignal) Dominant() NeedCategory {
	switch {
	case s.Confusion > 0:
		return NeedConfusion
	case s.Frustration > 0:
		return NeedFrustration
	case s.Curiosity > 0:
		return NeedCuriosity
	case s.Insight > 0:
		return NeedInsight
	}
	return NeedNone
}

// NeedsClassifier scores a learner message against the needs tables.
type NeedsClassifier struct {
	lx *lexicon.Lexicon
}

// NewNeedsClassifier returns a classifier over lx.
func NewNeedsClassifier(lx *lexicon.Lexicon) *NeedsClassifier {
	return &NeedsClassifier{lx: lx}
}

// Classify scores text.
func (c *NeedsClassifier) Classify(text string) NeedsSignal {
	return NeedsSignal{
		Confusion:   lexicon.CountMatches(c.lx.Confusion, text),
		Frustration: lexicon.CountMatches(c.lx.Frustration, text),
		Curiosity:   lexicon.CountMatches(c.lx.Curiosity, text),
		Insight:     lexicon.CountMatches(c.lx.Insight, text),
	}
}

// Clause returns the style adjustment for the dominant category, or "".
func (c *NeedsClassifier) Clause(s NeedsSignal) string {
	d := s.Dominant()
	if d == NeedNone {
		return ""
	}
	return c.lx.NeedsClauses[string(d)]
}
