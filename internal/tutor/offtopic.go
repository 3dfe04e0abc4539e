package tutor

import (
	"strings"

	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

// OfftopicVerdict explains an off-topic decision.
type OfftopicVerdict struct {
	Steer       bool
	Ratio       float64
	Tokens      int
	ValidIntent bool
}

// OfftopicGuard decides whether a free-text prompt is far enough from the
// reading to answer locally with a steering message.
type OfftopicGuard struct {
	lx            *lexicon.Lexicon
	threshold     float64
	minTokens     int
	maxPriorTurns int
}

// NewOfftopicGuard returns a guard using the thresholds from t.
func NewOfftopicGuard(lx *lexicon.Lexicon, t Tuning) *OfftopicGuard {
	return &OfftopicGuard{
		lx:            lx,
		threshold:     t.OfftopicThreshold,
		minTokens:     t.OfftopicMinTokens,
		maxPriorTurns: t.OfftopicMaxPriorTurns,
	}
}

// Check evaluates prompt against the reading context. priorUserTurns excludes
// the prompt itself. Without reading context the prompt is always allowed.
func (g *OfftopicGuard) Check(prompt string, rc RequestContext, priorUserTurns int) OfftopicVerdict {
	source := strings.TrimSpace(rc.Fragment + " " + rc.FullText)
	if source == "" {
		return OfftopicVerdict{Ratio: 1}
	}
	v := OfftopicVerdict{ValidIntent: lexicon.AnyMatch(g.lx.ValidIntents, prompt)}
	if v.ValidIntent || priorUserTurns >= g.maxPriorTurns {
		v.Ratio = 1
		return v
	}

	sourceSet := lexicon.TokenSet(source, 2, nil)
	overlap := 0
	for _, tok := range lexicon.Tokens(prompt, 2) {
		if _, stop := g.lx.OfftopicStopwords[tok]; stop {
			continue
		}
		v.Tokens++
		if _, ok := sourceSet[tok]; ok {
			overlap++
		}
	}
	v.Ratio = 1
	if v.Tokens > 0 {
		v.Ratio = float64(overlap) / float64(v.Tokens)
	}
	v.Steer = v.Ratio < g.threshold && v.Tokens >= g.minTokens
	return v
}
