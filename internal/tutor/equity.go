package tutor

import (
	"strings"

	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

// EquityVerdict is the outcome of screening a learner prompt.
type EquityVerdict struct {
	Flagged bool
	// Redacted is the prompt with offensive terms masked.
	Redacted string
	// Terms are the matched terms, as written.
	Terms []string
	// InText is set when a matched term also occurs in the reading.
	InText bool
}

// EquityGuard screens prompts for offensive language toward groups.
type EquityGuard struct {
	lx *lexicon.Lexicon
}

// NewEquityGuard returns a guard over lx.
func NewEquityGuard(lx *lexicon.Lexicon) *EquityGuard {
	return &EquityGuard{lx: lx}
}

// Screen checks prompt and, when flagged, returns a redacted copy.
func (g *EquityGuard) Screen(prompt string, rc RequestContext) EquityVerdict {
	v := EquityVerdict{Redacted: prompt}
	for _, re := range g.lx.EquityDetect {
		if m := re.FindString(prompt); m != "" {
			v.Terms = append(v.Terms, m)
		}
	}
	if len(v.Terms) == 0 {
		return v
	}
	v.Flagged = true
	for _, r := range g.lx.EquityRedact {
		v.Redacted = r.Pattern.ReplaceAllString(v.Redacted, r.Replace)
	}
	source := rc.Fragment + "\n" + rc.FullText
	for _, t := range v.Terms {
		if lexicon.ContainsFold(source, t) {
			v.InText = true
			break
		}
	}
	return v
}

// Clause returns the system instruction for a flagged prompt, or "".
func (g *EquityGuard) Clause(v EquityVerdict, rc RequestContext) string {
	if !v.Flagged {
		return ""
	}
	t := g.lx.Texts
	switch {
	case strings.TrimSpace(rc.Fragment+rc.FullText) == "":
		return t.EquityPrompt + t.EquityNoText
	case v.InText:
		return t.EquityPrompt + t.EquityInText
	default:
		return t.EquityPrompt + t.EquityNotInText
	}
}
