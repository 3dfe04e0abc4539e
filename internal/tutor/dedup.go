package tutor

import (
	"strings"
	"unicode/utf8"

	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

const (
	dedupMaxSentences = 3
	dedupMinNovelLen  = 20
)

// Deduper rewrites a reply that largely repeats the previous tutor reply.
type Deduper struct {
	lx        *lexicon.Lexicon
	threshold float64
	minTokens int
}

// NewDeduper returns a deduper using the duplicate thresholds from t.
func NewDeduper(lx *lexicon.Lexicon, t Tuning) *Deduper {
	return &Deduper{lx: lx, threshold: t.DuplicateThreshold, minTokens: t.DuplicateMinTokens}
}

// Similarity is the Jaccard index of the content words of a and b.
func (d *Deduper) Similarity(a, b string) float64 {
	return lexicon.Jaccard(lexicon.TokenSet(a, 3, nil), lexicon.TokenSet(b, 3, nil))
}

// Apply returns candidate unchanged unless it is a near-duplicate of prev.
// A duplicate keeps only the sentences prev did not contain, behind a short
// back-reference, or becomes an offer to go deeper when nothing new is left.
func (d *Deduper) Apply(prev, candidate string) (string, bool) {
	if prev == "" {
		return candidate, false
	}
	a := lexicon.TokenSet(prev, 3, nil)
	b := lexicon.TokenSet(candidate, 3, nil)
	if len(a) < d.minTokens || len(b) < d.minTokens {
		return candidate, false
	}
	if lexicon.Jaccard(a, b) < d.threshold {
		return candidate, false
	}

	prevNorm := " " + normalizeSentence(prev) + " "
	var novel []string
	for _, s := range lexicon.SplitSentences(candidate) {
		n := normalizeSentence(s)
		if n == "" || strings.Contains(prevNorm, " "+n+" ") {
			continue
		}
		novel = append(novel, s)
		if len(novel) == dedupMaxSentences {
			break
		}
	}
	joined := strings.Join(novel, " ")
	if utf8.RuneCountInString(joined) > dedupMinNovelLen {
		return d.lx.Texts.DedupPrefix + joined, true
	}
	return d.lx.Texts.DedupFallback, true
}

func normalizeSentence(s string) string {
	return strings.Join(lexicon.Tokens(s, 0), " ")
}
