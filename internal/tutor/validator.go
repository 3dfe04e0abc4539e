package tutor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

// Validator flags replies that claim metadata absent from the reading or that
// ask about the tutor's own wording instead of the text.
type Validator struct {
	lx *lexicon.Lexicon
}

// NewValidator returns a validator over lx.
func NewValidator(lx *lexicon.Lexicon) *Validator {
	return &Validator{lx: lx}
}

type claimTable struct {
	label    string
	patterns []*regexp.Regexp
}

// Validate checks reply against the fragment and full text. Claims made
// before any reading is loaded are grounded against nothing and flagged.
func (v *Validator) Validate(reply, fragment, fullText string) ValidationResult {
	source := strings.ToLower(strings.TrimSpace(fragment + "\n" + fullText))

	var out []Violation
	for _, table := range []claimTable{
		{"autor", v.lx.AuthorClaims},
		{"título", v.lx.TitleClaims},
		{"fecha", v.lx.YearClaims},
	} {
		if claim, ok := firstUngroundedClaim(table.patterns, reply, source); ok {
			out = append(out, Violation{
				Kind:   FabricatedMetadata,
				Detail: fmt.Sprintf("Menciona %s %q que no está en el texto original", table.label, claim),
			})
		}
	}

	for _, q := range questions(reply) {
		out = append(out, v.checkQuestion(q, source)...)
	}

	return ValidationResult{Valid: len(out) == 0, Violations: out}
}

// CorrectionPrompt builds the instruction sent with a regeneration.
func (v *Validator) CorrectionPrompt(res ValidationResult) string {
	var b strings.Builder
	b.WriteString(v.lx.Texts.CorrectionHeader)
	b.WriteByte('\n')
	for _, viol := range res.Violations {
		b.WriteString("- ")
		b.WriteString(viol.Detail)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(v.lx.Texts.CorrectionFooter)
	return b.String()
}

func firstUngroundedClaim(patterns []*regexp.Regexp, reply, source string) (string, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(reply)
		if len(m) < 2 {
			continue
		}
		claim := strings.TrimSpace(m[1])
		if utf8.RuneCountInString(claim) > 2 && !strings.Contains(source, strings.ToLower(claim)) {
			return claim, true
		}
	}
	return "", false
}

func (v *Validator) checkQuestion(q, source string) []Violation {
	var out []Violation
	lower := strings.ToLower(q)

	var cue string
	for _, c := range v.lx.SelfRefCues {
		if strings.Contains(lower, c) {
			cue = c
			break
		}
	}
	if cue != "" {
		for _, w := range questionWords(lower) {
			if isCue(v.lx.SelfRefCues, w) {
				continue
			}
			if !strings.Contains(source, w) {
				out = append(out, Violation{
					Kind:   SelfReferentialQuestion,
					Detail: fmt.Sprintf("Pregunta sobre palabras del tutor (%q) que no están en el texto original", cue),
				})
				break
			}
		}
	}

	for _, re := range v.lx.SelfRefPatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		for _, w := range m[1:] {
			w = strings.Trim(w, `"'`)
			if utf8.RuneCountInString(w) > 2 && !strings.Contains(source, w) {
				out = append(out, Violation{
					Kind:   SelfReferentialQuestion,
					Detail: fmt.Sprintf("Pregunta sobre palabra %q que no está en el fragmento original", w),
				})
				break
			}
		}
	}
	return out
}

// questions returns the sentences of reply that end in a question mark.
func questions(reply string) []string {
	var out []string
	for _, s := range lexicon.SplitSentences(reply) {
		if strings.HasSuffix(s, "?") {
			out = append(out, strings.TrimSpace(strings.TrimLeft(s, "¿")))
		}
	}
	return out
}

// questionWords splits q into words longer than three runes, stripped of punctuation.
func questionWords(q string) []string {
	var out []string
	for _, f := range strings.Fields(q) {
		w := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if utf8.RuneCountInString(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

func isCue(cues []string, w string) bool {
	for _, c := range cues {
		if c == w {
			return true
		}
	}
	return false
}
