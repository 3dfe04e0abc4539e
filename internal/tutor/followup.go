package tutor

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

const (
	followUpKeywords     = 5
	followUpHintKeywords = 3
)

// FollowUpState is the per-session memory of injected follow-up questions.
type FollowUpState struct {
	LastInjectedAt  time.Time `json:"lastInjectedAt"`
	LastContentHash [32]byte  `json:"-"`
}

// CooledDown reports whether at least cooldown has passed since the last injection.
func (s FollowUpState) CooledDown(now time.Time, cooldown time.Duration) bool {
	return s.LastInjectedAt.IsZero() || now.Sub(s.LastInjectedAt) >= cooldown
}

// Seen reports whether text is the reply the last follow-up was built from.
func (s FollowUpState) Seen(text string) bool {
	return s.LastContentHash == blake3.Sum256([]byte(text))
}

// Record marks a follow-up built from text as injected at now.
func (s *FollowUpState) Record(text string, now time.Time) {
	s.LastInjectedAt = now
	s.LastContentHash = blake3.Sum256([]byte(text))
}

// FollowUpScheduler decides whether a delivered reply earns a proactive
// question and composes it. Timing is left to the caller.
type FollowUpScheduler struct {
	lx       *lexicon.Lexicon
	enabled  bool
	cooldown time.Duration
	delay    time.Duration
	minChars int
}

// NewFollowUpScheduler returns a scheduler using the follow-up settings from t.
func NewFollowUpScheduler(lx *lexicon.Lexicon, t Tuning) *FollowUpScheduler {
	return &FollowUpScheduler{
		lx:       lx,
		enabled:  t.FollowUpsEnabled,
		cooldown: t.FollowUpCooldown,
		delay:    t.FollowUpDelay,
		minChars: t.FollowUpMinChars,
	}
}

// Delay is how long after delivery the follow-up is injected.
func (f *FollowUpScheduler) Delay() time.Duration { return f.delay }

// Cooldown is the minimum gap between two injections.
func (f *FollowUpScheduler) Cooldown() time.Duration { return f.cooldown }

// Eligible applies the delivery gates to msg.
func (f *FollowUpScheduler) Eligible(st *FollowUpState, msg domain.Message, now time.Time) bool {
	if !f.enabled || msg.Role != domain.RoleAssistant {
		return false
	}
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasSuffix(text, "?"),
		strings.Contains(text, domain.WarningMarker),
		strings.HasPrefix(text, f.lx.Texts.FollowUpPrefix),
		utf8.RuneCountInString(text) < f.minChars,
		!st.CooledDown(now, f.cooldown),
		st.Seen(msg.Text):
		return false
	}
	return true
}

// Compose builds the follow-up message text for reply. The first matching
// rule wins: literary cue, contrast marker, enumeration, two capitalised
// concepts, then a generic invitation.
func (f *FollowUpScheduler) Compose(reply string, rc RequestContext) string {
	return f.lx.Texts.FollowUpPrefix + " " + f.question(reply, rc)
}

func (f *FollowUpScheduler) question(reply string, rc RequestContext) string {
	tx := f.lx.Texts
	switch {
	case matches(f.lx.Literary, reply):
		if matches(f.lx.LiteraryFigures, reply) {
			return tx.FollowUpLiteraryA
		}
		return tx.FollowUpLiteraryB
	case matches(f.lx.Contrast, reply):
		return tx.FollowUpContrast
	case matches(f.lx.Enumeration, reply):
		return tx.FollowUpEnumeration
	}

	focus, anchored := f.focus(rc)
	if concepts := f.concepts(reply); len(concepts) >= 2 {
		if anchored {
			return fmt.Sprintf(tx.FollowUpRelationAnch, focus, concepts[0], concepts[1])
		}
		return fmt.Sprintf(tx.FollowUpRelation, concepts[0], concepts[1])
	}
	if !anchored {
		return tx.FollowUpGeneric
	}
	hint := ""
	if kw := f.keywords(rc); len(kw) > 0 {
		if len(kw) > followUpHintKeywords {
			kw = kw[:followUpHintKeywords]
		}
		hint = fmt.Sprintf(tx.FollowUpHint, strings.Join(kw, ", "))
	}
	return fmt.Sprintf(tx.FollowUpGenericAnch, focus, hint)
}

func (f *FollowUpScheduler) focus(rc RequestContext) (string, bool) {
	switch {
	case strings.TrimSpace(rc.Fragment) != "":
		return f.lx.Texts.FocusFragment, true
	case strings.TrimSpace(rc.FullText) != "":
		return f.lx.Texts.FocusText, true
	}
	return "", false
}

// concepts returns the distinct capitalised content words of reply, in order.
func (f *FollowUpScheduler) concepts(reply string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, field := range strings.Fields(reply) {
		w := strings.TrimFunc(field, func(r rune) bool { return !unicode.IsLetter(r) })
		if !isCapitalizedWord(w) {
			continue
		}
		if _, stop := f.lx.CapitalizedStoplist[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// isCapitalizedWord matches an uppercase letter followed by at least three
// lowercase letters and nothing else.
func isCapitalizedWord(w string) bool {
	rs := []rune(w)
	if len(rs) < 4 || !unicode.IsUpper(rs[0]) {
		return false
	}
	for _, r := range rs[1:] {
		if !unicode.IsLower(r) {
			return false
		}
	}
	return true
}

// keywords returns the most frequent content words of the fragment, or of the
// full text when no fragment is selected.
func (f *FollowUpScheduler) keywords(rc RequestContext) []string {
	src := rc.Fragment
	if strings.TrimSpace(src) == "" {
		src = rc.FullText
	}
	toks := lexicon.Tokens(src, 3)
	minFreq := 1
	if len(toks) > 20 {
		minFreq = 2
	}
	freq := make(map[string]int)
	for _, t := range toks {
		if _, stop := f.lx.KeywordStopwords[t]; stop {
			continue
		}
		freq[t]++
	}
	return topWords(freq, minFreq, followUpKeywords)
}

func matches(re *regexp.Regexp, s string) bool {
	return re != nil && re.MatchString(s)
}
