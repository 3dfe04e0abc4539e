package tutor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ashureev/lectura-tutor/internal/completion"
	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

const (
	summaryMinMessages   = 6
	summaryThemes        = 6
	summaryQuestions     = 4
	summaryQuestionChars = 100
	summaryInsights      = 3
	summaryInsightChars  = 80
	summaryQuoteWindow   = 5
	summaryQuotesPerMsg  = 2
	summaryQuotes        = 5
)

var quotePattern = regexp.MustCompile(`["«]([^"»]{3,40})["»]`)

// Phase is the coarse stage of a session, derived from the learner turn count.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseMiddle
	PhaseAdvanced
)

// PhaseFor returns the phase after userTurns learner messages.
func PhaseFor(userTurns int) Phase {
	switch {
	case userTurns <= 3:
		return PhaseInitial
	case userTurns <= 8:
		return PhaseMiddle
	}
	return PhaseAdvanced
}

// Turn is the input to one request assembly.
type Turn struct {
	Context RequestContext
	// History is the session before the current learner message.
	History []domain.Message
	// UserContent is the final user message sent to the model.
	UserContent string
	// Guidance are extra system clauses for this turn only.
	Guidance []string
	// PriorAssistant is the number of assistant replies before this turn.
	PriorAssistant int
	// OmitFragment leaves the fragment out of the reading snippet, for turns
	// whose user content already quotes it.
	OmitFragment bool
}

// Assembler builds completion requests from the session state.
type Assembler struct {
	lx *lexicon.Lexicon
	t  Tuning
}

// NewAssembler returns an assembler using t's history and budget settings.
func NewAssembler(lx *lexicon.Lexicon, t Tuning) *Assembler {
	return &Assembler{lx: lx, t: t.withDefaults()}
}

// Build assembles the ordered messages and parameters for turn.
func (a *Assembler) Build(turn Turn) completion.Request {
	rc := turn.Context
	temp := rc.Temperature
	if temp <= 0 {
		temp = a.t.DefaultTemperature
	}

	msgs := make([]completion.Message, 0, a.t.HistoryWindow+3)
	msgs = append(msgs, completion.Message{Role: "system", Content: a.SystemPrompt(turn, temp)})
	for _, m := range a.window(turn.History) {
		msgs = append(msgs, completion.Message{
			Role:    m.ModelRole(),
			Content: lexicon.Truncate(m.Text, a.t.HistoryMessageChars),
		})
	}
	if snippet := a.snippet(rc, turn.OmitFragment); snippet != "" {
		msgs = append(msgs, completion.Message{Role: "user", Content: snippet})
	}
	msgs = append(msgs, completion.Message{Role: "user", Content: turn.UserContent})

	return completion.Request{
		Messages:    msgs,
		Temperature: temp,
		MaxTokens:   maxTokensFor(rc.LengthMode),
	}
}

// SystemPrompt joins the fixed guards with this turn's state and guidance.
func (a *Assembler) SystemPrompt(turn Turn, temp float64) string {
	tx := a.lx.Texts
	parts := []string{
		strings.TrimSpace(tx.SystemBase),
		tx.TopicGuard,
		tx.EquityGuard,
		tx.AntiRedundancy,
	}

	summary := turn.Context.Summary
	if summary == "" && len(turn.History) > a.t.SummaryThreshold {
		summary = a.Summarize(turn.History)
	}
	if summary != "" {
		parts = append(parts, summary)
	} else {
		parts = append(parts, a.phaseMarker(turn))
	}

	if l := a.lengthInstruction(turn.Context.LengthMode, turn.UserContent); l != "" {
		parts = append(parts, l)
	}
	parts = append(parts, a.creativityInstruction(temp))
	for _, g := range turn.Guidance {
		if g != "" {
			parts = append(parts, g)
		}
	}
	if web := strings.TrimSpace(turn.Context.WebEnrichment); web != "" {
		parts = append(parts, tx.WebLabel+"\n"+web)
	}
	return strings.Join(parts, "\n\n")
}

func (a *Assembler) phaseMarker(turn Turn) string {
	phase := PhaseFor(countRole(turn.History, domain.RoleUser) + 1)
	return fmt.Sprintf(a.lx.Texts.PhaseMarker, turn.PriorAssistant+1, a.phaseLabel(phase), a.phaseHint(phase))
}

func (a *Assembler) phaseLabel(p Phase) string {
	switch p {
	case PhaseMiddle:
		return a.lx.Texts.PhaseMiddle
	case PhaseAdvanced:
		return a.lx.Texts.PhaseAdvanced
	}
	return a.lx.Texts.PhaseInitial
}

func (a *Assembler) phaseHint(p Phase) string {
	switch p {
	case PhaseMiddle:
		return a.lx.Texts.PhaseHintMiddle
	case PhaseAdvanced:
		return a.lx.Texts.PhaseHintAdvanced
	}
	return a.lx.Texts.PhaseHintInitial
}

func (a *Assembler) lengthInstruction(mode LengthMode, content string) string {
	tx := a.lx.Texts
	switch mode {
	case LengthBrief:
		return tx.LengthBrief
	case LengthMedium:
		return tx.LengthMedium
	case LengthDetailed:
		return tx.LengthDetailed
	}
	switch {
	case matches(a.lx.LengthList, content):
		return tx.LengthAutoList
	case matches(a.lx.LengthConcise, content):
		return tx.LengthAutoConcise
	case matches(a.lx.LengthExplain, content):
		return tx.LengthAutoExplain
	}
	return ""
}

func (a *Assembler) creativityInstruction(temp float64) string {
	switch {
	case temp <= 0.4:
		return a.lx.Texts.CreativityAnalytical
	case temp >= 0.9:
		return a.lx.Texts.CreativityCreative
	}
	return a.lx.Texts.CreativityPedagogical
}

// window returns the newest history messages worth resending: warnings and
// error annotations are dropped.
func (a *Assembler) window(history []domain.Message) []domain.Message {
	kept := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.Role == domain.RoleError || m.IsWarning() {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > a.t.HistoryWindow {
		kept = kept[len(kept)-a.t.HistoryWindow:]
	}
	return kept
}

func (a *Assembler) snippet(rc RequestContext, omitFragment bool) string {
	var parts []string
	if frag := strings.TrimSpace(rc.Fragment); frag != "" && !omitFragment {
		parts = append(parts, a.lx.Texts.FragmentLabel+"\n\""+frag+"\"")
	}
	if full := strings.TrimSpace(rc.FullText); full != "" {
		parts = append(parts, a.lx.Texts.FullTextLabel+"\n"+lexicon.Truncate(full, a.t.FullTextLimit))
	}
	return strings.Join(parts, "\n\n")
}

func maxTokensFor(mode LengthMode) int {
	switch mode {
	case LengthBrief:
		return 400
	case LengthDetailed:
		return 1200
	}
	return 800
}

// Summarize condenses history into the state block that replaces the phase
// marker in long sessions. It returns "" for short histories.
func (a *Assembler) Summarize(history []domain.Message) string {
	if len(history) < summaryMinMessages {
		return ""
	}
	tx := a.lx.Texts
	userTurns := countRole(history, domain.RoleUser)
	phase := PhaseFor(userTurns)
	label := a.phaseLabel(phase)

	lines := []string{fmt.Sprintf(tx.SummaryHeading, userTurns, label)}
	if themes := a.themes(history); len(themes) > 0 {
		lines = append(lines, fmt.Sprintf(tx.SummaryThemes, strings.Join(themes, ", ")))
	}
	if qs := recentUserQuestions(history); len(qs) > 0 {
		lines = append(lines, fmt.Sprintf(tx.SummaryQuestions, strings.Join(qs, " | ")))
	}
	if ins := a.insights(history); len(ins) > 0 {
		lines = append(lines, fmt.Sprintf(tx.SummaryInsights, strings.Join(ins, " | ")))
	}
	if quotes := explainedQuotes(history); len(quotes) > 0 {
		lines = append(lines, fmt.Sprintf(tx.SummaryQuotes, strings.Join(quotes, ", ")))
	}
	lines = append(lines,
		"",
		fmt.Sprintf(tx.SummaryPhaseRules, strings.ToUpper(label)),
		a.phaseHint(phase),
		tx.SummaryBuildOn,
	)
	return strings.Join(lines, "\n")
}

func (a *Assembler) themes(history []domain.Message) []string {
	freq := make(map[string]int)
	for _, m := range history {
		if m.Role == domain.RoleError || m.IsWarning() {
			continue
		}
		for _, tok := range lexicon.Tokens(m.Text, 4) {
			if _, stop := a.lx.ThemeStopwords[tok]; stop {
				continue
			}
			freq[tok]++
		}
	}
	return topWords(freq, 2, summaryThemes)
}

func (a *Assembler) insights(history []domain.Message) []string {
	if a.lx.InsightSignals == nil {
		return nil
	}
	var out []string
	for _, m := range history {
		if m.Role == domain.RoleUser && a.lx.InsightSignals.MatchString(m.Text) {
			out = append(out, lexicon.Truncate(m.Text, summaryInsightChars))
		}
	}
	if len(out) > summaryInsights {
		out = out[len(out)-summaryInsights:]
	}
	return out
}

func recentUserQuestions(history []domain.Message) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < summaryQuestions; i-- {
		if history[i].Role == domain.RoleUser {
			out = append(out, lexicon.Truncate(history[i].Text, summaryQuestionChars))
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func explainedQuotes(history []domain.Message) []string {
	var assistant []domain.Message
	for _, m := range history {
		if m.Role == domain.RoleAssistant && !m.IsWarning() {
			assistant = append(assistant, m)
		}
	}
	if len(assistant) > summaryQuoteWindow {
		assistant = assistant[len(assistant)-summaryQuoteWindow:]
	}
	seen := make(map[string]struct{})
	var out []string
	for _, m := range assistant {
		for _, match := range quotePattern.FindAllStringSubmatch(m.Text, summaryQuotesPerMsg) {
			q := strings.TrimSpace(match[1])
			if _, dup := seen[q]; dup || q == "" {
				continue
			}
			seen[q] = struct{}{}
			out = append(out, "\""+q+"\"")
			if len(out) == summaryQuotes {
				return out
			}
		}
	}
	return out
}

// topWords returns up to n words with frequency at least minFreq, most
// frequent first, ties broken alphabetically.
func topWords(freq map[string]int, minFreq, n int) []string {
	words := make([]string, 0, len(freq))
	for w, c := range freq {
		if c >= minFreq {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func countRole(msgs []domain.Message, r domain.Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == r {
			n++
		}
	}
	return n
}
