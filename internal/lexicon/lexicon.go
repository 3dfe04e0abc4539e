// Package lexicon holds the pattern tables and fixed phrases the tutoring core
// matches against. Tables are data: the embedded default.yaml can be replaced
// by a file with the same shape.
package lexicon

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrEmptyTable is returned when a required table has no entries.
var ErrEmptyTable = errors.New("lexicon table is empty")

// Texts are the fixed phrases used when building prompts and replies.
type Texts struct {
	SystemBase            string `yaml:"system_base"`
	TopicGuard            string `yaml:"topic_guard"`
	EquityGuard           string `yaml:"equity_guard"`
	AntiRedundancy        string `yaml:"anti_redundancy"`
	EquityPrompt          string `yaml:"equity_prompt"`
	EquityNotInText       string `yaml:"equity_not_in_text"`
	EquityInText          string `yaml:"equity_in_text"`
	EquityNoText          string `yaml:"equity_no_text"`
	PromptFormat          string `yaml:"prompt_format"`
	LengthBrief           string `yaml:"length_brief"`
	LengthMedium          string `yaml:"length_medium"`
	LengthDetailed        string `yaml:"length_detailed"`
	LengthAutoList        string `yaml:"length_auto_list"`
	LengthAutoConcise     string `yaml:"length_auto_concise"`
	LengthAutoExplain     string `yaml:"length_auto_explain"`
	CreativityAnalytical  string `yaml:"creativity_analytical"`
	CreativityPedagogical string `yaml:"creativity_pedagogical"`
	CreativityCreative    string `yaml:"creativity_creative"`
	FragmentLabel         string `yaml:"fragment_label"`
	FullTextLabel         string `yaml:"fulltext_label"`
	WebLabel              string `yaml:"web_label"`
	PromptLabel           string `yaml:"prompt_label"`
	ActionLabel           string `yaml:"action_label"`
	Steer                 string `yaml:"steer"`
	CorrectionHeader      string `yaml:"correction_header"`
	CorrectionFooter      string `yaml:"correction_footer"`
	Disclaimer            string `yaml:"disclaimer"`
	DedupPrefix           string `yaml:"dedup_prefix"`
	DedupFallback         string `yaml:"dedup_fallback"`
	EmptyReply            string `yaml:"empty_reply"`
	ErrorExhausted        string `yaml:"error_exhausted"`
	ErrorTimeout          string `yaml:"error_timeout"`
	ErrorCredit           string `yaml:"error_credit"`
	ErrorUnauthorized     string `yaml:"error_unauthorized"`
	ErrorServer           string `yaml:"error_server"`
	ErrorRequest          string `yaml:"error_request"`
	ErrorGeneric          string `yaml:"error_generic"`
	RegenerateGuidance    string `yaml:"regenerate_guidance"`
	RegeneratePrevious    string `yaml:"regenerate_previous"`
	SummaryRequest        string `yaml:"summary_request"`
	SummaryEmpty          string `yaml:"summary_empty"`
	PhaseInitial          string `yaml:"phase_initial"`
	PhaseMiddle           string `yaml:"phase_middle"`
	PhaseAdvanced         string `yaml:"phase_advanced"`
	PhaseHintInitial      string `yaml:"phase_hint_initial"`
	PhaseHintMiddle       string `yaml:"phase_hint_middle"`
	PhaseHintAdvanced     string `yaml:"phase_hint_advanced"`
	FollowUpPrefix        string `yaml:"follow_up_prefix"`
	FollowUpLiteraryA     string `yaml:"follow_up_literary_a"`
	FollowUpLiteraryB     string `yaml:"follow_up_literary_b"`
	FollowUpContrast      string `yaml:"follow_up_contrast"`
	FollowUpEnumeration   string `yaml:"follow_up_enumeration"`
	FollowUpRelation      string `yaml:"follow_up_relation"`
	FollowUpRelationAnch  string `yaml:"follow_up_relation_anchored"`
	FollowUpGeneric       string `yaml:"follow_up_generic"`
	FollowUpGenericAnch   string `yaml:"follow_up_generic_anchored"`
	FollowUpHint          string `yaml:"follow_up_hint"`
	FocusFragment         string `yaml:"focus_fragment"`
	FocusText             string `yaml:"focus_text"`
	PhaseMarker           string `yaml:"phase_marker"`
	SummaryHeading        string `yaml:"summary_heading"`
	SummaryThemes         string `yaml:"summary_themes"`
	SummaryQuestions      string `yaml:"summary_questions"`
	SummaryInsights       string `yaml:"summary_insights"`
	SummaryQuotes         string `yaml:"summary_quotes"`
	SummaryPhaseRules     string `yaml:"summary_phase_rules"`
	SummaryBuildOn        string `yaml:"summary_build_on"`
}

type redactRule struct {
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

// BloomLevel is one cognitive level with the phrases that signal it.
type BloomLevel struct {
	ID       int      `yaml:"id"`
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// file mirrors the YAML document.
type file struct {
	Stopwords struct {
		Offtopic []string `yaml:"offtopic"`
		Themes   []string `yaml:"themes"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"stopwords"`
	ValidIntents []string `yaml:"valid_intents"`
	Needs        struct {
		Confusion   []string `yaml:"confusion"`
		Frustration []string `yaml:"frustration"`
		Curiosity   []string `yaml:"curiosity"`
		Insight     []string `yaml:"insight"`
	} `yaml:"needs"`
	NeedsClauses map[string]string `yaml:"needs_clauses"`
	Metadata     struct {
		Author []string `yaml:"author"`
		Title  []string `yaml:"title"`
		Year   []string `yaml:"year"`
	} `yaml:"metadata"`
	SelfReference struct {
		Cues     []string `yaml:"cues"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"self_reference"`
	InsightSignals   string `yaml:"insight_signals"`
	LengthHeuristics struct {
		List    string `yaml:"list"`
		Concise string `yaml:"concise"`
		Explain string `yaml:"explain"`
	} `yaml:"length_heuristics"`
	FollowUp struct {
		Literary            string   `yaml:"literary"`
		LiteraryFigures     string   `yaml:"literary_figures"`
		Contrast            string   `yaml:"contrast"`
		Enumeration         string   `yaml:"enumeration"`
		CapitalizedStoplist []string `yaml:"capitalized_stoplist"`
	} `yaml:"follow_up"`
	Equity struct {
		Detect []string     `yaml:"detect"`
		Redact []redactRule `yaml:"redact"`
	} `yaml:"equity"`
	Bloom   []BloomLevel      `yaml:"bloom"`
	Actions map[string]string `yaml:"actions"`
	Texts   Texts             `yaml:"texts"`
}

// Redaction rewrites one offensive term.
type Redaction struct {
	Pattern *regexp.Regexp
	Replace string
}

// Lexicon is the compiled form of the tables.
type Lexicon struct {
	OfftopicStopwords map[string]struct{}
	ThemeStopwords    map[string]struct{}
	KeywordStopwords  map[string]struct{}

	ValidIntents []*regexp.Regexp

	Confusion   []*regexp.Regexp
	Frustration []*regexp.Regexp
	Curiosity   []*regexp.Regexp
	Insight     []*regexp.Regexp
	// NeedsClauses is keyed by category name: confusion, frustration, curiosity, insight.
	NeedsClauses map[string]string

	AuthorClaims []*regexp.Regexp
	TitleClaims  []*regexp.Regexp
	YearClaims   []*regexp.Regexp

	SelfRefCues     []string
	SelfRefPatterns []*regexp.Regexp

	InsightSignals *regexp.Regexp

	LengthList    *regexp.Regexp
	LengthConcise *regexp.Regexp
	LengthExplain *regexp.Regexp

	Literary            *regexp.Regexp
	LiteraryFigures     *regexp.Regexp
	Contrast            *regexp.Regexp
	Enumeration         *regexp.Regexp
	CapitalizedStoplist map[string]struct{}

	EquityDetect []*regexp.Regexp
	EquityRedact []Redaction

	// Bloom is ordered from the lowest level up; keywords are lower case.
	Bloom []BloomLevel

	// Actions maps a canonical action kind to its directive; "default" is the fallback.
	Actions map[string]string
	Texts   Texts
}

// Default returns the embedded tables.
func Default() (*Lexicon, error) {
	return Parse(defaultYAML)
}

// MustDefault is Default for package initialisation and tests.
func MustDefault() *Lexicon {
	lx, err := Default()
	if err != nil {
		panic(err)
	}
	return lx
}

// Load reads tables from path, or the embedded defaults when path is empty.
func Load(path string) (*Lexicon, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a YAML document into a Lexicon.
func Parse(data []byte) (*Lexicon, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode lexicon: %w", err)
	}

	c := &compiler{}
	lx := &Lexicon{
		OfftopicStopwords: wordSet(f.Stopwords.Offtopic, true),
		ThemeStopwords:    wordSet(f.Stopwords.Themes, true),
		KeywordStopwords:  wordSet(f.Stopwords.Keywords, true),

		ValidIntents: c.all("valid_intents", f.ValidIntents),

		Confusion:    c.all("needs.confusion", f.Needs.Confusion),
		Frustration:  c.all("needs.frustration", f.Needs.Frustration),
		Curiosity:    c.all("needs.curiosity", f.Needs.Curiosity),
		Insight:      c.all("needs.insight", f.Needs.Insight),
		NeedsClauses: f.NeedsClauses,

		AuthorClaims: c.all("metadata.author", f.Metadata.Author),
		TitleClaims:  c.all("metadata.title", f.Metadata.Title),
		YearClaims:   c.all("metadata.year", f.Metadata.Year),

		SelfRefCues:     f.SelfReference.Cues,
		SelfRefPatterns: c.all("self_reference.patterns", f.SelfReference.Patterns),

		InsightSignals: c.one("insight_signals", f.InsightSignals),

		LengthList:    c.one("length_heuristics.list", f.LengthHeuristics.List),
		LengthConcise: c.one("length_heuristics.concise", f.LengthHeuristics.Concise),
		LengthExplain: c.one("length_heuristics.explain", f.LengthHeuristics.Explain),

		Literary:            c.one("follow_up.literary", f.FollowUp.Literary),
		LiteraryFigures:     c.one("follow_up.literary_figures", f.FollowUp.LiteraryFigures),
		Contrast:            c.one("follow_up.contrast", f.FollowUp.Contrast),
		Enumeration:         c.one("follow_up.enumeration", f.FollowUp.Enumeration),
		CapitalizedStoplist: wordSet(f.FollowUp.CapitalizedStoplist, false),

		EquityDetect: c.all("equity.detect", f.Equity.Detect),

		Bloom: bloomLevels(f.Bloom),

		Actions: f.Actions,
		Texts:   f.Texts,
	}
	for i, r := range f.Equity.Redact {
		re := c.compile(fmt.Sprintf("equity.redact[%d]", i), r.Pattern)
		if re != nil {
			lx.EquityRedact = append(lx.EquityRedact, Redaction{Pattern: re, Replace: r.Replace})
		}
	}
	if c.err != nil {
		return nil, c.err
	}

	switch {
	case len(lx.Confusion) == 0:
		return nil, fmt.Errorf("needs.confusion: %w", ErrEmptyTable)
	case len(lx.SelfRefCues) == 0:
		return nil, fmt.Errorf("self_reference.cues: %w", ErrEmptyTable)
	case lx.Actions["default"] == "":
		return nil, fmt.Errorf("actions.default: %w", ErrEmptyTable)
	}
	return lx, nil
}

func bloomLevels(in []BloomLevel) []BloomLevel {
	out := make([]BloomLevel, 0, len(in))
	for _, l := range in {
		kws := make([]string, 0, len(l.Keywords))
		for _, k := range l.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		l.Keywords = kws
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// compiler collects the first compile error so Parse reads as a flat table.
type compiler struct {
	err error
}

func (c *compiler) compile(name, pattern string) *regexp.Regexp {
	if c.err != nil || pattern == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		c.err = fmt.Errorf("compile %s %q: %w", name, pattern, err)
		return nil
	}
	return re
}

func (c *compiler) one(name, pattern string) *regexp.Regexp {
	return c.compile(name, pattern)
}

func (c *compiler) all(name string, patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		if re := c.compile(fmt.Sprintf("%s[%d]", name, i), p); re != nil {
			out = append(out, re)
		}
	}
	return out
}

func wordSet(words []string, fold bool) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if fold {
			w = Fold(w)
		}
		set[w] = struct{}{}
	}
	return set
}

// CountMatches returns how many patterns match s.
func CountMatches(patterns []*regexp.Regexp, s string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

// AnyMatch reports whether any pattern matches s.
func AnyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
