package tutor

import "time"

// Tuning holds the numeric knobs of the orchestrator.
type Tuning struct {
	HistoryCap          int
	HistoryWindow       int
	HistoryMessageChars int
	SummaryThreshold    int
	FullTextLimit       int

	DuplicateThreshold float64
	DuplicateMinTokens int

	OfftopicThreshold     float64
	OfftopicMinTokens     int
	OfftopicMaxPriorTurns int

	MaxRegenerations int

	FollowUpsEnabled bool
	FollowUpCooldown time.Duration
	FollowUpDelay    time.Duration
	FollowUpMinChars int

	// BurstWindow drops a prompt identical to the previous one sent within it.
	BurstWindow time.Duration

	DefaultTemperature float64
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		HistoryCap:          DefaultHistoryCap,
		HistoryWindow:       12,
		HistoryMessageChars: 500,
		SummaryThreshold:    10,
		FullTextLimit:       1200,

		DuplicateThreshold: 0.65,
		DuplicateMinTokens: 15,

		OfftopicThreshold:     0.05,
		OfftopicMinTokens:     5,
		OfftopicMaxPriorTurns: 2,

		MaxRegenerations: 1,

		FollowUpsEnabled: true,
		FollowUpCooldown: 30 * time.Second,
		FollowUpDelay:    250 * time.Millisecond,
		FollowUpMinChars: 150,

		BurstWindow: 500 * time.Millisecond,

		DefaultTemperature: 0.7,
	}
}

// withDefaults fills zero fields from DefaultTuning. A zero Tuning is
// DefaultTuning; otherwise booleans and MaxRegenerations are taken as given.
func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t == (Tuning{}) {
		return d
	}
	if t.HistoryCap <= 0 {
		t.HistoryCap = d.HistoryCap
	}
	if t.HistoryWindow <= 0 {
		t.HistoryWindow = d.HistoryWindow
	}
	if t.HistoryMessageChars <= 0 {
		t.HistoryMessageChars = d.HistoryMessageChars
	}
	if t.SummaryThreshold <= 0 {
		t.SummaryThreshold = d.SummaryThreshold
	}
	if t.FullTextLimit <= 0 {
		t.FullTextLimit = d.FullTextLimit
	}
	if t.DuplicateThreshold <= 0 {
		t.DuplicateThreshold = d.DuplicateThreshold
	}
	if t.DuplicateMinTokens <= 0 {
		t.DuplicateMinTokens = d.DuplicateMinTokens
	}
	if t.OfftopicThreshold <= 0 {
		t.OfftopicThreshold = d.OfftopicThreshold
	}
	if t.OfftopicMinTokens <= 0 {
		t.OfftopicMinTokens = d.OfftopicMinTokens
	}
	if t.OfftopicMaxPriorTurns <= 0 {
		t.OfftopicMaxPriorTurns = d.OfftopicMaxPriorTurns
	}
	if t.MaxRegenerations < 0 {
		t.MaxRegenerations = 0
	}
	if t.FollowUpCooldown <= 0 {
		t.FollowUpCooldown = d.FollowUpCooldown
	}
	if t.FollowUpDelay < 0 {
		t.FollowUpDelay = 0
	}
	if t.FollowUpMinChars <= 0 {
		t.FollowUpMinChars = d.FollowUpMinChars
	}
	if t.BurstWindow < 0 {
		t.BurstWindow = 0
	}
	if t.DefaultTemperature <= 0 {
		t.DefaultTemperature = d.DefaultTemperature
	}
	return t
}
