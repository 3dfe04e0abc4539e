package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ashureev/lectura-tutor/internal/completion"
	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

const (
	burstKeyRunes           = 140
	telemetryContext        = 200
	regeneratePreviousChars = 300
)

// Telemetry modes.
const (
	ModePrompt     = "prompt"
	ModeAction     = "action"
	ModeRegenerate = "regenerate"
	ModeSummary    = "summary"
)

var (
	// ErrSuperseded is returned when a newer turn, a cancel or a reset took
	// over before this turn could deliver.
	ErrSuperseded = errors.New("turn superseded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNothingToRegenerate is returned when no tutor reply can be redone.
	ErrNothingToRegenerate = errors.New("no reply to regenerate")
	// ErrEmptyMessage is returned when an injected message has no text.
	ErrEmptyMessage = errors.New("message is empty")
)

// Options configures an Orchestrator. Gateway is required.
type Options struct {
	Gateway   Gateway
	Lexicon   *lexicon.Lexicon
	Tuning    Tuning
	Deliverer Deliverer
	Telemetry TelemetrySink
	Logger    *slog.Logger
	Clock     func() time.Time
}

// PromptInput is a free-text prompt event. Non-empty optional fields replace
// the matching reading context before the turn runs.
type PromptInput struct {
	Prompt        string
	FullText      string
	WebEnrichment string
}

// Orchestrator owns one tutoring session. At most one completion call is in
// flight at a time: a new turn cancels the previous one and waits for it to
// unwind before sending.
//
// The Deliverer is called in append order and may read the orchestrator, but
// must not start turns from inside Deliver.
type Orchestrator struct {
	gw        Gateway
	lx        *lexicon.Lexicon
	t         Tuning
	asm       *Assembler
	validator *Validator
	needs     *NeedsClassifier
	bloom     *BloomClassifier
	offtopic  *OfftopicGuard
	dedup     *Deduper
	equity    *EquityGuard
	followups *FollowUpScheduler
	deliverer Deliverer
	telemetry TelemetrySink
	logger    *slog.Logger
	now       func() time.Time

	// deliverMu orders appends with their delivery. It is taken before mu.
	deliverMu sync.Mutex

	mu         sync.Mutex
	conv       *Conversation
	rc         RequestContext
	fu         FollowUpState
	generation uint64
	active     *turn
	last       *turn
	timer      *time.Timer
	burstKey   string
	burstAt    time.Time
	closed     bool
}

type turn struct {
	id     string
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Gateway == nil {
		return nil, errors.New("tutor: gateway is required")
	}
	lx := opts.Lexicon
	if lx == nil {
		var err error
		if lx, err = lexicon.Default(); err != nil {
			return nil, fmt.Errorf("tutor: load lexicon: %w", err)
		}
	}
	t := opts.Tuning.withDefaults()
	o := &Orchestrator{
		gw:        opts.Gateway,
		lx:        lx,
		t:         t,
		asm:       NewAssembler(lx, t),
		validator: NewValidator(lx),
		needs:     NewNeedsClassifier(lx),
		bloom:     NewBloomClassifier(lx),
		offtopic:  NewOfftopicGuard(lx, t),
		dedup:     NewDeduper(lx, t),
		equity:    NewEquityGuard(lx),
		followups: NewFollowUpScheduler(lx, t),
		deliverer: opts.Deliverer,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
		now:       opts.Clock,
		conv:      NewConversation(t.HistoryCap),
		rc:        RequestContext{LengthMode: LengthAuto},
	}
	if o.deliverer == nil {
		o.deliverer = noopDeliverer{}
	}
	if o.telemetry == nil {
		o.telemetry = noopTelemetry{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// HandlePrompt runs a free-text turn.
func (o *Orchestrator) HandlePrompt(ctx context.Context, in PromptInput) (TurnResult, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return TurnResult{}, ErrEmptyPrompt
	}
	if o.burst(prompt) {
		o.logger.Debug("Ignoring repeated prompt")
		return TurnResult{Ignored: true}, nil
	}

	t, tctx, err := o.begin(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	defer o.finish(t)

	var eq EquityVerdict
	snap, err := o.open(t, func(rc *RequestContext) string {
		if in.FullText != "" {
			rc.FullText = in.FullText
		}
		if in.WebEnrichment != "" {
			rc.WebEnrichment = in.WebEnrichment
		}
		eq = o.equity.Screen(prompt, *rc)
		return eq.Redacted
	})
	if err != nil {
		return TurnResult{}, err
	}
	bloom := o.bloom.Detect(prompt)
	o.record(ModePrompt, eq.Redacted, snap.rc, bloom.Level)

	res := TurnResult{TurnID: t.id, Bloom: &bloom}
	if v := o.offtopic.Check(prompt, snap.rc, snap.priorUser); v.Steer {
		o.logger.Info("Steering off-topic prompt", "turn_id", t.id, "overlap", v.Ratio, "tokens", v.Tokens)
		msg, ok := o.commit(t, domain.RoleSteering, o.lx.Texts.Steer, false, "")
		if !ok {
			return res, ErrSuperseded
		}
		res.Message = msg
		res.Steered = true
		res.Validation.Valid = true
		return res, nil
	}

	res.Needs = o.needs.Classify(prompt)
	modelRC := snap.rc
	modelRC.Fragment = ""
	return o.run(tctx, t, res, plan{
		turn: Turn{
			Context:        modelRC,
			History:        snap.history,
			UserContent:    o.lx.Texts.PromptLabel + " " + eq.Redacted,
			Guidance:       []string{o.needs.Clause(res.Needs), o.lx.Texts.PromptFormat, o.equity.Clause(eq, snap.rc)},
			PriorAssistant: snap.priorAssistant,
		},
		source: snap.rc,
		dedup:  true,
	})
}

// HandleAction runs a reading action over fragment. A non-empty fullText
// replaces the stored full text. The notes action is ignored.
func (o *Orchestrator) HandleAction(ctx context.Context, action, fragment, fullText string) (TurnResult, error) {
	kind := NormalizeAction(action)
	if kind == ActionNotes {
		return TurnResult{Ignored: true}, nil
	}

	t, tctx, err := o.begin(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	defer o.finish(t)

	var eq EquityVerdict
	var content string
	snap, err := o.open(t, func(rc *RequestContext) string {
		rc.Fragment = fragment
		if fullText != "" {
			rc.FullText = fullText
		}
		eq = o.equity.Screen(fragment, *rc)
		content = o.lx.Texts.ActionLabel + "\n\"" + strings.TrimSpace(eq.Redacted) + "\""
		return content
	})
	if err != nil {
		return TurnResult{}, err
	}
	o.record(ModeAction, string(kind)+": "+eq.Redacted, snap.rc, 0)

	return o.run(tctx, t, TurnResult{TurnID: t.id}, plan{
		turn: Turn{
			Context:        snap.rc,
			History:        snap.history,
			UserContent:    content,
			Guidance:       []string{ActionDirective(o.lx, kind), o.equity.Clause(eq, snap.rc)},
			PriorAssistant: snap.priorAssistant,
			OmitFragment:   true,
		},
		source: snap.rc,
		dedup:  true,
	})
}

// RegenerateLast asks again for the newest tutor reply with an instruction to
// take a different angle. The old reply is replaced only when the new one is
// delivered.
func (o *Orchestrator) RegenerateLast(ctx context.Context) (TurnResult, error) {
	t, tctx, err := o.begin(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	defer o.finish(t)

	snap, err := o.open(t, nil)
	if err != nil {
		return TurnResult{}, err
	}
	replyIdx, promptIdx := o.regenerationTarget(snap.history)
	if replyIdx < 0 || promptIdx < 0 {
		return TurnResult{}, ErrNothingToRegenerate
	}
	prompt := snap.history[promptIdx]
	o.record(ModeRegenerate, prompt.Text, snap.rc, 0)
	guidance := fmt.Sprintf("%s\n%s\n\"%s\"", o.lx.Texts.RegenerateGuidance, o.lx.Texts.RegeneratePrevious,
		lexicon.Truncate(snap.history[replyIdx].Text, regeneratePreviousChars))

	history := snap.history[:promptIdx]
	return o.run(tctx, t, TurnResult{TurnID: t.id}, plan{
		turn: Turn{
			Context:        snap.rc,
			History:        history,
			UserContent:    prompt.Text,
			Guidance:       []string{guidance},
			PriorAssistant: countRole(history, domain.RoleAssistant),
		},
		source:    snap.rc,
		replaceID: snap.history[replyIdx].ID,
	})
}

// SummarizeSession asks the model for a structured summary of the session.
func (o *Orchestrator) SummarizeSession(ctx context.Context) (TurnResult, error) {
	t, tctx, err := o.begin(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	defer o.finish(t)

	snap, err := o.open(t, nil)
	if err != nil {
		return TurnResult{}, err
	}
	res := TurnResult{TurnID: t.id}
	if len(snap.history) < 2 {
		msg, ok := o.commit(t, domain.RoleAssistant, o.lx.Texts.SummaryEmpty, false, "")
		if !ok {
			return res, ErrSuperseded
		}
		res.Message = msg
		res.Validation.Valid = true
		return res, nil
	}
	o.record(ModeSummary, o.lx.Texts.SummaryRequest, snap.rc, 0)

	return o.run(tctx, t, res, plan{
		turn: Turn{
			Context:        snap.rc,
			History:        snap.history,
			UserContent:    o.lx.Texts.SummaryRequest,
			PriorAssistant: snap.priorAssistant,
		},
		source: snap.rc,
	})
}

// SetContext merges patch into the reading context and returns the result.
func (o *Orchestrator) SetContext(patch ContextPatch) RequestContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rc = patch.Apply(o.rc)
	return o.rc
}

// Context returns the current reading context.
func (o *Orchestrator) Context() RequestContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rc
}

// Messages returns a copy of the session, oldest first.
func (o *Orchestrator) Messages() []domain.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv.Snapshot()
}

// FollowUpState returns the follow-up memory of the session.
func (o *Orchestrator) FollowUpState() FollowUpState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fu
}

// RestoreFollowUp sets the last injection time, for sessions loaded from storage.
func (o *Orchestrator) RestoreFollowUp(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fu.LastInjectedAt = at
}

// LoadMessages replaces the session wholesale. Any in-flight turn is cancelled
// and pending follow-ups are dropped.
func (o *Orchestrator) LoadMessages(msgs []domain.Message) {
	o.reset(func() { o.conv.Replace(msgs) })
}

// Clear empties the session. Any in-flight turn is cancelled and pending
// follow-ups are dropped.
func (o *Orchestrator) Clear() {
	o.reset(func() {
		o.conv.Clear()
		o.fu = FollowUpState{}
	})
}

// CancelPending cancels the in-flight turn, if any, without touching the session.
// It reports whether a turn was cancelled.
func (o *Orchestrator) CancelPending() bool {
	o.mu.Lock()
	a := o.active
	o.active = nil
	o.mu.Unlock()
	if a == nil {
		return false
	}
	a.cancel()
	return true
}

// Close cancels the in-flight turn, stops pending follow-ups and waits for the
// last turn to unwind. Further turns fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopTimerLocked()
	a, last := o.active, o.last
	o.active = nil
	o.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	if last != nil {
		<-last.done
	}
}

func (o *Orchestrator) reset(mutate func()) {
	o.mu.Lock()
	a := o.active
	o.active = nil
	o.generation++
	o.stopTimerLocked()
	mutate()
	o.mu.Unlock()
	if a != nil {
		a.cancel()
	}
}

// burst reports whether prompt repeats the previous prompt within the burst
// window, and remembers it otherwise.
func (o *Orchestrator) burst(prompt string) bool {
	key := prompt
	if rs := []rune(prompt); len(rs) > burstKeyRunes {
		key = string(rs[:burstKeyRunes])
	}
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if key == o.burstKey && now.Sub(o.burstAt) < o.t.BurstWindow {
		return true
	}
	o.burstKey, o.burstAt = key, now
	return false
}

// begin registers a new turn, cancels the previous one and waits for it to
// finish so that its gateway call is no longer outstanding.
func (o *Orchestrator) begin(ctx context.Context) (*turn, context.Context, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, nil, ErrClosed
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &turn{
		id:     ulid.Make().String(),
		gen:    o.generation,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	prev, running := o.last, o.active
	o.active, o.last = t, t
	o.mu.Unlock()

	if running != nil {
		running.cancel()
	}
	if prev != nil {
		<-prev.done
	}
	return t, tctx, nil
}

func (o *Orchestrator) finish(t *turn) {
	o.mu.Lock()
	if o.active == t {
		o.active = nil
	}
	o.mu.Unlock()
	t.cancel()
	close(t.done)
}

// currentLocked reports whether t may still change the session.
func (o *Orchestrator) currentLocked(t *turn) bool {
	return !o.closed && o.active == t && t.gen == o.generation
}

type snapshot struct {
	rc             RequestContext
	history        []domain.Message
	priorUser      int
	priorAssistant int
}

// open captures the session for t. When prepare is set it may update the
// reading context and returns the text of the learner message to append.
func (o *Orchestrator) open(t *turn, prepare func(*RequestContext) string) (snapshot, error) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	o.mu.Lock()
	if !o.currentLocked(t) {
		o.mu.Unlock()
		return snapshot{}, ErrSuperseded
	}
	o.stopTimerLocked()
	var userText string
	if prepare != nil {
		userText = prepare(&o.rc)
	}
	snap := snapshot{
		rc:             o.rc,
		history:        o.conv.Snapshot(),
		priorUser:      o.conv.CountRole(domain.RoleUser),
		priorAssistant: o.conv.CountRole(domain.RoleAssistant),
	}
	// Web enrichment feeds a single request.
	o.rc.WebEnrichment = ""
	var msg domain.Message
	if userText != "" {
		msg = domain.NewMessage(domain.RoleUser, userText, o.now())
		o.conv.Append(msg)
	}
	o.mu.Unlock()

	if userText != "" {
		o.deliverer.Deliver(msg)
	}
	return snap, nil
}

type plan struct {
	turn   Turn
	source RequestContext
	dedup  bool
	// replaceID is removed from the session when the result is committed.
	replaceID string
}

func (o *Orchestrator) run(ctx context.Context, t *turn, res TurnResult, p plan) (TurnResult, error) {
	log := o.logger.With("turn_id", t.id)

	reply, err := o.gw.Send(ctx, o.asm.Build(p.turn))
	res.Attempt.NetworkRetryCount = retriesOf(reply, err)
	if err != nil {
		if ctx.Err() != nil || completion.IsCanceled(err) {
			return res, o.canceled(ctx, t)
		}
		log.Warn("Completion failed", "error", err)
		role, text := o.failure(err)
		msg, ok := o.commit(t, role, text, false, "")
		if !ok {
			return res, ErrSuperseded
		}
		res.Message = msg
		return res, nil
	}

	text := o.content(reply)
	res.Validation = o.validator.Validate(text, p.source.Fragment, p.source.FullText)
	for !res.Validation.Valid && res.Attempt.RegenerationCount < o.t.MaxRegenerations {
		res.Attempt.RegenerationCount++
		log.Info("Regenerating reply", "violations", len(res.Validation.Violations))

		retry := p.turn
		retry.Guidance = append(append([]string(nil), p.turn.Guidance...), o.validator.CorrectionPrompt(res.Validation))
		again, err := o.gw.Send(ctx, o.asm.Build(retry))
		res.Attempt.NetworkRetryCount = max(res.Attempt.NetworkRetryCount, retriesOf(again, err))
		if err != nil {
			if ctx.Err() != nil || completion.IsCanceled(err) {
				return res, o.canceled(ctx, t)
			}
			log.Warn("Regeneration failed, keeping first reply", "error", err)
			break
		}
		text = o.content(again)
		res.Validation = o.validator.Validate(text, p.source.Fragment, p.source.FullText)
	}
	if !res.Validation.Valid {
		text = o.lx.Texts.Disclaimer + text
	}

	msg, ok := o.commit(t, domain.RoleAssistant, text, p.dedup, p.replaceID)
	if !ok {
		return res, ErrSuperseded
	}
	res.Message = msg
	o.scheduleFollowUp(msg, p.source, t.gen)
	return res, nil
}

// canceled sorts a cancelled call: the caller's own context, or a takeover.
func (o *Orchestrator) canceled(ctx context.Context, t *turn) error {
	o.mu.Lock()
	current := o.currentLocked(t)
	o.mu.Unlock()
	if current && ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrSuperseded
}

func (o *Orchestrator) content(r completion.Reply) string {
	if strings.TrimSpace(r.Content) == "" {
		return o.lx.Texts.EmptyReply
	}
	return r.Content
}

// commit appends the turn's result if t is still current. Dedup runs against
// the newest tutor reply at commit time.
func (o *Orchestrator) commit(t *turn, role domain.Role, text string, dedup bool, replaceID string) (domain.Message, bool) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	o.mu.Lock()
	if !o.currentLocked(t) {
		o.mu.Unlock()
		return domain.Message{}, false
	}
	if replaceID != "" {
		o.conv.RemoveID(replaceID)
	}
	if dedup {
		if prev, ok := o.lastReplyLocked(); ok {
			if out, dup := o.dedup.Apply(prev.Text, text); dup {
				o.logger.Info("Condensed repeated reply", "turn_id", t.id)
				text = out
			}
		}
	}
	msg := domain.NewMessage(role, text, o.now())
	if evicted := o.conv.Append(msg); evicted > 0 {
		o.logger.Debug("Evicted old messages", "count", evicted)
	}
	o.mu.Unlock()

	o.deliverer.Deliver(msg)
	return msg, true
}

// lastReplyLocked returns the newest tutor reply, skipping warnings and
// injected follow-up questions.
func (o *Orchestrator) lastReplyLocked() (domain.Message, bool) {
	return o.conv.LastAssistant(o.lx.Texts.FollowUpPrefix)
}

func (o *Orchestrator) scheduleFollowUp(src domain.Message, rc RequestContext, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.generation || !o.followups.Eligible(&o.fu, src, o.now()) {
		return
	}
	text := o.followups.Compose(src.Text, rc)
	o.stopTimerLocked()
	o.timer = time.AfterFunc(o.followups.Delay(), func() {
		o.injectFollowUp(src, text, gen)
	})
}

// injectFollowUp appends the follow-up if src is still the newest message of
// the same session generation and the cooldown still holds.
func (o *Orchestrator) injectFollowUp(src domain.Message, text string, gen uint64) {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	o.mu.Lock()
	now := o.now()
	last, ok := o.conv.Last()
	if o.closed || gen != o.generation || !ok || last.ID != src.ID || !o.fu.CooledDown(now, o.followups.Cooldown()) {
		o.mu.Unlock()
		return
	}
	msg := domain.NewMessage(domain.RoleAssistant, text, now)
	o.conv.Append(msg)
	o.fu.Record(src.Text, now)
	o.timer = nil
	o.mu.Unlock()

	o.deliverer.Deliver(msg)
}

// InjectAssistant appends a tutor message supplied by the host, such as a
// follow-up it composed itself. It does not touch the turn in flight.
func (o *Orchestrator) InjectAssistant(text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, ErrEmptyMessage
	}

	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.Message{}, ErrClosed
	}
	msg := domain.NewMessage(domain.RoleAssistant, text, o.now())
	o.conv.Append(msg)
	o.mu.Unlock()

	o.deliverer.Deliver(msg)
	return msg, nil
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// regenerationTarget finds the newest tutor reply that is not a follow-up or
// warning, and the learner message before it.
func (o *Orchestrator) regenerationTarget(history []domain.Message) (reply, prompt int) {
	reply, prompt = lastAssistantIndex(history, o.lx.Texts.FollowUpPrefix), -1
	for i := reply - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			prompt = i
			break
		}
	}
	return reply, prompt
}

// failure maps a gateway error onto the message delivered to the learner.
func (o *Orchestrator) failure(err error) (domain.Role, string) {
	tx := o.lx.Texts
	ce, ok := completion.AsError(err)
	if !ok {
		return domain.RoleError, tx.ErrorGeneric
	}
	switch ce.Kind {
	case completion.KindParse:
		return domain.RoleAssistant, tx.EmptyReply
	case completion.KindTimeout:
		return domain.RoleError, tx.ErrorTimeout
	case completion.KindNetwork:
		return domain.RoleError, tx.ErrorExhausted
	case completion.KindServer:
		return domain.RoleError, tx.ErrorServer
	case completion.KindClient:
		switch ce.StatusCode {
		case 402:
			return domain.RoleError, tx.ErrorCredit
		case 401, 403:
			return domain.RoleError, tx.ErrorUnauthorized
		}
		return domain.RoleError, tx.ErrorRequest
	}
	return domain.RoleError, tx.ErrorGeneric
}

// record emits telemetry for a turn; bloomLevel is 0 when not detected.
func (o *Orchestrator) record(mode, question string, rc RequestContext, bloomLevel int) {
	source := rc.Fragment
	if strings.TrimSpace(source) == "" {
		source = rc.FullText
	}
	o.telemetry.Record(TelemetryEvent{
		ID:         ulid.Make().String(),
		Timestamp:  o.now(),
		Question:   question,
		Context:    lexicon.Truncate(strings.TrimSpace(source), telemetryContext),
		TutorMode:  mode,
		BloomLevel: bloomLevel,
	})
}

func retriesOf(r completion.Reply, err error) int {
	if err == nil {
		return r.Retries
	}
	if ce, ok := completion.AsError(err); ok {
		return ce.Retries
	}
	return 0
}
