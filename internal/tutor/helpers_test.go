package tutor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/lectura-tutor/internal/completion"
	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

// step is one scripted gateway outcome.
type step struct {
	reply completion.Reply
	err   error
	// block makes the call wait for ctx cancellation.
	block bool
	// delay holds the call before replying unless ctx ends first.
	delay time.Duration
}

// fakeGateway replays steps in order and tracks concurrency.
type fakeGateway struct {
	mu    sync.Mutex
	steps []step
	calls []completion.Request

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	started     chan struct{}
}

func newFakeGateway(steps ...step) *fakeGateway {
	return &fakeGateway{steps: steps, started: make(chan struct{}, 64)}
}

func (g *fakeGateway) Send(ctx context.Context, req completion.Request) (completion.Reply, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		m := g.maxInFlight.Load()
		if n <= m || g.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	g.mu.Lock()
	g.calls = append(g.calls, req)
	var s step
	if len(g.steps) > 0 {
		s = g.steps[0]
		g.steps = g.steps[1:]
	} else {
		s = step{reply: completion.Reply{Content: "Respuesta."}}
	}
	g.mu.Unlock()

	select {
	case g.started <- struct{}{}:
	default:
	}
	if s.block {
		<-ctx.Done()
		return completion.Reply{}, &completion.Error{Kind: completion.KindCanceled, Err: ctx.Err()}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return completion.Reply{}, &completion.Error{Kind: completion.KindCanceled, Err: ctx.Err()}
		}
	}
	return s.reply, s.err
}

func (g *fakeGateway) Calls() []completion.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]completion.Request(nil), g.calls...)
}

func reply(text string) step {
	return step{reply: completion.Reply{Content: text}}
}

// recorder collects delivered messages.
type recorder struct {
	mu   sync.Mutex
	msgs []domain.Message
	ch   chan domain.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan domain.Message, 64)}
}

func (r *recorder) Deliver(m domain.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	select {
	case r.ch <- m:
	default:
	}
}

func (r *recorder) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.msgs...)
}

type telemetryRecorder struct {
	mu     sync.Mutex
	events []TelemetryEvent
}

func (r *telemetryRecorder) Record(ev TelemetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *telemetryRecorder) Events() []TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TelemetryEvent(nil), r.events...)
}

// testTuning disables follow-ups and the burst guard unless a test opts in.
func testTuning() Tuning {
	t := DefaultTuning()
	t.FollowUpsEnabled = false
	t.BurstWindow = 0
	return t
}

func newTestOrchestrator(t *testing.T, gw Gateway, tuning Tuning) (*Orchestrator, *recorder) {
	t.Helper()
	rec := newRecorder()
	o, err := New(Options{
		Gateway:   gw,
		Lexicon:   lexicon.MustDefault(),
		Tuning:    tuning,
		Deliverer: rec,
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, rec
}

func waitStarted(t *testing.T, g *fakeGateway) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway call did not start")
	}
}

func systemPrompt(req completion.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[0].Content
}

func lastUserContent(req completion.Request) string {
	return req.Messages[len(req.Messages)-1].Content
}
