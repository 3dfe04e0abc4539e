package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/lectura-tutor/internal/completion"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
	"github.com/ashureev/lectura-tutor/internal/store"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

const defaultReply = "El puente une las islas del poema y sostiene la memoria compartida."

// stubGateway answers every request with the next scripted reply.
type stubGateway struct {
	mu      sync.Mutex
	replies []string
	calls   int
	block   bool
}

func (g *stubGateway) Send(ctx context.Context, _ completion.Request) (completion.Reply, error) {
	g.mu.Lock()
	g.calls++
	block := g.block
	text := defaultReply
	if len(g.replies) > 0 {
		text = g.replies[0]
		g.replies = g.replies[1:]
	}
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return completion.Reply{}, &completion.Error{Kind: completion.KindCanceled, Err: ctx.Err()}
	}
	return completion.Reply{Content: text}, nil
}

func (g *stubGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testTuning() tutor.Tuning {
	t := tutor.DefaultTuning()
	t.FollowUpsEnabled = false
	t.BurstWindow = 0
	return t
}

type testEnv struct {
	svc  *Service
	hub  *Hub
	repo *store.SQLiteStore
	gw   *stubGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "tutor.db"))
	require.NoError(t, err)

	gw := &stubGateway{}
	hub := NewHub(50, nil)
	svc, err := NewService(Options{
		Repo:    repo,
		Gateway: gw,
		Lexicon: lexicon.MustDefault(),
		Tuning:  testTuning(),
		Hub:     hub,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		svc.Close()
		hub.Close()
		_ = repo.Close()
	})
	return &testEnv{svc: svc, hub: hub, repo: repo, gw: gw}
}

func nextEvent(t *testing.T, sub *Subscription) *QueuedMessage {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}
