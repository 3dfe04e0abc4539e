package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/identity"
	"github.com/ashureev/lectura-tutor/internal/middleware"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

func withTestIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), "u1", "tab")))
	})
}

func newTestRouter(t *testing.T, env *testEnv, limiter *middleware.RateLimiter, cfg HandlerConfig) http.Handler {
	t.Helper()
	h, err := NewHandler(env.svc, env.hub, limiter, cfg)
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Use(withTestIdentity)
	h.RegisterRoutes(r)
	return r
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlePromptReturnsTurn(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, nil, HandlerConfig{IsDev: true})

	w := do(router, http.MethodPost, "/api/tutor/prompt", `{"prompt":"¿qué significa el puente?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res tutor.TurnResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, domain.RoleAssistant, res.Message.Role)
	assert.NotEmpty(t, res.TurnID)

	w = do(router, http.MethodGet, "/api/tutor/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got MessagesRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, res.Message.ID, got.Messages[1].ID)
}

func TestHandleActionAppliesContext(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, nil, HandlerConfig{IsDev: true})

	w := do(router, http.MethodPost, "/api/tutor/action",
		`{"action":"explicar","fragment":"Somos islas dispersas en un mar de silencio.","lengthMode":"breve","temperature":0.2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sess, err := env.svc.Session(context.Background(), "u1", "tab")
	require.NoError(t, err)
	rc := sess.Tutor.Context()
	assert.Equal(t, tutor.LengthBrief, rc.LengthMode)
	assert.InDelta(t, 0.2, rc.Temperature, 1e-9)
}

func TestHandlerRejectsInvalidBodies(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, nil, HandlerConfig{IsDev: true})

	tests := []struct {
		name, method, path, body string
	}{
		{"malformed json", http.MethodPost, "/api/tutor/prompt", `{"prompt":`},
		{"empty prompt", http.MethodPost, "/api/tutor/prompt", `{"prompt":""}`},
		{"action without fragment", http.MethodPost, "/api/tutor/action", `{"action":"explicar"}`},
		{"temperature out of range", http.MethodPost, "/api/tutor/action", `{"action":"explicar","fragment":"x","temperature":3}`},
		{"unknown length mode", http.MethodPut, "/api/tutor/context", `{"lengthMode":"eterno"}`},
		{"unknown context field", http.MethodPut, "/api/tutor/context", `{"author":"Borges"}`},
		{"invalid role", http.MethodPut, "/api/tutor/messages", `{"messages":[{"role":"system","content":"x"}]}`},
		{"empty injected message", http.MethodPost, "/api/tutor/messages/assistant", `{"content":""}`},
		{"blank injected message", http.MethodPost, "/api/tutor/messages/assistant", `{"content":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, env.gw.Calls())
}

func TestHandlerBodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, nil, HandlerConfig{IsDev: true, MaxRequestBodySize: 32})

	w := do(router, http.MethodPost, "/api/tutor/prompt", `{"prompt":"`+strings.Repeat("a", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandlerContextAndTranscriptRoutes(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, nil, HandlerConfig{IsDev: true})

	w := do(router, http.MethodPut, "/api/tutor/context", `{"fragment":"Somos islas.","lengthMode":"detallada"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rc tutor.RequestContext
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rc))
	assert.Equal(t, "Somos islas.", rc.Fragment)
	assert.Equal(t, tutor.LengthDetailed, rc.LengthMode)

	w = do(router, http.MethodPut, "/api/tutor/messages",
		`{"messages":[{"role":"user","content":"hola"},{"role":"assistant","content":"Hola, lector."}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got MessagesRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)
	assert.NotEmpty(t, got.Messages[0].ID)

	w = do(router, http.MethodDelete, "/api/tutor/messages", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodGet, "/api/tutor/messages", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Empty(t, got.Messages)
}

func TestHandleAppendAssistantStoresMessage(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, nil, HandlerConfig{IsDev: true})

	w := do(router, http.MethodPost, "/api/tutor/messages/assistant", `{"content":"🤔 ¿Qué papel juega el mar?"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg domain.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.Equal(t, "🤔 ¿Qué papel juega el mar?", msg.Text)

	stored, err := env.repo.GetConversation(context.Background(), "u1", "tab")
	require.NoError(t, err)
	require.NotNil(t, stored)
	msgs, err := stored.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Zero(t, env.gw.Calls())
}

func TestHandlerTurnErrors(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, nil, HandlerConfig{IsDev: true})

	w := do(router, http.MethodPost, "/api/tutor/regenerate", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, http.MethodPost, "/api/tutor/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":false}`, w.Body.String())

	w = do(router, http.MethodPost, "/api/tutor/prompt", `{"prompt":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRateLimitsTurns(t *testing.T) {
	env := newTestEnv(t)
	limiter := middleware.NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	router := newTestRouter(t, env, limiter, HandlerConfig{IsDev: true})

	w := do(router, http.MethodPost, "/api/tutor/prompt", `{"prompt":"primera pregunta"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(router, http.MethodPost, "/api/tutor/prompt", `{"prompt":"segunda pregunta"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = do(router, http.MethodGet, "/api/tutor/messages", "")
	assert.Equal(t, http.StatusOK, w.Code, "reads are not throttled")
}

type sseEvent struct {
	id    int64
	event string
	data  string
}

func readSSE(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			ev.id = id
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return ev
}

func openStream(t *testing.T, ctx context.Context, url string, lastEventID int64) *bufio.Scanner {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/tutor/stream", nil)
	require.NoError(t, err)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewScanner(resp.Body)
}

func TestHandleStreamDeliversAndReplays(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(newTestRouter(t, env, nil, HandlerConfig{IsDev: true, KeepaliveInterval: time.Hour}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := openStream(t, ctx, srv.URL, 0)
	assert.Equal(t, "connected", readSSE(t, sc).event)

	w := do(srv.Config.Handler, http.MethodPost, "/api/tutor/prompt", `{"prompt":"¿qué significa el puente?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	first := readSSE(t, sc)
	require.Equal(t, "message", first.event)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(first.data), &ev))
	assert.Equal(t, domain.RoleUser, ev.Message.Role)
	assert.Equal(t, "tab", ev.SessionID)

	second := readSSE(t, sc)
	require.Equal(t, "message", second.event)
	assert.Greater(t, second.id, first.id)
	cancel()

	replayCtx, replayCancel := context.WithCancel(context.Background())
	defer replayCancel()
	replay := openStream(t, replayCtx, srv.URL, first.id)
	missed := readSSE(t, replay)
	assert.Equal(t, second.id, missed.id)
	assert.Equal(t, second.data, missed.data)
	assert.Equal(t, "connected", readSSE(t, replay).event)
}

func TestHandleWebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(newTestRouter(t, env, nil, HandlerConfig{IsDev: true}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/tutor", nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	read := func() map[string]interface{} {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	}

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", read()["type"])

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"prompt"}`)))
	invalid := read()
	assert.Equal(t, string(EventError), invalid["type"])

	require.NoError(t, ws.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"prompt","requestId":"r1","prompt":"¿qué significa el puente?"}`)))

	// Turn results and hub events travel separately, so their order is free.
	var messages int
	var turn map[string]interface{}
	for turn == nil || messages < 2 {
		frame := read()
		switch frame["type"] {
		case string(EventMessage):
			messages++
		case string(EventTurn):
			turn = frame
		default:
			t.Fatalf("unexpected frame: %v", frame)
		}
	}
	assert.Equal(t, "r1", turn["requestId"])
	assert.Equal(t, 2, messages)
}

func TestCheckOrigin(t *testing.T) {
	h := &Handler{cfg: HandlerConfig{AllowedOrigins: []string{"https://lectura.example"}}}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://lectura.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws/tutor", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, h.checkOrigin(req), tt.origin)
	}

	h.cfg.IsDev = true
	req := httptest.NewRequest(http.MethodGet, "/ws/tutor", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.True(t, h.checkOrigin(req))
}
