package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/lectura-tutor/internal/identity"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is the envelope of inbound WebSocket frames. Action and prompt
// frames carry their payload fields alongside type.
type wsMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// wsEvent is an outbound frame.
type wsEvent struct {
	ID int64 `json:"id,omitempty"`
	*Event
}

// HandleWebSocket serves a bidirectional tutoring session. Inbound frames
// start or cancel turns; delivered messages and turn results stream back.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, _ := h.hub.Subscribe(sess.UserID, sess.SessionID, 0)
	defer sub.Close()

	var turns sync.WaitGroup
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, sess, &turns)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, sub)
	}()

	wg.Wait()
	turns.Wait()
	slog.Info("Tutor WebSocket session ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigins)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, sess *Session, turns *sync.WaitGroup) {
	slog.Debug("Starting input loop", "user_id", sess.UserID)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", sess.UserID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", sess.UserID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeEvent(ws, 0, &Event{Type: EventError, SessionID: sess.SessionID, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "action":
			req, err := h.validators.DecodeAction(data)
			if err != nil {
				h.writeEvent(ws, 0, &Event{Type: EventError, SessionID: sess.SessionID, Error: err.Error(), RequestID: msg.RequestID})
				continue
			}
			h.startTurn(ctx, ws, sess, turns, msg.RequestID, func(ctx context.Context) (tutor.TurnResult, error) {
				return runAction(ctx, sess, req)
			})
		case "prompt":
			req, err := h.validators.DecodePrompt(data)
			if err != nil {
				h.writeEvent(ws, 0, &Event{Type: EventError, SessionID: sess.SessionID, Error: err.Error(), RequestID: msg.RequestID})
				continue
			}
			h.startTurn(ctx, ws, sess, turns, msg.RequestID, func(ctx context.Context) (tutor.TurnResult, error) {
				return runPrompt(ctx, sess, req)
			})
		case "regenerate":
			h.startTurn(ctx, ws, sess, turns, msg.RequestID, sess.Tutor.RegenerateLast)
		case "summary":
			h.startTurn(ctx, ws, sess, turns, msg.RequestID, sess.Tutor.SummarizeSession)
		case "cancel":
			sess.Tutor.CancelPending()
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		default:
			h.writeEvent(ws, 0, &Event{Type: EventError, SessionID: sess.SessionID, Error: "unknown message type", RequestID: msg.RequestID})
		}
	}
}

// startTurn runs a turn in the background. The orchestrator supersedes any
// turn still running, so a new frame never waits for the previous reply.
func (h *Handler) startTurn(ctx context.Context, ws *websocket.Conn, sess *Session, turns *sync.WaitGroup, requestID string, run func(context.Context) (tutor.TurnResult, error)) {
	turns.Add(1)
	go func() {
		defer turns.Done()
		res, err := run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_, msg := turnStatus(err)
			h.writeEvent(ws, 0, &Event{Type: EventError, SessionID: sess.SessionID, Error: msg, RequestID: requestID})
			return
		}
		h.writeEvent(ws, 0, &Event{Type: EventTurn, SessionID: sess.SessionID, Result: &res, RequestID: requestID})
	}()
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.C:
			if err := h.writeEvent(ws, msg.EventID, msg.Event); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}

func (h *Handler) writeEvent(ws *websocket.Conn, id int64, ev *Event) error {
	return h.writeJSON(ws, wsEvent{ID: id, Event: ev})
}

func (h *Handler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
