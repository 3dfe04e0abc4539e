package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/lectura-tutor/internal/api"
	"github.com/ashureev/lectura-tutor/internal/identity"
	"github.com/ashureev/lectura-tutor/internal/middleware"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// HandlerConfig holds transport settings.
type HandlerConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	// AllowedOrigins is matched against WebSocket Origin headers outside
	// development mode.
	AllowedOrigins []string
	IsDev          bool
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// Handler serves the tutoring HTTP, SSE and WebSocket endpoints.
type Handler struct {
	svc        *Service
	hub        *Hub
	validators *Validators
	limiter    *middleware.RateLimiter
	cfg        HandlerConfig
}

// NewHandler creates a handler. limiter may be nil to disable throttling.
func NewHandler(svc *Service, hub *Hub, limiter *middleware.RateLimiter, cfg HandlerConfig) (*Handler, error) {
	v, err := NewValidators()
	if err != nil {
		return nil, err
	}
	return &Handler{
		svc:        svc,
		hub:        hub,
		validators: v,
		limiter:    limiter,
		cfg:        cfg.withDefaults(),
	}, nil
}

// RegisterRoutes registers tutoring routes. Identity middleware must run first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tutor", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				// Throttle by learner, not by tab, so rotating session IDs
				// does not bypass the limit.
				r.Use(middleware.RateLimit(h.limiter, func(r *http.Request) string {
					return identity.UserIDFromContext(r.Context())
				}))
			}
			r.Post("/action", h.HandleAction)
			r.Post("/prompt", h.HandlePrompt)
			r.Post("/regenerate", h.HandleRegenerate)
			r.Post("/summary", h.HandleSummary)
		})
		r.Post("/cancel", h.HandleCancel)
		r.Put("/context", h.HandleSetContext)
		r.Get("/messages", h.HandleMessages)
		r.Put("/messages", h.HandleLoadMessages)
		r.Delete("/messages", h.HandleClear)
		r.Post("/messages/assistant", h.HandleAppendAssistant)
		r.Get("/stream", h.HandleStream)
	})
	r.Get("/ws/tutor", h.HandleWebSocket)
}

// session resolves the caller's tutoring session, writing an error response
// when it cannot.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	sess, err := h.svc.Session(r.Context(), userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to open tutor session", "user_id", userID, "error", err)
		if errors.Is(err, ErrServiceClosed) {
			api.Error(w, http.StatusServiceUnavailable, "service shutting down")
			return nil, false
		}
		api.Error(w, http.StatusInternalServerError, "failed to open session")
		return nil, false
	}
	return sess, true
}

func (h *Handler) body(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := api.ReadBody(w, r, h.cfg.MaxRequestBodySize)
	if err != nil {
		if errors.Is(err, api.ErrBodyTooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return data, true
}

// HandleAction handles POST /api/tutor/action.
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	data, ok := h.body(w, r)
	if !ok {
		return
	}
	req, err := h.validators.DecodeAction(data)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("Tutor action request",
		"user_id", sess.UserID,
		"session_id", sess.SessionID,
		"action", req.Action,
		"fragment_length", len(req.Fragment),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	res, err := runAction(r.Context(), sess, req)
	writeTurn(w, res, err)
}

// HandlePrompt handles POST /api/tutor/prompt.
func (h *Handler) HandlePrompt(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	data, ok := h.body(w, r)
	if !ok {
		return
	}
	req, err := h.validators.DecodePrompt(data)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("Tutor prompt request",
		"user_id", sess.UserID,
		"session_id", sess.SessionID,
		"prompt_length", len(req.Prompt),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	res, err := runPrompt(r.Context(), sess, req)
	writeTurn(w, res, err)
}

// HandleRegenerate handles POST /api/tutor/regenerate.
func (h *Handler) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := sess.Tutor.RegenerateLast(r.Context())
	writeTurn(w, res, err)
}

// HandleSummary handles POST /api/tutor/summary.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := sess.Tutor.SummarizeSession(r.Context())
	writeTurn(w, res, err)
}

// HandleCancel handles POST /api/tutor/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, map[string]bool{"cancelled": sess.Tutor.CancelPending()})
}

// HandleSetContext handles PUT /api/tutor/context.
func (h *Handler) HandleSetContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	data, ok := h.body(w, r)
	if !ok {
		return
	}
	if err := h.validators.ValidateContext(data); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var patch tutor.ContextPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	api.JSON(w, http.StatusOK, sess.Tutor.SetContext(patch))
}

// HandleMessages handles GET /api/tutor/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, MessagesRequest{Messages: sess.Tutor.Messages()})
}

// HandleLoadMessages handles PUT /api/tutor/messages.
func (h *Handler) HandleLoadMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	data, ok := h.body(w, r)
	if !ok {
		return
	}
	req, err := h.validators.DecodeMessages(data)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.svc.Replace(r.Context(), sess.UserID, sess.SessionID, req.Messages); err != nil {
		slog.Error("Failed to replace transcript", "user_id", sess.UserID, "session_id", sess.SessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to store messages")
		return
	}
	api.JSON(w, http.StatusOK, MessagesRequest{Messages: sess.Tutor.Messages()})
}

// HandleAppendAssistant handles POST /api/tutor/messages/assistant.
func (h *Handler) HandleAppendAssistant(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	data, ok := h.body(w, r)
	if !ok {
		return
	}
	req, err := h.validators.DecodeAppend(data)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := sess.Tutor.InjectAssistant(req.Content)
	switch {
	case errors.Is(err, tutor.ErrEmptyMessage):
		api.Error(w, http.StatusBadRequest, "message is empty")
		return
	case errors.Is(err, tutor.ErrClosed):
		api.Error(w, http.StatusServiceUnavailable, "session closed")
		return
	case err != nil:
		api.Error(w, http.StatusInternalServerError, "failed to append message")
		return
	}
	api.JSON(w, http.StatusCreated, msg)
}

// HandleClear handles DELETE /api/tutor/messages.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.svc.Reset(r.Context(), sess.UserID, sess.SessionID); err != nil {
		slog.Error("Failed to reset session", "user_id", sess.UserID, "session_id", sess.SessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func runAction(ctx context.Context, sess *Session, req ActionRequest) (tutor.TurnResult, error) {
	if req.LengthMode != nil || req.Temperature != nil {
		sess.Tutor.SetContext(tutor.ContextPatch{LengthMode: req.LengthMode, Temperature: req.Temperature})
	}
	return sess.Tutor.HandleAction(ctx, req.Action, req.Fragment, req.FullText)
}

func runPrompt(ctx context.Context, sess *Session, req PromptRequest) (tutor.TurnResult, error) {
	return sess.Tutor.HandlePrompt(ctx, tutor.PromptInput{
		Prompt:        req.Prompt,
		FullText:      req.FullText,
		WebEnrichment: req.WebEnrichment,
	})
}

// turnStatus maps a turn error onto an HTTP status and message.
func turnStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tutor.ErrEmptyPrompt):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tutor.ErrNothingToRegenerate), errors.Is(err, tutor.ErrSuperseded):
		return http.StatusConflict, err.Error()
	case errors.Is(err, tutor.ErrClosed), errors.Is(err, ErrServiceClosed):
		return http.StatusServiceUnavailable, "session closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "request cancelled"
	}
	return http.StatusInternalServerError, "turn failed"
}

func writeTurn(w http.ResponseWriter, res tutor.TurnResult, err error) {
	if err != nil {
		status, msg := turnStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Tutor turn failed", "error", err)
		}
		api.Error(w, status, msg)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

// HandleStream handles the SSE stream of delivered messages. Clients that
// reconnect with Last-Event-ID (header or lastEventId query) get the events
// they missed.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"user_id", sess.UserID,
				"last_event_id", lastEventID,
			)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.RetryDelay.Milliseconds())); err != nil {
		slog.Warn("Failed to write SSE retry header", "error", err, "user_id", sess.UserID)
		return
	}

	sub, missed := h.hub.Subscribe(sess.UserID, sess.SessionID, lastEventID)
	defer func() {
		sub.Close()
		slog.Info("SSE connection closed", "user_id", sess.UserID, "session_id", sess.SessionID, "conn_id", sub.ID)
	}()

	if len(missed) > 0 {
		slog.Info("Sending missed messages", "user_id", sess.UserID, "session_id", sess.SessionID, "count", len(missed))
	}
	for _, msg := range missed {
		if err := writeQueued(w, msg); err != nil {
			slog.Warn("Failed to replay SSE event", "error", err, "user_id", sess.UserID)
			return
		}
	}

	connectedID := h.hub.NextEventID()
	connected := fmt.Sprintf(`{"status":"connected","session_id":%q,"event_id":%d}`, sess.SessionID, connectedID)
	if err := writeSSEWithID(w, connectedID, "connected", connected); err != nil {
		slog.Warn("Failed to write SSE connected event", "error", err, "user_id", sess.UserID)
		return
	}
	flusher.Flush()

	slog.Info("SSE connection established",
		"user_id", sess.UserID,
		"session_id", sess.SessionID,
		"conn_id", sub.ID,
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeQueued(w, msg); err != nil {
				slog.Warn("Failed to write SSE event", "error", err, "user_id", sess.UserID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("Failed to write SSE keepalive ping", "error", err, "user_id", sess.UserID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeQueued(w io.Writer, msg *QueuedMessage) error {
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return writeSSEWithID(w, msg.EventID, string(msg.Event.Type), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
