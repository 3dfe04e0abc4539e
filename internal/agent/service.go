package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/lectura-tutor/internal/config"
	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
	"github.com/ashureev/lectura-tutor/internal/store"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

const persistTimeout = 5 * time.Second

// ErrServiceClosed is returned once the service is shutting down.
var ErrServiceClosed = errors.New("agent service closed")

// Options configures a Service. Repo and Gateway are required.
type Options struct {
	Repo    store.Repository
	Gateway tutor.Gateway
	Lexicon *lexicon.Lexicon
	Tuning  tutor.Tuning
	Hub     *Hub
	Log     ConversationLogger
	Logger  *slog.Logger
}

// Session is one learner tab with its orchestrator.
type Session struct {
	UserID    string
	SessionID string
	Tutor     *tutor.Orchestrator

	mu       sync.Mutex
	lastUsed time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Service is the registry of live tutoring sessions. Sessions are created
// on first use from the stored transcript and persisted after every
// delivered message.
type Service struct {
	repo    store.Repository
	gateway tutor.Gateway
	lexicon *lexicon.Lexicon
	tuning  tutor.Tuning
	hub     *Hub
	log     ConversationLogger
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewService creates a session registry.
func NewService(opts Options) (*Service, error) {
	if opts.Repo == nil {
		return nil, errors.New("agent: repository is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("agent: gateway is required")
	}
	if opts.Lexicon == nil {
		lx, err := lexicon.Default()
		if err != nil {
			return nil, fmt.Errorf("agent: load lexicon: %w", err)
		}
		opts.Lexicon = lx
	}
	if opts.Log == nil {
		opts.Log = noopConversationLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		repo:     opts.Repo,
		gateway:  opts.Gateway,
		lexicon:  opts.Lexicon,
		tuning:   opts.Tuning,
		hub:      opts.Hub,
		log:      opts.Log,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Session returns the live session for a tab, restoring it from storage on
// first use.
func (s *Service) Session(ctx context.Context, userID, sessionID string) (*Session, error) {
	key := sessionKey(userID, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	if sess, ok := s.sessions[key]; ok {
		sess.touch(time.Now())
		return sess, nil
	}

	stored, err := s.repo.GetConversation(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	sess := &Session{UserID: userID, SessionID: sessionID, lastUsed: time.Now()}
	orch, err := tutor.New(tutor.Options{
		Gateway:   s.gateway,
		Lexicon:   s.lexicon,
		Tuning:    s.tuning,
		Deliverer: tutor.DelivererFunc(func(msg domain.Message) { s.deliver(sess, msg) }),
		Telemetry: telemetryLogger{userID: userID, sessionID: sessionID, log: s.log},
		Logger:    s.logger.With("user_id", userID, "session_id", sessionID),
	})
	if err != nil {
		return nil, err
	}
	sess.Tutor = orch

	if stored != nil {
		msgs, err := stored.Messages()
		if err != nil {
			s.logger.Warn("Discarding unreadable transcript", "user_id", userID, "session_id", sessionID, "error", err)
		} else {
			orch.LoadMessages(msgs)
		}
		if stored.LastFollowUpAt != nil {
			orch.RestoreFollowUp(*stored.LastFollowUpAt)
		}
	}

	s.sessions[key] = sess
	s.logger.Info("Tutor session opened", "user_id", userID, "session_id", sessionID, "restored", stored != nil)
	return sess, nil
}

// deliver runs for every appended message, in order.
func (s *Service) deliver(sess *Session, msg domain.Message) {
	m := msg
	if s.hub != nil {
		s.hub.Publish(&Event{Type: EventMessage, UserID: sess.UserID, SessionID: sess.SessionID, Message: &m})
	}
	s.log.Log(messageLogEvent(sess.UserID, sess.SessionID, msg))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persist(ctx, sess); err != nil {
		s.logger.Warn("Failed to persist conversation", "user_id", sess.UserID, "session_id", sess.SessionID, "error", err)
	}
}

func (s *Service) persist(ctx context.Context, sess *Session) error {
	conv := &domain.StoredConversation{UserID: sess.UserID, SessionID: sess.SessionID}
	if err := conv.SetMessages(sess.Tutor.Messages()); err != nil {
		return err
	}
	if at := sess.Tutor.FollowUpState().LastInjectedAt; !at.IsZero() {
		conv.LastFollowUpAt = &at
	}
	return s.repo.UpsertConversation(ctx, conv)
}

// Replace loads msgs into the session and stores them. Messages without an ID
// or timestamp get one.
func (s *Service) Replace(ctx context.Context, userID, sessionID string, msgs []domain.Message) (*Session, error) {
	sess, err := s.Session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}
	sess.Tutor.LoadMessages(msgs)
	if err := s.persist(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist conversation: %w", err)
	}
	s.notifyCleared(sess)
	return sess, nil
}

// Reset empties the session and deletes its transcript.
func (s *Service) Reset(ctx context.Context, userID, sessionID string) error {
	sess, err := s.Session(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	sess.Tutor.Clear()
	if err := s.repo.DeleteConversation(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.notifyCleared(sess)
	s.logger.Info("Tutor session reset", "user_id", userID, "session_id", sessionID)
	return nil
}

func (s *Service) notifyCleared(sess *Session) {
	if s.hub != nil {
		s.hub.Publish(&Event{Type: EventCleared, UserID: sess.UserID, SessionID: sess.SessionID})
	}
}

// SweepIdle closes sessions that have been unused for longer than ttl and
// have no live subscribers. Their transcripts stay in storage. It returns how
// many were closed.
func (s *Service) SweepIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var idle []*Session
	s.mu.Lock()
	for key, sess := range s.sessions {
		if sess.idleSince().After(cutoff) {
			continue
		}
		if s.hub != nil && s.hub.Subscribers(sess.UserID, sess.SessionID) > 0 {
			continue
		}
		delete(s.sessions, key)
		idle = append(idle, sess)
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.Tutor.Close()
		if s.hub != nil {
			s.hub.Prune(sess.UserID, sess.SessionID)
		}
		s.logger.Info("Tutor session closed after inactivity", "user_id", sess.UserID, "session_id", sess.SessionID)
	}
	return len(idle)
}

// Len returns the number of live sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close closes every session. Further lookups fail with ErrServiceClosed.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Tutor.Close()
	}
}

// TuningFromConfig overlays the configured knobs on the default tuning.
func TuningFromConfig(c config.TutorConfig) tutor.Tuning {
	t := tutor.DefaultTuning()
	t.HistoryCap = c.HistoryCap
	t.DuplicateThreshold = c.DuplicateThreshold
	t.OfftopicThreshold = c.OfftopicThreshold
	t.MaxRegenerations = c.MaxRegenerations
	t.FollowUpsEnabled = c.FollowUpsEnabled
	t.FollowUpCooldown = c.FollowUpCooldown
	t.FollowUpDelay = c.FollowUpDelay
	t.FullTextLimit = c.FullTextLimit
	return t
}
