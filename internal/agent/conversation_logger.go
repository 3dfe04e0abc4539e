package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

// ConversationLogger records conversation events as NDJSON.
type ConversationLogger interface {
	Log(ev ConversationLogEvent)
	Close() error
}

// ConversationLogConfig controls where events are written.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one NDJSON line.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
	unsafePath   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips escape sequences and control characters and
// collapses runs of blanks.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func safeComponent(s string) string {
	s = unsafePath.ReplaceAllString(s, "_")
	if s == "" || strings.Trim(s, ".") == "" {
		return "_"
	}
	return s
}

type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}
	files  map[string]*os.File

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	err    error
}

// NewConversationLogger starts an asynchronous NDJSON writer. Events go to
// Dir/<user>/<session>.ndjson and, when enabled, to GlobalPath. A disabled
// config returns a logger that discards everything.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}
	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

// Log enqueues ev. It never blocks; events are dropped when the queue is full.
func (l *fileConversationLogger) Log(ev ConversationLogEvent) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"user_id", ev.UserID, "session_id", ev.SessionID, "event_type", ev.EventType)
	}
}

// Close flushes queued events and closes all files.
func (l *fileConversationLogger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
		for path, f := range l.files {
			if err := f.Close(); err != nil && l.err == nil {
				l.err = fmt.Errorf("close %s: %w", path, err)
			}
		}
	})
	return l.err
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("Failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')
		path := filepath.Join(l.cfg.Dir, safeComponent(ev.UserID), safeComponent(ev.SessionID)+".ndjson")
		l.write(path, line)
		if l.cfg.GlobalEnabled {
			l.write(l.cfg.GlobalPath, line)
		}
	}
}

func (l *fileConversationLogger) write(path string, line []byte) {
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			l.logger.Warn("Failed to create conversation log dir", "path", path, "error", err)
			return
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			l.logger.Warn("Failed to open conversation log", "path", path, "error", err)
			return
		}
		l.files[path] = f
	}
	if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write conversation log", "path", path, "error", err)
	}
}

// telemetryLogger writes tutor telemetry for one session to the
// conversation log.
type telemetryLogger struct {
	userID    string
	sessionID string
	log       ConversationLogger
}

func (t telemetryLogger) Record(ev tutor.TelemetryEvent) {
	ev.UserID, ev.SessionID = t.userID, t.sessionID
	t.log.Log(ConversationLogEvent{
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:     ev.UserID,
		SessionID:  ev.SessionID,
		Channel:    "tutor",
		Direction:  "outbound",
		EventType:  "tutor_interaction",
		ContentRaw: ev.Question,
		Meta: map[string]any{
			"telemetry_id": ev.ID,
			"tutor_mode":   ev.TutorMode,
			"context":      ev.Context,
			"bloom_level":  ev.BloomLevel,
		},
	})
}

func messageLogEvent(userID, sessionID string, msg domain.Message) ConversationLogEvent {
	direction := "inbound"
	if msg.Role == domain.RoleUser {
		direction = "outbound"
	}
	return ConversationLogEvent{
		Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    "tutor",
		Direction:  direction,
		EventType:  "tutor_" + string(msg.Role) + "_message",
		ContentRaw: msg.Text,
		Meta:       map[string]any{"message_id": msg.ID},
	}
}
