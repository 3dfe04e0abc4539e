package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    filepath.Join(dir, "all.ndjson"),
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	msg := domain.NewMessage(domain.RoleUser, "¿qué es\x1b[31m el puente\x1b[0m?", time.Now())
	logger.Log(messageLogEvent("user-1", "sess-1", msg))

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != msg.Text {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content != "¿qué es el puente?" {
		t.Fatalf("unexpected cleaned content: %q", got.Content)
	}
	if got.Direction != "outbound" || got.EventType != "tutor_user_message" {
		t.Fatalf("unexpected event: %+v", got)
	}
	waitForLogLine(t, filepath.Join(dir, "all.ndjson"))
}

func TestTelemetryLoggerStampsSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	telemetryLogger{userID: "u", sessionID: "../tab", log: logger}.Record(tutor.TelemetryEvent{
		ID:        "01J0000000000000000000000",
		Timestamp: time.Now(),
		Question:  "explain: somos islas",
		TutorMode: tutor.ModeAction,
	})

	line := waitForLogLine(t, filepath.Join(dir, "u", ".._tab.ndjson"))
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.SessionID != "../tab" || got.Meta["tutor_mode"] != tutor.ModeAction {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestDisabledConversationLoggerDiscards(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	logger.Log(ConversationLogEvent{UserID: "u"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m   plain\x07"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if clean != "error plain" {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
