// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCPort        string
	FrontendURL     string
	DBPath          string
	SessionTTL      time.Duration
	Completion      CompletionConfig
	Tutor           TutorConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Timeout         TimeoutConfig
	ConversationLog ConversationLogConfig
}

// CompletionConfig points at the chat-completion backend.
type CompletionConfig struct {
	BackendURL     string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// TutorConfig overrides the orchestrator tuning.
type TutorConfig struct {
	HistoryCap         int
	DuplicateThreshold float64
	OfftopicThreshold  float64
	MaxRegenerations   int
	FollowUpsEnabled   bool
	FollowUpCooldown   time.Duration
	FollowUpDelay      time.Duration
	FullTextLimit      int
	LexiconPath        string
}

// RateLimitConfig throttles tutoring requests per learner.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls the message stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// TimeoutConfig holds miscellaneous timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/tutor.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		Completion: CompletionConfig{
			BackendURL:     strings.TrimRight(getEnv("COMPLETION_BACKEND_URL", "http://localhost:3000"), "/"),
			Timeout:        getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
			MaxRetries:     getEnvInt("COMPLETION_MAX_RETRIES", 2),
			RetryBaseDelay: getEnvDuration("COMPLETION_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:  getEnvDuration("COMPLETION_RETRY_MAX_DELAY", 4*time.Second),
		},
		Tutor: TutorConfig{
			HistoryCap:         getEnvInt("TUTOR_HISTORY_CAP", 40),
			DuplicateThreshold: getEnvFloat("TUTOR_DUPLICATE_THRESHOLD", 0.65),
			OfftopicThreshold:  getEnvFloat("TUTOR_OFFTOPIC_THRESHOLD", 0.05),
			MaxRegenerations:   getEnvInt("TUTOR_MAX_REGENERATIONS", 1),
			FollowUpsEnabled:   getEnvBool("TUTOR_FOLLOWUPS_ENABLED", true),
			FollowUpCooldown:   getEnvDuration("TUTOR_FOLLOWUP_COOLDOWN", 30*time.Second),
			FollowUpDelay:      getEnvDuration("TUTOR_FOLLOWUP_DELAY", 250*time.Millisecond),
			FullTextLimit:      getEnvInt("TUTOR_FULLTEXT_LIMIT", 1200),
			LexiconPath:        getEnv("TUTOR_LEXICON_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY", 1<<20)),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.GRPCPort == "" {
		return fmt.Errorf("GRPC_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Completion.BackendURL == "" {
		return fmt.Errorf("COMPLETION_BACKEND_URL cannot be empty")
	}
	if c.Completion.MaxRetries < 0 {
		return fmt.Errorf("COMPLETION_MAX_RETRIES must be >= 0")
	}
	if c.Tutor.DuplicateThreshold <= 0 || c.Tutor.DuplicateThreshold > 1 {
		return fmt.Errorf("TUTOR_DUPLICATE_THRESHOLD must be in (0, 1]")
	}
	if c.Tutor.OfftopicThreshold < 0 || c.Tutor.OfftopicThreshold > 1 {
		return fmt.Errorf("TUTOR_OFFTOPIC_THRESHOLD must be in [0, 1]")
	}
	if c.Tutor.MaxRegenerations < 0 {
		return fmt.Errorf("TUTOR_MAX_REGENERATIONS must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS allow-list.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
