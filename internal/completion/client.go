// Package completion sends chat-completion requests to the tutor backend.
package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultPath is appended to the backend URL.
	DefaultPath = "/api/chat/completion"

	maxResponseBytes = 4 << 20
)

var errNoContent = errors.New("response has no content field")

// Message is one chat turn in the wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Reply is a successful completion.
type Reply struct {
	Content string
	// Retries is how many additional attempts were needed.
	Retries int
}

// Config holds client settings.
type Config struct {
	BaseURL        string
	Path           string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// DefaultConfig returns default client settings for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Path:           DefaultPath,
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  4 * time.Second,
	}
}

// Client posts completion requests with per-attempt timeouts and bounded retries.
type Client struct {
	endpoint   string
	timeout    time.Duration
	maxRetries int
	backoff    Backoff
	http       *http.Client
	logger     *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Endpoint returns the full URL requests are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

type wireRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Send performs the call. Network, timeout and 5xx failures are retried up
// to MaxRetries more times; everything else returns at once. Every returned
// error is a *Error.
func (c *Client) Send(ctx context.Context, req Request) (Reply, error) {
	body, err := json.Marshal(wireRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Reply{}, &Error{Kind: KindClient, Err: fmt.Errorf("encode request: %w", err)}
	}

	for retry := 0; ; retry++ {
		if retry > 0 {
			if err := sleepCtx(ctx, c.backoff.Delay(retry)); err != nil {
				return Reply{}, &Error{Kind: KindCanceled, Retries: retry - 1, Err: err}
			}
		}

		content, cerr := c.attempt(ctx, body)
		if cerr == nil {
			return Reply{Content: content, Retries: retry}, nil
		}
		cerr.Retries = retry
		if !cerr.Retryable() || retry >= c.maxRetries {
			return Reply{}, cerr
		}
		c.logger.Warn("Completion attempt failed, retrying",
			"attempt", retry+1,
			"kind", cerr.Kind.String(),
			"status", cerr.StatusCode,
			"error", cerr,
		)
	}
}

func (c *Client) attempt(ctx context.Context, body []byte) (string, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindClient, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errorFromTransport(ctx, attemptCtx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", errorFromTransport(ctx, attemptCtx, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errorFromStatus(resp.StatusCode, string(data))
	}

	content, err := parseContent(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return "", &Error{Kind: KindParse, StatusCode: resp.StatusCode, Err: err}
	}
	return content, nil
}

type wireChoice struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta *struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Content *string      `json:"content"`
}

// parseContent accepts an OpenAI-style body (choices[0].message.content), a
// top-level content string, or an event stream of such chunks.
func parseContent(contentType string, data []byte) (string, error) {
	if strings.HasPrefix(contentType, "text/event-stream") {
		return parseEventStream(data)
	}
	var wr wireResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(wr.Choices) > 0 && wr.Choices[0].Message != nil {
		return strings.TrimSpace(wr.Choices[0].Message.Content), nil
	}
	if wr.Content != nil {
		return strings.TrimSpace(*wr.Content), nil
	}
	return "", errNoContent
}

func parseEventStream(data []byte) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var wr wireResponse
		if err := json.Unmarshal([]byte(payload), &wr); err != nil {
			continue
		}
		switch {
		case wr.Content != nil:
			b.WriteString(*wr.Content)
		case len(wr.Choices) > 0 && wr.Choices[0].Delta != nil:
			b.WriteString(wr.Choices[0].Delta.Content)
		case len(wr.Choices) > 0 && wr.Choices[0].Message != nil:
			b.WriteString(wr.Choices[0].Message.Content)
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan event stream: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
