package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed completion call.
type Kind int

const (
	// KindNetwork is a transport failure before a response arrived.
	KindNetwork Kind = iota + 1
	// KindTimeout is a per-attempt deadline expiry.
	KindTimeout
	// KindServer is a 5xx response.
	KindServer
	// KindClient is a 4xx response.
	KindClient
	// KindParse is a response body that could not be decoded.
	KindParse
	// KindCanceled means the caller gave up on the call.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindParse:
		return "parse"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Retryable reports whether a call failing this way may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout || k == KindServer
}

// Error is returned by Client.Send for every failure.
type Error struct {
	Kind       Kind
	StatusCode int
	// Retries is how many additional attempts were made before giving up.
	Retries int
	Body    string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "completion %s error", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status=%d)", e.StatusCode)
	}
	if e.Retries > 0 {
		fmt.Fprintf(&b, " after %d retries", e.Retries)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if body := strings.TrimSpace(e.Body); body != "" {
		b.WriteString(": ")
		b.WriteString(body)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure kind is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCanceled reports whether err is a caller cancellation.
func IsCanceled(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == KindCanceled
	}
	return errors.Is(err, context.Canceled)
}

func errorFromStatus(code int, body string) *Error {
	kind := KindClient
	if code >= 500 {
		kind = KindServer
	}
	return &Error{Kind: kind, StatusCode: code, Body: truncateBody(body)}
}

// errorFromTransport sorts a transport failure by which context gave up:
// the caller's (canceled) or the attempt's own deadline (timeout).
func errorFromTransport(parent, attempt context.Context, err error) *Error {
	switch {
	case parent.Err() != nil:
		return &Error{Kind: KindCanceled, Err: parent.Err()}
	case errors.Is(attempt.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	default:
		return &Error{Kind: KindNetwork, Err: err}
	}
}

func truncateBody(body string) string {
	const limit = 512
	if len(body) > limit {
		return body[:limit]
	}
	return body
}
