package completion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFromStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      int
		kind      Kind
		retryable bool
	}{
		{400, KindClient, false},
		{401, KindClient, false},
		{402, KindClient, false},
		{429, KindClient, false},
		{500, KindServer, true},
		{504, KindServer, true},
	}
	for _, tt := range tests {
		e := errorFromStatus(tt.code, "body")
		assert.Equal(t, tt.kind, e.Kind, tt.code)
		assert.Equal(t, tt.retryable, e.Retryable(), tt.code)
	}
}

func TestErrorFromTransport(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	e := errorFromTransport(parent, parent, errors.New("boom"))
	assert.Equal(t, KindCanceled, e.Kind)
	assert.ErrorIs(t, e, context.Canceled)

	attempt, cancelAttempt := context.WithTimeout(context.Background(), 0)
	defer cancelAttempt()
	<-attempt.Done()
	e = errorFromTransport(context.Background(), attempt, errors.New("slow"))
	assert.Equal(t, KindTimeout, e.Kind)

	e = errorFromTransport(context.Background(), context.Background(), errors.New("refused"))
	assert.Equal(t, KindNetwork, e.Kind)
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	e := &Error{Kind: KindNetwork, Retries: 2, Err: inner}
	assert.Equal(t, "completion network error after 2 retries: connection refused", e.Error())

	wrapped := fmt.Errorf("turn: %w", e)
	got, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Same(t, e, got)
	assert.ErrorIs(t, wrapped, inner)
}
