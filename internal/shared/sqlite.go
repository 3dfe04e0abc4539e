// Package shared provides small helpers used by more than one package.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"strings"
	"time"
)

// IsSQLiteConflict reports whether err is a SQLite lock conflict
// (SQLITE_BUSY or "database is locked") that is worth retrying.
func IsSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Retry describes how RetryOnConflict backs off.
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry is three attempts at 100ms, 200ms.
var DefaultRetry = Retry{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs fn until it succeeds, returns a non-conflict error, or
// the attempts run out. The delay doubles after each conflict. The last error
// is returned unchanged.
func RetryOnConflict(ctx context.Context, r Retry, fn func() error) error {
	if r.Attempts <= 0 {
		r.Attempts = 1
	}
	var err error
	for i := 0; i < r.Attempts; i++ {
		if err = fn(); err == nil || !IsSQLiteConflict(err) {
			return err
		}
		if i == r.Attempts-1 {
			break
		}
		t := time.NewTimer(r.BaseDelay << i)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
