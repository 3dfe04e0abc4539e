package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/lectura-tutor/internal/store"
)

const (
	ttlWorkerInterval = 5 * time.Minute
	// transcriptRetention bounds how long an untouched transcript is kept.
	transcriptRetention = 7 * 24 * time.Hour
)

// StartTTLWorker runs a background goroutine that periodically closes idle
// in-memory sessions and deletes stale transcripts. It stops with ctx.
func StartTTLWorker(ctx context.Context, svc *Service, repo store.Repository, ttl time.Duration) {
	startTTLWorker(ctx, svc, repo, ttl, ttlWorkerInterval)
}

func startTTLWorker(ctx context.Context, svc *Service, repo store.Repository, ttl, interval time.Duration) <-chan struct{} {
	stopped := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(stopped)
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, svc, repo, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return stopped
}

func sweep(ctx context.Context, svc *Service, repo store.Repository, ttl time.Duration) {
	if closed := svc.SweepIdle(ttl); closed > 0 {
		slog.Info("TTL worker closed idle sessions", "count", closed)
	}

	retention := transcriptRetention
	if ttl > retention {
		retention = ttl
	}
	if deleted, err := repo.CleanupIdleConversations(ctx, retention); err != nil {
		if ctx.Err() == nil {
			slog.Error("TTL worker failed to cleanup stale transcripts", "error", err)
		}
	} else if deleted > 0 {
		slog.Info("TTL worker deleted stale transcripts", "count", deleted)
	}
}
