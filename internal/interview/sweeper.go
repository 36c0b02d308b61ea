package interview

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/hiring-assistant/internal/store"
)

const sweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically evicts idle
// controllers and deletes stored interviews older than retention.
func StartSweeper(ctx context.Context, registry *Registry, repo store.Repository, idleTTL, retention time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", sweepInterval, "idle_ttl", idleTTL, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, registry, repo, idleTTL, retention)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, registry *Registry, repo store.Repository, idleTTL, retention time.Duration) {
	if evicted := registry.EvictIdle(idleTTL); evicted > 0 {
		slog.Info("Session sweeper evicted idle interviews", "count", evicted, "live", registry.Len())
	}

	if repo == nil || retention <= 0 {
		return
	}
	if deleted, err := repo.CleanupExpiredInterviewSessions(ctx, retention); err != nil {
		slog.Error("Session sweeper failed to cleanup expired interviews", "error", err)
	} else if deleted > 0 {
		slog.Info("Session sweeper cleaned up expired interviews", "count", deleted)
	}
}
