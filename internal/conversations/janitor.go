package conversations

import (
	"context"
	"time"

	"relay-api/internal/metrics"
	"relay-api/internal/shared"
)

// RunJanitor removes expired conversations every interval until ctx is done
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = shared.DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Log.Info("Janitor stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Store) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shared.CleanupTimeout)
	defer cancel()
	removed, err := s.DeleteExpired(ctx)
	if err != nil {
		s.Log.Errorw("Failed to remove expired conversations", "error", err)
		return
	}
	if removed > 0 {
		metrics.ExpiredChatsRemoved.Add(float64(removed))
		s.Log.Infow("Removed expired conversations", "count", removed)
	}
}
