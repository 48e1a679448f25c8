package paste

import (
	"context"
	"log/slog"
	"time"

	"pastebin/internal/storage"
)

// StartJanitor launches a background janitor that deletes expired and
// view-exhausted pastes. Deleted pastes were already unavailable, so the
// janitor never changes what a reader sees.
func StartJanitor(ctx context.Context, store storage.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanOnce(ctx, store, time.Now(), logger)
			}
		}
	}()
}

func cleanOnce(ctx context.Context, store storage.Store, now time.Time, logger *slog.Logger) int {
	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	removed, err := store.Purge(c, now.UTC().Truncate(time.Millisecond))
	if err != nil {
		if logger != nil {
			logger.Error("janitor error", "error", err)
		}
		return 0
	}
	if removed > 0 && logger != nil {
		logger.Info("janitor removed pastes", "count", removed)
	}
	return removed
}
