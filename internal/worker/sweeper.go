package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/store"
)

// Sweeper deletes expired events for stores without native TTL.
type Sweeper struct {
	purger   store.Purger
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(purger store.Purger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{purger: purger, interval: interval, logger: logger, now: time.Now}
}

// Start sweeps once immediately and then every interval until ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce purges expired events and returns how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	n, err := s.purger.PurgeExpired(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to purge expired events", "error", err)
		}
		return 0
	}
	if n > 0 {
		s.logger.Info("purged expired events", "count", n)
	}
	return n
}
