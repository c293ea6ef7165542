package memory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// #region sweeper
// Sweeper expires stale clarification threads on a fixed interval.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper returns a sweeper over s.
func NewSweeper(s *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: s, interval: interval, logger: s.logger.Named("sweeper")}
}

// Run sweeps until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one expiry pass and returns how many threads expired.
func (w *Sweeper) SweepOnce(ctx context.Context) int64 {
	n, err := w.store.ExpireStale(ctx, w.store.now().UTC())
	if err != nil {
		w.logger.Warn("sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		threadsExpired.Add(float64(n))
		w.logger.Info("expired clarification threads", zap.Int64("count", n))
	}
	return n
}

// #endregion sweeper
