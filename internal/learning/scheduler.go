package learning

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// #region scheduler
// TwinLister enumerates twins when none are configured.
type TwinLister interface {
	Twins(ctx context.Context) ([]string, error)
}

// Scheduler runs a learning pass for each twin on a fixed interval.
type Scheduler struct {
	runner   *Runner
	twins    []string
	lister   TwinLister
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler schedules runner over twins. An empty twins list falls back
// to lister on every tick.
func NewScheduler(runner *Runner, twins []string, lister TwinLister, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{runner: runner, twins: twins, lister: lister, interval: interval, logger: runner.logger.Named("scheduler")}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every twin once, sequentially, and returns the finished runs.
func (s *Scheduler) RunOnce(ctx context.Context) []Run {
	twins := s.twins
	if len(twins) == 0 && s.lister != nil {
		var err error
		twins, err = s.lister.Twins(ctx)
		if err != nil {
			s.logger.Warn("list twins failed", zap.Error(err))
			return nil
		}
	}
	var runs []Run
	for _, twin := range twins {
		run, err := s.runner.Run(ctx, twin)
		if errors.Is(err, context.Canceled) {
			return runs
		}
		if err != nil {
			s.logger.Warn("learning run failed", zap.String("twin_id", twin), zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// #endregion scheduler
