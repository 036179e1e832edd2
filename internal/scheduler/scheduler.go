package scheduler

import (
	"context"
	"log/slog"
	"time"

	"neosync/internal/domain"
)

// Ticker runs one bounded unit of sync work.
type Ticker interface {
	Tick(ctx context.Context) (*domain.TickResult, error)
}

// Scheduler drives a Ticker on a fixed interval. It implements
// suture.Service.
type Scheduler struct {
	ticker      Ticker
	interval    time.Duration
	tickTimeout time.Duration
	logger      *slog.Logger
}

func NewScheduler(ticker Ticker, interval, tickTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		ticker:      ticker,
		interval:    interval,
		tickTimeout: tickTimeout,
		logger:      logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "tick_timeout", s.tickTimeout)

	s.runTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) String() string {
	return "scheduler"
}

func (s *Scheduler) runTick(ctx context.Context) {
	tickCtx := ctx
	if s.tickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, s.tickTimeout)
		defer cancel()
	}

	result, err := s.ticker.Tick(tickCtx)
	if err != nil {
		s.logger.Error("tick failed", "error", err)
		return
	}

	s.logger.Debug("tick finished",
		"processed", len(result.Processed),
		"seeded", result.Seeded,
		"queue_empty", result.QueueEmpty,
	)
}
