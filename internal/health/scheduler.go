package health

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner re-checks every credential.
type Runner interface {
	CheckAll(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// CheckAll calls f.
func (f RunnerFunc) CheckAll(ctx context.Context) error { return f(ctx) }

// Scheduler runs periodic re-checks on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
}

// NewScheduler parses spec (standard five-field cron or descriptors such as
// "@every 30m") and binds it to runner. Each run is bounded by timeout when
// it is positive.
func NewScheduler(spec string, runner Runner, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("parse health schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running check to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("health schedule started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("health schedule stopped")
	return nil
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.runner.CheckAll(ctx); err != nil {
		s.logger.Warn("scheduled key check failed", zap.Error(err))
	}
}
