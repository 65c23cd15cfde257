package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/metrics"
)

const defaultInterval = 15 * time.Minute

type lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Service drives the registered jobs on a fixed interval, guarded by a
// distributed lock so only one worker replica runs a cycle at a time.
type Service struct {
	logger   *logger.Logger
	registry *Registry
	lock     lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
}

// ServiceParams lists the dependencies for the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
}

// NewService validates dependencies and builds the cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock is required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logger:   params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run blocks, executing one cycle immediately and then one per interval,
// until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "cron service stopping")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		s.logger.Error(ctx, "failed to acquire cron lock", err)
		return
	}
	if !acquired {
		s.logger.Info(ctx, "cron lock held elsewhere, skipping cycle")
		return
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.logger.Error(ctx, "failed to release cron lock", err)
		}
	}()

	for _, job := range s.registry.Jobs() {
		s.runJob(ctx, job)
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logger.WithField(ctx, "job", job.Name())
	started := time.Now()

	err := job.Run(jobCtx)
	duration := time.Since(started)
	s.metrics.ObserveDuration(job.Name(), duration)

	jobCtx = s.logger.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.metrics.IncFailure(job.Name())
		s.logger.Error(jobCtx, "cron job failed", err)
		return
	}
	s.metrics.IncSuccess(job.Name())
	s.logger.Info(jobCtx, "cron job completed")
}
