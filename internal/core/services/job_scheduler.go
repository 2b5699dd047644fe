package services

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SchedulerConfig defines concurrency limits
type SchedulerConfig struct {
	MaxConcurrentJobs int64
}

// JobScheduler gates pipeline execution behind a global slot. Transcription
// saturates the machine, so the default is one job at a time.
type JobScheduler struct {
	logger    *slog.Logger
	limit     int64
	semaphore *semaphore.Weighted
	held      atomic.Int64
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 1
	}

	return &JobScheduler{
		logger:    logger,
		limit:     limit,
		semaphore: semaphore.NewWeighted(limit),
	}
}

// Acquire takes an execution slot. If none is free, onQueued runs before
// blocking so the caller can report the wait.
func (s *JobScheduler) Acquire(ctx context.Context, onQueued func()) error {
	if s.semaphore.TryAcquire(1) {
		s.held.Add(1)
		return nil
	}

	if onQueued != nil {
		onQueued()
	}
	if err := s.semaphore.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held.Add(1)
	return nil
}

func (s *JobScheduler) Release() {
	s.held.Add(-1)
	s.semaphore.Release(1)
}

// Busy reports whether every slot is taken.
func (s *JobScheduler) Busy() bool {
	return s.held.Load() >= s.limit
}
