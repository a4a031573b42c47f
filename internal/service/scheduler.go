package service

import (
	"context"
	"sync"
	"time"

	"proxyguard/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

const (
	rollupLockKey   = "lock_traffic_rollup"
	rollupMarkerKey = "traffic_rollup:last_window"
)

// WindowJob is invoked once per window boundary with the tick time.
type WindowJob func(ctx context.Context, now time.Time) error

// SchedulerService fires a job at every multiple of its window (UTC). The
// first run waits for the next boundary. With Redis configured, a tick only
// runs on the instance that takes the rollup lock.
type SchedulerService struct {
	redisRepo *repository.RedisRepository
	window    time.Duration
	job       WindowJob
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSchedulerService(r *repository.RedisRepository, window time.Duration, job WindowJob) *SchedulerService {
	if window <= 0 {
		window = time.Hour
	}
	return &SchedulerService{
		redisRepo: r,
		window:    window,
		job:       job,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// NextBoundary returns the first multiple of w strictly after now.
func NextBoundary(now time.Time, w time.Duration) time.Time {
	return now.UTC().Truncate(w).Add(w)
}

func (s *SchedulerService) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		timer := time.NewTimer(time.Until(NextBoundary(s.now(), s.window)))
		defer timer.Stop()
		zlog.Info().Dur("window", s.window).Time("first_run", NextBoundary(s.now(), s.window)).Msg("Aggregation scheduler started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-timer.C:
				s.Tick(ctx, s.now())
				timer.Reset(NextBoundary(s.now(), s.window).Sub(s.now()))
			}
		}
	}()
}

// Stop ends the loop and waits for a running tick to finish.
func (s *SchedulerService) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Tick runs the job for the tick at now. A job error is logged; the next
// boundary simply runs again.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) {
	if s.redisRepo != nil {
		lock, err := s.redisRepo.AcquireLock(ctx, rollupLockKey, s.lockTTL())
		if err != nil {
			zlog.Error().Err(err).Msg("Failed to acquire rollup lock, skipping tick")
			return
		}
		if lock == nil {
			zlog.Debug().Msg("Rollup lock held by another instance")
			return
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Interface("panic", r).Msg("Scheduled job panicked")
		}
	}()

	if err := s.job(ctx, now); err != nil {
		return
	}
	if s.redisRepo != nil {
		start, _ := PreviousWindow(now, s.window)
		if err := s.redisRepo.MarkWindowProcessed(ctx, rollupMarkerKey, start); err != nil {
			zlog.Warn().Err(err).Msg("Failed to record processed window")
		}
	}
}

// LastProcessedWindow reports the start of the last window a tick completed.
func (s *SchedulerService) LastProcessedWindow(ctx context.Context) (time.Time, error) {
	if s.redisRepo == nil {
		return time.Time{}, nil
	}
	return s.redisRepo.LastProcessedWindow(ctx, rollupMarkerKey)
}

func (s *SchedulerService) lockTTL() time.Duration {
	if ttl := s.window / 2; ttl < 10*time.Minute {
		return ttl
	}
	return 10 * time.Minute
}
