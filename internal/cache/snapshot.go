// Package cache holds the two process-local caches used on the request path:
// a lazily refreshed snapshot of a whole table and a per-key TTL map.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"proxyguard/internal/metrics"

	zlog "github.com/rs/zerolog/log"
)

// Loader builds a complete new value for a Snapshot.
type Loader[T any] func(ctx context.Context) (T, error)

// Snapshot keeps the last loaded value of T and reloads it once it is older
// than ttl. Readers never see a partially built value: the new value is built
// by the loader and published with a single atomic store.
type Snapshot[T any] struct {
	name  string
	ttl   time.Duration
	retry time.Duration
	load  Loader[T]
	now   func() time.Time

	mu      sync.Mutex // serializes loaders
	current atomic.Pointer[T]
	dueAt   atomic.Int64 // unix nanos; zero forces a reload
	loaded  atomic.Int64
}

// NewSnapshot creates an empty snapshot. The first Get loads it. A failed
// reload keeps the previous value and is retried after retry.
func NewSnapshot[T any](name string, ttl, retry time.Duration, load Loader[T]) *Snapshot[T] {
	if retry <= 0 || retry > ttl {
		retry = ttl
	}
	return &Snapshot[T]{
		name:  name,
		ttl:   ttl,
		retry: retry,
		load:  load,
		now:   time.Now,
	}
}

func (s *Snapshot[T]) stale() bool {
	return s.now().UnixNano() >= s.dueAt.Load()
}

// Get returns the current value, reloading it first when stale. While one
// caller reloads, others that already have a value keep serving it instead
// of waiting.
func (s *Snapshot[T]) Get(ctx context.Context) T {
	if !s.stale() {
		return s.value()
	}

	if s.current.Load() != nil {
		if !s.mu.TryLock() {
			return s.value()
		}
	} else {
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if s.stale() {
		_ = s.reloadLocked(ctx)
	}
	return s.value()
}

// Refresh reloads unconditionally and reports the loader error, if any.
func (s *Snapshot[T]) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

// Invalidate marks the snapshot stale so the next Get reloads it.
func (s *Snapshot[T]) Invalidate() {
	s.dueAt.Store(0)
}

// LoadedAt returns when the current value was loaded, zero if never.
func (s *Snapshot[T]) LoadedAt() time.Time {
	n := s.loaded.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Snapshot[T]) value() T {
	if p := s.current.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func (s *Snapshot[T]) reloadLocked(ctx context.Context) error {
	start := s.now()
	v, err := s.load(ctx)
	if err != nil {
		s.dueAt.Store(s.now().Add(s.retry).UnixNano())
		metrics.MetricPatternRefreshTotal.WithLabelValues(s.name, "error").Inc()
		zlog.Error().Err(err).Str("cache", s.name).Dur("retry_in", s.retry).Msg("Snapshot reload failed, keeping previous value")
		return err
	}
	s.current.Store(&v)
	s.loaded.Store(start.UnixNano())
	s.dueAt.Store(start.Add(s.ttl).UnixNano())
	metrics.MetricPatternRefreshTotal.WithLabelValues(s.name, "ok").Inc()
	zlog.Debug().Str("cache", s.name).Dur("took", s.now().Sub(start)).Msg("Snapshot reloaded")
	return nil
}
