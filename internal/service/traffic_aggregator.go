package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"proxyguard/internal/metrics"
	"proxyguard/internal/models"

	zlog "github.com/rs/zerolog/log"
)

type TrafficStore interface {
	SummaryExists(ctx context.Context, windowStart time.Time) (bool, error)
	AggregateWindow(ctx context.Context, start, end time.Time) ([]models.TrafficBucket, error)
	BucketDurations(ctx context.Context, start, end time.Time, groupName, method string) ([]int64, error)
	SaveWindowSummaries(ctx context.Context, windowStart time.Time, rows []models.TrafficSummary, replace bool) error
}

type AggregationResult struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Skipped     bool
	Rows        int
}

// TrafficAggregator rolls request log rows up into per-window,
// per-(group, method) summaries.
type TrafficAggregator struct {
	store     TrafficStore
	window    time.Duration
	reprocess bool
}

func NewTrafficAggregator(store TrafficStore, window time.Duration, reprocess bool) *TrafficAggregator {
	if window <= 0 {
		window = time.Hour
	}
	return &TrafficAggregator{store: store, window: window, reprocess: reprocess}
}

func (a *TrafficAggregator) Window() time.Duration {
	return a.window
}

// PreviousWindow returns the last complete window of size w before now, in UTC.
func PreviousWindow(now time.Time, w time.Duration) (time.Time, time.Time) {
	end := now.UTC().Truncate(w)
	return end.Add(-w), end
}

// RunScheduled processes the window that closed most recently before now.
// Errors are logged and returned for the caller's bookkeeping only; the
// window is not retried.
func (a *TrafficAggregator) RunScheduled(ctx context.Context, now time.Time) error {
	start, end := PreviousWindow(now, a.window)
	res, err := a.ProcessWindow(ctx, start, end, a.reprocess)
	if err != nil {
		zlog.Error().Err(err).Time("window_start", start).Msg("Traffic aggregation failed")
		return err
	}
	if res.Skipped {
		zlog.Info().Time("window_start", start).Msg("Traffic summary already exists, skipping window")
	} else {
		zlog.Info().Time("window_start", start).Int("rows", res.Rows).Msg("Traffic summary written")
	}
	return nil
}

// ProcessWindow summarizes [start, end). When a summary for start already
// exists it is skipped, or replaced as a whole when reprocess is set.
func (a *TrafficAggregator) ProcessWindow(ctx context.Context, start, end time.Time, reprocess bool) (res AggregationResult, err error) {
	began := time.Now()
	start, end = start.UTC(), end.UTC()
	res = AggregationResult{WindowStart: start, WindowEnd: end}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("aggregation panicked: %v", r)
		}
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case res.Skipped:
			outcome = "skipped"
		}
		metrics.MetricAggregationRunsTotal.WithLabelValues(outcome).Inc()
		metrics.MetricAggregationDuration.Observe(time.Since(began).Seconds())
	}()

	if !end.After(start) {
		return res, fmt.Errorf("empty window [%s, %s)", start, end)
	}

	exists, err := a.store.SummaryExists(ctx, start)
	if err != nil {
		return res, fmt.Errorf("check existing summary: %w", err)
	}
	if exists && !reprocess {
		res.Skipped = true
		return res, nil
	}

	buckets, err := a.store.AggregateWindow(ctx, start, end)
	if err != nil {
		return res, fmt.Errorf("aggregate window: %w", err)
	}
	if len(buckets) == 0 && !exists {
		return res, nil
	}

	rows := make([]models.TrafficSummary, 0, len(buckets))
	for _, b := range buckets {
		row := models.TrafficSummary{
			WindowStart:        start,
			GroupID:            b.GroupID,
			HTTPMethod:         b.HTTPMethod,
			RequestCount:       b.RequestCount,
			Error4xxCount:      b.Error4xxCount,
			Error5xxCount:      b.Error5xxCount,
			AvgDurationMs:      roundTo2(b.AvgDurationMs),
			TotalRequestBytes:  b.TotalRequestBytes,
			TotalResponseBytes: b.TotalResponseBytes,
			UniqueClientIPs:    b.UniqueClientIPs,
		}
		if b.RequestCount > 0 {
			durations, err := a.store.BucketDurations(ctx, start, end, b.GroupName, b.HTTPMethod)
			if err != nil {
				return res, fmt.Errorf("durations for %s %s: %w", b.GroupName, b.HTTPMethod, err)
			}
			if p95, ok := NearestRank(durations, 95); ok {
				row.P95DurationMs = &p95
			}
		}
		rows = append(rows, row)
	}

	if err := a.store.SaveWindowSummaries(ctx, start, rows, exists); err != nil {
		return res, fmt.Errorf("save summaries: %w", err)
	}
	res.Rows = len(rows)
	return res, nil
}

// NearestRank returns the pct-th percentile of an ascending slice using the
// nearest-rank method, index ceil(pct/100 * n) - 1. It reports false for an
// empty slice.
func NearestRank(sorted []int64, pct int) (int64, bool) {
	n := len(sorted)
	if n == 0 {
		return 0, false
	}
	idx := (pct*n+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx], true
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
