package memsched

import (
	"context"
	"log/slog"
	"time"
)

// trendRiseThreshold is the per-sample slope above which usage counts as
// rising sharply.
const trendRiseThreshold = 0.02

// Start launches the background monitor. It samples usage on the configured
// interval, appends to the trend history, and proactively reclaims when usage
// is trending upward sharply while already elevated or crosses the critical
// ceiling outright. The monitor stops when the context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sample()
			}
		}
	}()
}

// Sample takes one usage reading, records it, and applies the proactive
// reclaim policy. Exposed so tests can drive the monitor without a timer.
func (s *Scheduler) Sample() {
	usage := s.Usage()

	s.mu.Lock()
	s.history = append(s.history, sample{at: time.Now(), usage: usage})
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
	trend := s.trendLocked()
	s.mu.Unlock()

	s.metrics.SetMemoryUsage(usage)

	if usage > criticalRatio || (usage > highWaterRatio && trend > trendRiseThreshold) {
		s.logger.Info("proactive reclaim triggered",
			slog.Float64("usage", usage),
			slog.Float64("trend", trend))
		s.reclaim()
		s.metrics.ObserveReclaim()
	}
}

// trendLocked computes the first-vs-last usage slope per sample over the
// recorded history. Caller holds s.mu.
func (s *Scheduler) trendLocked() float64 {
	if len(s.history) < 2 {
		return 0
	}
	first := s.history[0]
	last := s.history[len(s.history)-1]
	return (last.usage - first.usage) / float64(len(s.history)-1)
}

// Telemetry reports usage, trend, and the derived pressure booleans.
func (s *Scheduler) Telemetry() Telemetry {
	usage := s.Usage()
	s.mu.Lock()
	trend := s.trendLocked()
	s.mu.Unlock()
	return Telemetry{
		Usage:      usage,
		Trend:      trend,
		IsHigh:     usage > highWaterRatio,
		IsCritical: usage > criticalRatio,
	}
}
