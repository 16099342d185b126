// Package memsched implements the memory-pressure batch scheduler: adaptive
// batch sizing, pre-batch admission gates, and a background monitor that
// reclaims memory before bulk processing can saturate the runtime.
package memsched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hirewise/aicore/internal/metrics"
	"github.com/hirewise/aicore/internal/runtime/ratelimit"
)

const (
	highWaterRatio     = 0.75
	criticalRatio      = 0.90
	reclaimTargetRatio = 0.85
)

// Config bounds one scheduler instance.
type Config struct {
	// MemoryLimitBytes is the ceiling usage fractions are computed against.
	MemoryLimitBytes int64
	// SampleInterval paces the background monitor.
	SampleInterval time.Duration
	// HistoryLimit caps the trend buffer; oldest samples drop first.
	HistoryLimit int
	// BatchDelay is the fixed pause inserted between batches.
	BatchDelay time.Duration

	// Sampler overrides the usage probe; tests inject fixed fractions.
	// The default reads runtime heap usage against MemoryLimitBytes.
	Sampler func() float64
	// Reclaim overrides the reclaim action; the default forces a GC cycle.
	Reclaim func()
}

func (c Config) withDefaults() Config {
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = 512 << 20
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 360
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
	return c
}

// Options shape one ProcessWithLimit call.
type Options struct {
	// MaxConcurrency is the requested per-batch parallelism; the effective
	// batch size never exceeds it and never drops below 1.
	MaxConcurrency int
	Priority       ratelimit.Priority
}

// Processor handles one item of a batch.
type Processor[T, R any] func(ctx context.Context, item T) (R, error)

type sample struct {
	at    time.Time
	usage float64
}

// Telemetry is a point-in-time view of observed memory pressure.
type Telemetry struct {
	Usage      float64 `json:"usage"`
	Trend      float64 `json:"trend"`
	IsHigh     bool    `json:"isHigh"`
	IsCritical bool    `json:"isCritical"`
}

// Scheduler throttles bulk processing based on observed memory pressure.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	sampler func() float64
	reclaim func()

	mu      sync.Mutex
	history []sample
}

// New constructs a scheduler. The background monitor does not run until
// Start is called; tests can drive Sample and the gate directly.
func New(cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:     cfg,
		logger:  logger.With(slog.String("agent", "memory_scheduler")),
		metrics: rec,
		sampler: cfg.Sampler,
		reclaim: cfg.Reclaim,
	}
	if s.sampler == nil {
		s.sampler = s.heapUsage
	}
	if s.reclaim == nil {
		s.reclaim = runtime.GC
	}
	return s
}

func (s *Scheduler) heapUsage() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / float64(s.cfg.MemoryLimitBytes)
}

// Usage returns the current usage fraction of the configured ceiling.
func (s *Scheduler) Usage() float64 {
	return s.sampler()
}

// NextBatchSize computes the batch size to use for the upcoming batch from
// the current usage sample. Above 80% it halves the requested concurrency,
// above 60% it keeps three quarters; the result is always within
// [1, requested].
func (s *Scheduler) NextBatchSize(requested int) int {
	if requested < 1 {
		requested = 1
	}
	usage := s.Usage()
	size := requested
	switch {
	case usage > 0.80:
		size = requested / 2
		if size < 1 {
			size = 1
		}
	case usage > 0.60:
		size = requested * 3 / 4
		if size < 2 {
			size = 2
		}
		if size > requested {
			size = requested
		}
	}
	return size
}

// EnsureMemoryAvailable gates a batch on current pressure. At critical usage
// it reclaims and re-samples; if pressure stays elevated the caller stalls in
// proportion to its priority. Elevated-but-not-critical usage stalls only
// low-priority callers. The gate is a transparent delay, never an error: when
// reclaim cannot bring usage down, processing proceeds anyway at the reduced
// batch size the next computation will pick.
func (s *Scheduler) EnsureMemoryAvailable(ctx context.Context, priority ratelimit.Priority) error {
	usage := s.Usage()
	if usage > criticalRatio {
		s.logger.Warn("memory critical before batch, reclaiming",
			slog.Float64("usage", usage))
		s.reclaim()
		s.metrics.ObserveReclaim()
		usage = s.Usage()
		if usage > reclaimTargetRatio {
			return s.stall(ctx, stallFor(priority))
		}
		return nil
	}
	if usage > highWaterRatio && priority == ratelimit.PriorityLow {
		return s.stall(ctx, 250*time.Millisecond)
	}
	return nil
}

func stallFor(priority ratelimit.Priority) time.Duration {
	switch priority {
	case ratelimit.PriorityHigh:
		return 0
	case ratelimit.PriorityMedium:
		return 500 * time.Millisecond
	default:
		return time.Second
	}
}

func (s *Scheduler) stall(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ProcessWithLimit splits items into sequential batches whose size is
// recomputed from memory pressure just before each batch starts. Results are
// positional: a failed item leaves a nil slot and never aborts its siblings
// or subsequent batches.
func ProcessWithLimit[T, R any](ctx context.Context, s *Scheduler, items []T, proc Processor[T, R], opts Options) ([]*R, error) {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	results := make([]*R, len(items))

	for start := 0; start < len(items); {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if start > 0 {
			// Pacing between batches keeps a freshly reclaimed runtime
			// from saturating again immediately.
			if err := s.stall(ctx, s.cfg.BatchDelay); err != nil {
				return results, err
			}
		}
		if err := s.EnsureMemoryAvailable(ctx, opts.Priority); err != nil {
			return results, err
		}

		size := s.NextBatchSize(opts.MaxConcurrency)
		if remaining := len(items) - start; size > remaining {
			size = remaining
		}
		s.metrics.ObserveBatch()

		var wg sync.WaitGroup
		for i := start; i < start+size; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				value, err := runItem(ctx, proc, items[i])
				if err != nil {
					s.logger.Warn("batch item failed",
						slog.Int("index", i), slog.Any("error", err))
					return
				}
				results[i] = &value
			}()
		}
		wg.Wait()
		start += size
	}
	return results, nil
}

// runItem isolates one item's processing, converting panics into errors so a
// misbehaving processor cannot abort the batch.
func runItem[T, R any](ctx context.Context, proc Processor[T, R], item T) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memsched: item processor panic: %v", r)
		}
	}()
	return proc(ctx, item)
}
