// Package ratelimit implements the per-service admission queue that mediates
// every external AI call: sliding-window quotas, priority-ordered pending
// work, and a debounce-based coalescing path for grouped lookups.
package ratelimit

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hirewise/aicore/internal/metrics"
)

// Priority orders queued work. Higher values admit first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String reports the wire name of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority maps a wire name onto a priority tier. Empty input defaults
// to medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("ratelimit: unknown priority %q", s)
	}
}

// QuotaConfig describes one downstream service's admission window.
type QuotaConfig struct {
	Window      time.Duration
	MaxRequests int
}

// defaultQuota applies to services submitted before any quota was configured
// for them.
var defaultQuota = QuotaConfig{Window: time.Second, MaxRequests: 10}

// Operation is a deferred unit of work executed once admitted.
type Operation[T any] func(ctx context.Context) (T, error)

// Config assembles a limiter.
type Config struct {
	// Services seeds the per-service quota table.
	Services map[string]QuotaConfig
	// GlobalPerSecond, when positive, adds a pacing tier across all
	// services ahead of execution.
	GlobalPerSecond float64
	GlobalBurst     int
	// PollInterval paces WaitForAvailability checks and the background
	// pump tick that notices lazy window resets.
	PollInterval time.Duration
	// CoalesceWindow is the accumulation window for the coalescing path.
	CoalesceWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 50 * time.Millisecond
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = int(c.GlobalPerSecond * 2)
	}
	return c
}

// ServiceStatus is a point-in-time view of one service's window.
type ServiceStatus struct {
	RequestsInWindow int       `json:"requestsInWindow"`
	MaxRequests      int       `json:"maxRequests"`
	Remaining        int       `json:"remaining"`
	ResetTime        time.Time `json:"resetTime"`
	ActiveRequests   int       `json:"activeRequests"`
}

// Status is a point-in-time view of the whole limiter, recomputed per call.
type Status struct {
	Services             map[string]ServiceStatus `json:"services"`
	QueueDepth           int                      `json:"queueDepth"`
	QueueDepthByPriority map[string]int           `json:"queueDepthByPriority"`
}

type queued[T any] struct {
	id          string
	service     string
	priority    Priority
	submittedAt time.Time
	seq         uint64
	op          Operation[T]
	future      *Future[T]
}

// workHeap orders pending work priority-major, submission-minor. The seq
// counter keeps FIFO order within a tier even when timestamps collide.
type workHeap[T any] []*queued[T]

func (h workHeap[T]) Len() int { return len(h) }
func (h workHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h workHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *workHeap[T]) Push(x any)   { *h = append(*h, x.(*queued[T])) }
func (h *workHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type serviceWindow struct {
	cfg         QuotaConfig
	windowStart time.Time
	count       int
	active      int
}

// refresh applies the lazy window reset: the count drops to zero and the
// window advances the instant the previous one has elapsed.
func (w *serviceWindow) refresh(now time.Time) {
	if now.Sub(w.windowStart) >= w.cfg.Window {
		w.windowStart = now
		w.count = 0
	}
}

func (w *serviceWindow) atQuota() bool {
	return w.count >= w.cfg.MaxRequests
}

// Limiter admits queued work against per-service sliding windows. The
// admission pump is the single serialization point per service; submitters
// never block.
type Limiter[T any] struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	global  *rate.Limiter

	mu       sync.Mutex
	services map[string]*serviceWindow
	pending  workHeap[T]
	seq      uint64

	pumping atomic.Bool
	wake    chan struct{}

	coalesceMu sync.Mutex
	groups     map[string]*Future[T]
}

// New constructs a limiter with the given quota table. Start must be called
// before submissions are admitted.
func New[T any](cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Limiter[T] {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter[T]{
		cfg:      cfg,
		logger:   logger.With(slog.String("agent", "admission")),
		metrics:  rec,
		services: make(map[string]*serviceWindow, len(cfg.Services)),
		wake:     make(chan struct{}, 1),
		groups:   make(map[string]*Future[T]),
	}
	if cfg.GlobalPerSecond > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), cfg.GlobalBurst)
	}
	now := time.Now()
	for name, quota := range cfg.Services {
		l.services[name] = &serviceWindow{cfg: quota, windowStart: now}
	}
	return l
}

// Start runs the admission loop until the context is canceled. Queued work
// admitted before cancellation still completes.
func (l *Limiter[T]) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				l.rejectPending(ctx.Err())
				return
			case <-l.wake:
				l.pump(ctx)
			case <-ticker.C:
				// The tick notices lazy window resets for work that
				// queued while its service was at quota.
				l.pump(ctx)
			}
		}
	}()
}

// Submit enqueues one unit of work and returns its future. The call never
// blocks: admission happens on the pump goroutine.
func (l *Limiter[T]) Submit(service string, priority Priority, op Operation[T]) *Future[T] {
	w := &queued[T]{
		id:          uuid.NewString(),
		service:     service,
		priority:    priority,
		submittedAt: time.Now(),
		op:          op,
		future:      newFuture[T](),
	}

	l.mu.Lock()
	l.seq++
	w.seq = l.seq
	heap.Push(&l.pending, w)
	l.ensureServiceLocked(service)
	l.publishDepthLocked()
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return w.future
}

// pump runs one admission pass. Only one pass is active at a time; re-entrant
// calls are no-ops. The pass stops at the first head whose service is at
// quota, even when items behind it target services with headroom; queued
// work for ready services waits behind the congested head.
func (l *Limiter[T]) pump(ctx context.Context) {
	if !l.pumping.CompareAndSwap(false, true) {
		return
	}
	defer l.pumping.Store(false)

	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.publishDepthLocked()
			l.mu.Unlock()
			return
		}
		head := l.pending[0]
		svc := l.ensureServiceLocked(head.service)
		svc.refresh(time.Now())
		if svc.atQuota() {
			l.publishDepthLocked()
			l.mu.Unlock()
			return
		}
		w := heap.Pop(&l.pending).(*queued[T])
		// Admission counts at execution start; completion never touches
		// the window.
		svc.count++
		svc.active++
		l.publishDepthLocked()
		l.mu.Unlock()

		go l.execute(ctx, w)
	}
}

func (l *Limiter[T]) execute(ctx context.Context, w *queued[T]) {
	defer func() {
		l.mu.Lock()
		if svc, ok := l.services[w.service]; ok {
			svc.active--
		}
		l.mu.Unlock()
	}()

	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			l.metrics.ObserveAdmission(w.service, "canceled")
			w.future.reject(err)
			return
		}
	}

	value, err := w.op(ctx)
	if err != nil {
		l.logger.Warn("admitted operation failed",
			slog.String("service", w.service),
			slog.String("work_id", w.id),
			slog.String("priority", w.priority.String()),
			slog.Any("error", err))
		l.metrics.ObserveAdmission(w.service, "error")
		w.future.reject(err)
		return
	}
	l.metrics.ObserveAdmission(w.service, "success")
	w.future.resolve(value)
}

// rejectPending fails every queued item when the limiter shuts down.
func (l *Limiter[T]) rejectPending(cause error) {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.publishDepthLocked()
	l.mu.Unlock()
	for _, w := range pending {
		w.future.reject(fmt.Errorf("ratelimit: shutdown before admission: %w", cause))
	}
}

// IsLimited reports whether the service is at quota for the current window.
func (l *Limiter[T]) IsLimited(service string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	svc, ok := l.services[service]
	if !ok {
		return false
	}
	svc.refresh(time.Now())
	return svc.atQuota()
}

// WaitForAvailability blocks until the service has headroom, polling at the
// configured interval, or until the context is canceled.
func (l *Limiter[T]) WaitForAvailability(ctx context.Context, service string) error {
	for {
		if !l.IsLimited(service) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// SetQuota installs or replaces one service's quota. The current window
// carries over; the lazy reset applies the new bounds naturally.
func (l *Limiter[T]) SetQuota(service string, quota QuotaConfig) {
	l.mu.Lock()
	if svc, ok := l.services[service]; ok {
		svc.cfg = quota
	} else {
		l.services[service] = &serviceWindow{cfg: quota, windowStart: time.Now()}
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// SetQuotas replaces quota bounds in bulk, for configuration hot-reload.
func (l *Limiter[T]) SetQuotas(quotas map[string]QuotaConfig) {
	for name, quota := range quotas {
		l.SetQuota(name, quota)
	}
}

// Status recomputes a point-in-time snapshot of every window and the queue.
func (l *Limiter[T]) Status() Status {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	services := make(map[string]ServiceStatus, len(l.services))
	for name, svc := range l.services {
		svc.refresh(now)
		remaining := svc.cfg.MaxRequests - svc.count
		if remaining < 0 {
			remaining = 0
		}
		services[name] = ServiceStatus{
			RequestsInWindow: svc.count,
			MaxRequests:      svc.cfg.MaxRequests,
			Remaining:        remaining,
			ResetTime:        svc.windowStart.Add(svc.cfg.Window),
			ActiveRequests:   svc.active,
		}
	}

	byPriority := map[string]int{"high": 0, "medium": 0, "low": 0}
	for _, w := range l.pending {
		byPriority[w.priority.String()]++
	}
	return Status{
		Services:             services,
		QueueDepth:           len(l.pending),
		QueueDepthByPriority: byPriority,
	}
}

// ensureServiceLocked registers an unconfigured service with the default
// quota so accounting still applies. Caller holds l.mu.
func (l *Limiter[T]) ensureServiceLocked(service string) *serviceWindow {
	svc, ok := l.services[service]
	if !ok {
		svc = &serviceWindow{cfg: defaultQuota, windowStart: time.Now()}
		l.services[service] = svc
		l.logger.Warn("service submitted without configured quota, using default",
			slog.String("service", service),
			slog.Int("max_requests", defaultQuota.MaxRequests),
			slog.Duration("window", defaultQuota.Window))
	}
	return svc
}

// publishDepthLocked pushes queue depth gauges. Caller holds l.mu.
func (l *Limiter[T]) publishDepthLocked() {
	depth := map[Priority]int{}
	for _, w := range l.pending {
		depth[w.priority]++
	}
	for _, p := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		l.metrics.SetQueueDepth(p.String(), depth[p])
	}
}
