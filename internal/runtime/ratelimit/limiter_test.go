package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, services map[string]QuotaConfig) (*Limiter[string], context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := New[string](Config{
		Services:     services,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	l.Start(ctx)
	return l, cancel
}

func TestSubmitAdmitsUnderQuota(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"embedding": {Window: time.Second, MaxRequests: 5},
	})
	defer cancel()

	future := l.Submit("embedding", PriorityMedium, func(context.Context) (string, error) {
		return "vector", nil
	})

	ctx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	value, err := future.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "vector", value)
}

func TestWindowResetAdmitsQueuedWork(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"llm": {Window: 300 * time.Millisecond, MaxRequests: 3},
	})
	defer cancel()

	var executed atomic.Int32
	op := func(context.Context) (string, error) {
		executed.Add(1)
		return "ok", nil
	}

	futures := make([]*Future[string], 0, 4)
	for i := 0; i < 4; i++ {
		futures = append(futures, l.Submit("llm", PriorityMedium, op))
	}

	// The first three admit immediately; the fourth stays queued.
	deadline := time.Now().Add(time.Second)
	for executed.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, int32(3), executed.Load())
	require.True(t, l.IsLimited("llm"))

	select {
	case <-futures[3].Done():
		t.Fatal("fourth submission must remain queued while at quota")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	_, err := futures[3].Wait(ctx)
	require.NoError(t, err, "queued work admits after the window elapses")
	require.Equal(t, int32(4), executed.Load())
}

func TestPriorityOrdering(t *testing.T) {
	// One slot per window serializes execution so admission order shows in
	// the recorded sequence.
	l := New[string](Config{
		Services:     map[string]QuotaConfig{"llm": {Window: 40 * time.Millisecond, MaxRequests: 1}},
		PollInterval: 5 * time.Millisecond,
	}, nil, nil)

	var mu sync.Mutex
	var order []string
	record := func(tag string) Operation[string] {
		return func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			return tag, nil
		}
	}

	// Queue everything before the pump starts so priorities compete.
	fLow := l.Submit("llm", PriorityLow, record("low"))
	fHigh := l.Submit("llm", PriorityHigh, record("high"))
	fMedium := l.Submit("llm", PriorityMedium, record("medium"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	for _, f := range []*Future[string]{fLow, fHigh, fMedium} {
		_, err := f.Wait(waitCtx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "medium", "low"}, order)
}

func TestFIFOWithinPriorityTier(t *testing.T) {
	l := New[string](Config{
		Services:     map[string]QuotaConfig{"llm": {Window: 30 * time.Millisecond, MaxRequests: 1}},
		PollInterval: 5 * time.Millisecond,
	}, nil, nil)

	var mu sync.Mutex
	var order []int
	futures := make([]*Future[string], 0, 4)
	for i := 0; i < 4; i++ {
		i := i
		futures = append(futures, l.Submit("llm", PriorityMedium, func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return "", nil
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	for _, f := range futures {
		_, err := f.Wait(waitCtx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestHeadOfLineBlocksReadyServiceBehind(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"video":     {Window: 400 * time.Millisecond, MaxRequests: 1},
		"embedding": {Window: time.Second, MaxRequests: 100},
	})
	defer cancel()

	// Exhaust video's single slot.
	first := l.Submit("video", PriorityHigh, func(context.Context) (string, error) {
		return "", nil
	})
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := first.Wait(waitCtx)
	require.NoError(t, err)

	// A high-priority video item now heads the queue at quota; the
	// embedding item behind it must not skip ahead.
	blocked := l.Submit("video", PriorityHigh, func(context.Context) (string, error) {
		return "", nil
	})
	ready := l.Submit("embedding", PriorityLow, func(context.Context) (string, error) {
		return "", nil
	})

	select {
	case <-ready.Done():
		t.Fatal("embedding work admitted past a blocked head of line")
	case <-time.After(100 * time.Millisecond):
	}

	// Once the video window resets both drain in order.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	_, err = blocked.Wait(drainCtx)
	require.NoError(t, err)
	_, err = ready.Wait(drainCtx)
	require.NoError(t, err)
}

func TestFailureRejectsOnlyItsFuture(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"llm": {Window: time.Second, MaxRequests: 10},
	})
	defer cancel()

	boom := errors.New("provider exploded")
	failed := l.Submit("llm", PriorityMedium, func(context.Context) (string, error) {
		return "", boom
	})
	ok := l.Submit("llm", PriorityMedium, func(context.Context) (string, error) {
		return "fine", nil
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	_, err := failed.Wait(waitCtx)
	require.ErrorIs(t, err, boom)

	value, err := ok.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, "fine", value)

	// The failure consumed exactly one slot, nothing more.
	status := l.Status()
	require.Equal(t, 2, status.Services["llm"].RequestsInWindow)
}

func TestWaitForAvailability(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"llm": {Window: 150 * time.Millisecond, MaxRequests: 1},
	})
	defer cancel()

	f := l.Submit("llm", PriorityMedium, func(context.Context) (string, error) { return "", nil })
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := f.Wait(waitCtx)
	require.NoError(t, err)
	require.True(t, l.IsLimited("llm"))

	start := time.Now()
	require.NoError(t, l.WaitForAvailability(waitCtx, "llm"))
	require.False(t, l.IsLimited("llm"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForAvailabilityHonorsContext(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"llm": {Window: time.Hour, MaxRequests: 1},
	})
	defer cancel()

	f := l.Submit("llm", PriorityMedium, func(context.Context) (string, error) { return "", nil })
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := f.Wait(waitCtx)
	require.NoError(t, err)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	require.ErrorIs(t, l.WaitForAvailability(shortCtx, "llm"), context.DeadlineExceeded)
}

func TestStatusSnapshot(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"llm":   {Window: time.Second, MaxRequests: 5},
		"video": {Window: time.Minute, MaxRequests: 2},
	})
	defer cancel()

	f := l.Submit("llm", PriorityHigh, func(context.Context) (string, error) { return "", nil })
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := f.Wait(waitCtx)
	require.NoError(t, err)

	status := l.Status()
	require.Equal(t, 1, status.Services["llm"].RequestsInWindow)
	require.Equal(t, 4, status.Services["llm"].Remaining)
	require.Equal(t, 2, status.Services["video"].MaxRequests)
	require.Equal(t, 0, status.QueueDepth)
	require.Contains(t, status.QueueDepthByPriority, "high")
}

func TestSetQuotaHotReload(t *testing.T) {
	l, cancel := newTestLimiter(t, map[string]QuotaConfig{
		"llm": {Window: time.Hour, MaxRequests: 1},
	})
	defer cancel()

	f := l.Submit("llm", PriorityMedium, func(context.Context) (string, error) { return "", nil })
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := f.Wait(waitCtx)
	require.NoError(t, err)
	require.True(t, l.IsLimited("llm"))

	l.SetQuotas(map[string]QuotaConfig{"llm": {Window: time.Hour, MaxRequests: 10}})
	require.False(t, l.IsLimited("llm"))

	f2 := l.Submit("llm", PriorityMedium, func(context.Context) (string, error) { return "again", nil })
	value, err := f2.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, "again", value)
}

func TestCoalesceSharesOneExecution(t *testing.T) {
	l, cancel := newTestLimiter(t, nil)
	defer cancel()

	var calls atomic.Int32
	op := func(context.Context) (string, error) {
		calls.Add(1)
		return "grouped", nil
	}

	futures := make([]*Future[string], 0, 5)
	for i := 0; i < 5; i++ {
		futures = append(futures, l.Coalesce(context.Background(), "batch:resume", op))
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	for _, f := range futures {
		value, err := f.Wait(waitCtx)
		require.NoError(t, err)
		require.Equal(t, "grouped", value)
	}
	require.Equal(t, int32(1), calls.Load(), "one execution serves the whole group")
}

func TestCoalesceSharesFailure(t *testing.T) {
	l, cancel := newTestLimiter(t, nil)
	defer cancel()

	boom := errors.New("batch failed")
	a := l.Coalesce(context.Background(), "batch:skills", func(context.Context) (string, error) {
		return "", boom
	})
	b := l.Coalesce(context.Background(), "batch:skills", func(context.Context) (string, error) {
		t.Fatal("second caller's operation must not run")
		return "", nil
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	_, errA := a.Wait(waitCtx)
	_, errB := b.Wait(waitCtx)
	require.ErrorIs(t, errA, boom)
	require.ErrorIs(t, errB, boom)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("high")
	require.NoError(t, err)
	require.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	require.Error(t, err)
}
