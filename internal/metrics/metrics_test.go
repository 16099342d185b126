package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func TestRecorderCountsOperations(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveOperation("embedding", "success", true, 25*time.Millisecond)
	rec.ObserveOperation("embedding", "success", false, 250*time.Millisecond)
	rec.ObserveOperation("resume_analysis", "error", false, time.Second)

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)

	fam := findFamily(t, families, "aicore_operations_requests_total")
	require.NotNil(t, fam)
	var total float64
	for _, m := range fam.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	require.Equal(t, 3.0, total)
}

func TestRecorderPublishesGauges(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.SetCacheUsage(2048, 3)
	rec.SetQueueDepth("high", 4)
	rec.SetMemoryUsage(0.82)
	rec.AddEvictions(5)

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)

	mem := findFamily(t, families, "aicore_cache_memory_bytes")
	require.NotNil(t, mem)
	require.Equal(t, 2048.0, mem.GetMetric()[0].GetGauge().GetValue())

	usage := findFamily(t, families, "aicore_scheduler_memory_usage_ratio")
	require.NotNil(t, usage)
	require.InDelta(t, 0.82, usage.GetMetric()[0].GetGauge().GetValue(), 0.0001)

	evictions := findFamily(t, families, "aicore_cache_evictions_total")
	require.NotNil(t, evictions)
	require.Equal(t, 5.0, evictions.GetMetric()[0].GetCounter().GetValue())
}

func TestRecorderHandlerServesMetrics(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())
	rec.ObserveAdmission("embedding", "success")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	res := httptest.NewRecorder()
	rec.Handler().ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "aicore_admission_admitted_total")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveOperation("embedding", "success", false, time.Millisecond)
	rec.ObserveCache(CacheOperationGet, CacheResultMiss)
	rec.SetCacheUsage(1, 1)
	rec.SetQueueDepth("low", 1)
	rec.SetMemoryUsage(0.5)
	rec.ObserveReclaim()
	rec.ObserveBatch()
	rec.AddEvictions(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	res := httptest.NewRecorder()
	rec.Handler().ServeHTTP(res, req)
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
}
