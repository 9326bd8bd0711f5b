package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveApplyRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPlaybackCollector(reg)
	if err != nil {
		t.Fatalf("NewPlaybackCollector: %v", err)
	}

	collector.SetTraceSamples(3)
	collector.ObserveApply(25*time.Millisecond, 5000, 50*time.Millisecond)
	collector.ObserveApply(5*time.Millisecond, 2500, 50*time.Millisecond)

	if got := testutil.ToFloat64(collector.SamplesApplied); got != 2 {
		t.Fatalf("playback_samples_applied_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.TraceSamples); got != 3 {
		t.Fatalf("playback_trace_samples = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.ShapingRate); got != 2500 {
		t.Fatalf("shaping_rate_kbit = %v, want 2500", got)
	}
	if got := testutil.ToFloat64(collector.ShapingLatency); got != 0.05 {
		t.Fatalf("shaping_latency_seconds = %v, want 0.05", got)
	}
	if count := histogramSampleCount(t, reg, "playback_apply_skew_seconds"); count != 2 {
		t.Fatalf("playback_apply_skew_seconds sample_count = %d, want 2", count)
	}
}

func TestBackendErrorsAndGaugeReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPlaybackCollector(reg)
	if err != nil {
		t.Fatalf("NewPlaybackCollector: %v", err)
	}

	collector.ObserveApply(0, 1000, 10*time.Millisecond)
	collector.IncBackendErrors()
	collector.ClearShapingGauges()

	if got := testutil.ToFloat64(collector.BackendErrors); got != 1 {
		t.Fatalf("playback_backend_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ShapingRate); got != 0 {
		t.Fatalf("shaping_rate_kbit after clear = %v, want 0", got)
	}
}

func TestNewPlaybackCollectorIsReRegisterable(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPlaybackCollector(reg); err != nil {
		t.Fatalf("first NewPlaybackCollector: %v", err)
	}
	second, err := NewPlaybackCollector(reg)
	if err != nil {
		t.Fatalf("second NewPlaybackCollector: %v", err)
	}

	second.IncBackendErrors()
	if got := testutil.ToFloat64(second.BackendErrors); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPlaybackCollector(reg)
	if err != nil {
		t.Fatalf("NewPlaybackCollector: %v", err)
	}
	collector.ObserveApply(time.Millisecond, 750, 5*time.Millisecond)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "playback_samples_applied_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}

func histogramSampleCount(t *testing.T, g prometheus.Gatherer, name string) uint64 {
	t.Helper()
	var families []*dto.MetricFamily
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if h := m.GetHistogram(); h != nil {
				return h.GetSampleCount()
			}
		}
	}
	t.Fatalf("histogram %s not found", name)
	return 0
}
