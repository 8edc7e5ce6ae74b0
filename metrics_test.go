package identity

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsIncAndValue(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.Inc(MetricSignInSuccess)
	m.Inc(MetricSignInSuccess)
	m.Inc(MetricGateAdmitted)

	if got := m.Value(MetricSignInSuccess); got != 2 {
		t.Fatalf("Value(MetricSignInSuccess) = %d, want 2", got)
	}
	if got := m.Value(MetricGateAdmitted); got != 1 {
		t.Fatalf("Value(MetricGateAdmitted) = %d, want 1", got)
	}
	if got := m.Value(MetricSignOut); got != 0 {
		t.Fatalf("Value(MetricSignOut) = %d, want 0", got)
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricSignInSuccess)
	m.Observe(MetricProfileFetchLatency, time.Millisecond)

	if got := m.Value(MetricSignInSuccess); got != 0 {
		t.Fatalf("disabled metrics recorded a count: %d", got)
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Fatalf("disabled snapshot not empty: %+v", snap)
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricSignInSuccess) // must not panic
	if nilMetrics.Value(MetricSignInSuccess) != 0 {
		t.Fatal("nil metrics returned non-zero")
	}
}

func TestMetricsOutOfRangeIDIgnored(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(metricIDCount)
	m.Inc(MetricID(4096))
	if got := m.Value(MetricID(4096)); got != 0 {
		t.Fatalf("out-of-range id recorded: %d", got)
	}
}

func TestMetricsHistogramBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	cases := []struct {
		d      time.Duration
		bucket int
	}{
		{500 * time.Microsecond, 0},
		{time.Millisecond, 1},
		{4 * time.Millisecond, 1},
		{7 * time.Millisecond, 2},
		{20 * time.Millisecond, 3},
		{80 * time.Millisecond, 4},
		{300 * time.Millisecond, 5},
		{800 * time.Millisecond, 6},
		{2 * time.Second, 7},
	}
	for _, tc := range cases {
		if got := bucketIndex(tc.d); got != tc.bucket {
			t.Errorf("bucketIndex(%v) = %d, want %d", tc.d, got, tc.bucket)
		}
		m.Observe(MetricProfileFetchLatency, tc.d)
	}

	buckets := m.Snapshot().Histograms[MetricProfileFetchLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("bucket count = %d", len(buckets))
	}
	var total uint64
	for _, b := range buckets {
		total += b
	}
	if total != uint64(len(cases)) {
		t.Fatalf("total observations = %d, want %d", total, len(cases))
	}
	if buckets[1] != 2 {
		t.Fatalf("bucket[1] = %d, want 2", buckets[1])
	}
}

func TestMetricsObserveRequiresHistogramsEnabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricProfileFetchLatency, time.Millisecond)
	if h := m.Snapshot().Histograms[MetricProfileFetchLatency]; h != nil {
		t.Fatalf("histogram recorded while disabled: %v", h)
	}

	// Non-latency IDs never land in the histogram.
	m2 := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m2.Observe(MetricSignInSuccess, time.Millisecond)
	for _, b := range m2.Snapshot().Histograms[MetricProfileFetchLatency] {
		if b != 0 {
			t.Fatal("observation recorded under wrong id")
		}
	}
}

func TestMetricsConcurrentInc(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricAuthEventApplied)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricAuthEventApplied); got != workers*perWorker {
		t.Fatalf("Value = %d, want %d", got, workers*perWorker)
	}
}
