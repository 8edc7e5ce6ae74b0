package identity

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter (or the latency histogram) in the
// in-process metrics system.
type MetricID uint16

const (
	// MetricSignInSuccess counts provider-accepted sign-ins.
	MetricSignInSuccess MetricID = iota
	// MetricSignInFailure counts rejected or failed sign-ins.
	MetricSignInFailure
	// MetricSignUpSuccess counts accepted account creations.
	MetricSignUpSuccess
	// MetricSignUpFailure counts rejected account creations.
	MetricSignUpFailure
	// MetricSignOut counts explicit sign-outs.
	MetricSignOut
	// MetricSessionHydrated counts sessions restored at startup or applied
	// from auth events.
	MetricSessionHydrated
	// MetricSessionCleared counts transitions to the empty identity state.
	MetricSessionCleared
	// MetricAuthEventApplied counts provider auth events processed.
	MetricAuthEventApplied
	// MetricProfileFetchFailure counts profile fetches that failed with a
	// user present. Each one triggers an implicit sign-out.
	MetricProfileFetchFailure
	// MetricImplicitSignOut counts fail-closed teardowns.
	MetricImplicitSignOut
	// MetricProfileUpdateSuccess counts confirmed profile updates.
	MetricProfileUpdateSuccess
	// MetricProfileUpdateFailure counts rejected profile updates.
	MetricProfileUpdateFailure
	// MetricStaleResultDiscarded counts state writes dropped by the
	// last-write-wins race check.
	MetricStaleResultDiscarded
	// MetricGateAdmitted counts gate evaluations that admitted.
	MetricGateAdmitted
	// MetricGateRedirected counts gate evaluations that redirected to
	// sign-in.
	MetricGateRedirected
	// MetricGateForbidden counts gate evaluations denied on role.
	MetricGateForbidden
	// MetricGateTransition counts one-shot transition renders.
	MetricGateTransition
	// MetricProfileFetchLatency is the profile fetch latency histogram.
	MetricProfileFetchLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds atomic counters and an optional latency histogram. All
// methods are safe for concurrent use; a nil or disabled Metrics is a
// no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a [Metrics] instance; when cfg.Enabled is false every
// operation is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc increments a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a profile fetch duration into the histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricProfileFetchLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value reads a single counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot deep-copies all counters and histogram buckets.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricProfileFetchLatency].buckets[i])
		}
		s.Histograms[MetricProfileFetchLatency] = buckets
	}

	return s
}

// bucketIndex maps a duration to its histogram bucket:
// <1ms, <5ms, <10ms, <50ms, <100ms, <500ms, <1s, >=1s.
func bucketIndex(d time.Duration) int {
	switch {
	case d < time.Millisecond:
		return 0
	case d < 5*time.Millisecond:
		return 1
	case d < 10*time.Millisecond:
		return 2
	case d < 50*time.Millisecond:
		return 3
	case d < 100*time.Millisecond:
		return 4
	case d < 500*time.Millisecond:
		return 5
	case d < time.Second:
		return 6
	default:
		return 7
	}
}
