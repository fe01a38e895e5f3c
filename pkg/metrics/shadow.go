package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ShadowMetrics provides observability for backing-store I/O.
type ShadowMetrics interface {
	// RecordIO records one read, write or zero against a backend.
	//
	// Parameters:
	//   - backend: Backing mode (e.g., "file", "s3")
	//   - op: "read", "write", "zero" or "truncate"
	//   - bytes: Bytes moved
	//   - duration: Time taken
	//   - err: Error if the operation failed
	RecordIO(backend, op string, bytes int, duration time.Duration, err error)

	// RecordTruncated counts spans cut short by a translation failure.
	RecordTruncated(backend string)
}

type shadowMetrics struct {
	opsTotal   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	bytesTotal *prometheus.CounterVec
	truncated  *prometheus.CounterVec
}

// NewShadowMetrics creates a Prometheus-backed ShadowMetrics instance, or a
// no-op one if metrics are disabled.
func NewShadowMetrics() ShadowMetrics {
	if !IsEnabled() {
		return NewNoopShadowMetrics()
	}

	reg := GetRegistry()

	return &shadowMetrics{
		opsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "librarian_shadow_operations_total",
				Help: "Total number of backing-store operations by backend, operation and status",
			},
			[]string{"backend", "operation", "status"},
		),
		opDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "librarian_shadow_operation_duration_seconds",
				Help: "Duration of backing-store operations in seconds",
				Buckets: []float64{
					0.00001, // 10µs
					0.0001,  // 100µs
					0.001,   // 1ms
					0.01,    // 10ms
					0.1,     // 100ms
					1.0,     // 1s
				},
			},
			[]string{"backend", "operation"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "librarian_shadow_bytes_total",
				Help: "Total bytes moved through the backing store",
			},
			[]string{"backend", "operation"},
		),
		truncated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "librarian_shadow_truncated_spans_total",
				Help: "Total number of spans truncated by a translation failure",
			},
			[]string{"backend"},
		),
	}
}

func (m *shadowMetrics) RecordIO(backend, op string, bytes int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.opsTotal.WithLabelValues(backend, op, status).Inc()
	m.opDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
	if bytes > 0 {
		m.bytesTotal.WithLabelValues(backend, op).Add(float64(bytes))
	}
}

func (m *shadowMetrics) RecordTruncated(backend string) {
	m.truncated.WithLabelValues(backend).Inc()
}

// NewNoopShadowMetrics returns a ShadowMetrics that discards everything.
func NewNoopShadowMetrics() ShadowMetrics {
	return noopShadowMetrics{}
}

type noopShadowMetrics struct{}

func (noopShadowMetrics) RecordIO(backend, op string, bytes int, duration time.Duration, err error) {
}
func (noopShadowMetrics) RecordTruncated(backend string) {}
