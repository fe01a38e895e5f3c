package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ZeroerMetrics provides observability for the zeroing worker.
type ZeroerMetrics interface {
	// RecordRun records one completed sweep and the shelves it reclaimed.
	RecordRun(shelves int, failed int)

	// RecordZeroed counts books and bytes returned to FREE.
	RecordZeroed(books int, bytes int64)
}

type zeroerMetrics struct {
	runsTotal    prometheus.Counter
	shelvesTotal *prometheus.CounterVec
	booksTotal   prometheus.Counter
	bytesTotal   prometheus.Counter
}

// NewZeroerMetrics creates a Prometheus-backed ZeroerMetrics instance, or a
// no-op one if metrics are disabled.
func NewZeroerMetrics() ZeroerMetrics {
	if !IsEnabled() {
		return NewNoopZeroerMetrics()
	}

	reg := GetRegistry()

	return &zeroerMetrics{
		runsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "librarian_zeroer_runs_total",
			Help: "Total number of zeroing sweeps",
		}),
		shelvesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "librarian_zeroer_shelves_total",
				Help: "Total number of zeroing shelves processed by outcome",
			},
			[]string{"status"},
		),
		booksTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "librarian_zeroer_books_total",
			Help: "Total number of books zeroed and returned to FREE",
		}),
		bytesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "librarian_zeroer_bytes_total",
			Help: "Total number of bytes zeroed",
		}),
	}
}

func (m *zeroerMetrics) RecordRun(shelves int, failed int) {
	m.runsTotal.Inc()
	m.shelvesTotal.WithLabelValues("success").Add(float64(shelves - failed))
	m.shelvesTotal.WithLabelValues("error").Add(float64(failed))
}

func (m *zeroerMetrics) RecordZeroed(books int, bytes int64) {
	m.booksTotal.Add(float64(books))
	m.bytesTotal.Add(float64(bytes))
}

// NewNoopZeroerMetrics returns a ZeroerMetrics that discards everything.
func NewNoopZeroerMetrics() ZeroerMetrics {
	return noopZeroerMetrics{}
}

type noopZeroerMetrics struct{}

func (noopZeroerMetrics) RecordRun(shelves int, failed int)   {}
func (noopZeroerMetrics) RecordZeroed(books int, bytes int64) {}
