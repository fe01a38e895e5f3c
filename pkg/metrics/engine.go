package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics provides observability for the command engine.
//
// If no implementation is given to the engine, commands proceed without
// metrics collection.
type EngineMetrics interface {
	// RecordCommand records one dispatched command.
	//
	// Parameters:
	//   - command: Command discriminator (e.g., "resize_shelf")
	//   - errno: Symbolic errno of the fault, "OK" on success
	//   - duration: Time taken to run the command
	RecordCommand(command string, errno string, duration time.Duration)

	// SetBookStates updates the book count per allocation state.
	SetBookStates(counts map[string]int)

	// RecordBooksAllocated counts books moved FREE→INUSE by a grow.
	RecordBooksAllocated(policy string, n int)
}

type engineMetrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	books           *prometheus.GaugeVec
	allocated       *prometheus.CounterVec
}

// NewEngineMetrics creates a Prometheus-backed EngineMetrics instance, or a
// no-op one if InitRegistry has not been called.
func NewEngineMetrics() EngineMetrics {
	if !IsEnabled() {
		return NewNoopEngineMetrics()
	}

	reg := GetRegistry()

	return &engineMetrics{
		commandsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "librarian_engine_commands_total",
				Help: "Total number of engine commands by command and errno",
			},
			[]string{"command", "errno"},
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "librarian_engine_command_duration_seconds",
				Help: "Duration of engine commands in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.0005, // 500µs
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
				},
			},
			[]string{"command"},
		),
		books: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "librarian_books",
				Help: "Number of books by allocation state",
			},
			[]string{"state"},
		),
		allocated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "librarian_books_allocated_total",
				Help: "Total number of books allocated to shelves by policy",
			},
			[]string{"policy"},
		),
	}
}

func (m *engineMetrics) RecordCommand(command string, errno string, duration time.Duration) {
	m.commandsTotal.WithLabelValues(command, errno).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *engineMetrics) SetBookStates(counts map[string]int) {
	for state, n := range counts {
		m.books.WithLabelValues(state).Set(float64(n))
	}
}

func (m *engineMetrics) RecordBooksAllocated(policy string, n int) {
	m.allocated.WithLabelValues(policy).Add(float64(n))
}

// NewNoopEngineMetrics returns an EngineMetrics that discards everything.
func NewNoopEngineMetrics() EngineMetrics {
	return noopEngineMetrics{}
}

type noopEngineMetrics struct{}

func (noopEngineMetrics) RecordCommand(command string, errno string, duration time.Duration) {}
func (noopEngineMetrics) SetBookStates(counts map[string]int)                                {}
func (noopEngineMetrics) RecordBooksAllocated(policy string, n int)                          {}
