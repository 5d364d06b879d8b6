package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pgprobe.
type Metrics struct {
	// Counters
	RunsTotal       *prometheus.CounterVec
	FixtureOpsTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	// Gauges
	LastAverage *prometheus.GaugeVec
	LastSlowest *prometheus.GaugeVec

	// Histograms
	SampleDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Counters
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgprobe_runs_total",
				Help: "Total number of probe runs",
			},
			[]string{"probe", "status"},
		),
		FixtureOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgprobe_fixture_ops_total",
				Help: "Total number of fixture setup and teardown operations",
			},
			[]string{"op", "status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgprobe_errors_total",
				Help: "Total number of errors by kind",
			},
			[]string{"kind"},
		),

		// Gauges
		LastAverage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgprobe_last_average_seconds",
				Help: "Trimmed average of the most recent successful run",
			},
			[]string{"probe"},
		),
		LastSlowest: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgprobe_last_slowest_seconds",
				Help: "Slowest sample of the most recent successful run",
			},
			[]string{"probe"},
		),

		// Histograms
		SampleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgprobe_sample_duration_seconds",
				Help:    "Duration of individual timed workload invocations",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 22), // 10µs to ~21s
			},
			[]string{"probe"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordSample records one timed workload invocation.
func (m *Metrics) RecordSample(probe string, d time.Duration) {
	if m == nil {
		return
	}
	m.SampleDuration.WithLabelValues(probe).Observe(d.Seconds())
}

// RecordRun records the outcome of a probe run. average and slowest are only
// applied to the gauges when the run succeeded.
func (m *Metrics) RecordRun(probe string, average, slowest time.Duration, err error) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(probe, status(err)).Inc()
	if err != nil {
		return
	}
	m.LastAverage.WithLabelValues(probe).Set(average.Seconds())
	m.LastSlowest.WithLabelValues(probe).Set(slowest.Seconds())
}

// RecordFixtureOp records a setup or teardown.
func (m *Metrics) RecordFixtureOp(op string, err error) {
	if m == nil {
		return
	}
	m.FixtureOpsTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
