package graph

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the per-graph Prometheus collectors.
type Metrics struct {
	Runs       *prometheus.CounterVec
	Evaluated  prometheus.Counter
	Suppressed prometheus.Counter
	Duration   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, graphName string) *Metrics {
	labels := prometheus.Labels{"graph": graphName}
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dataflow",
			Name:        "runs_total",
			Help:        "Propagation runs by result",
			ConstLabels: labels,
		}, []string{"result"}),
		Evaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dataflow",
			Name:        "operators_evaluated_total",
			Help:        "Operator evaluations across all runs",
			ConstLabels: labels,
		}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dataflow",
			Name:        "propagation_suppressed_total",
			Help:        "Evaluations whose unchanged output did not schedule their targets",
			ConstLabels: labels,
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dataflow",
			Name:        "run_duration_seconds",
			Help:        "Wall time of propagation runs",
			ConstLabels: labels,
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	if reg == nil {
		return m
	}

	m.Runs = register(reg, m.Runs)
	m.Evaluated = register(reg, m.Evaluated)
	m.Suppressed = register(reg, m.Suppressed)
	m.Duration = register(reg, m.Duration)
	return m
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
