package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/paulrosenzweig/vega/dataflow/annotations"
)

type options struct {
	name     string
	logger   zerolog.Logger
	registry prometheus.Registerer
	tracer   trace.TracerProvider
	handler  annotations.Handler
	workers  int
}

// Option configures a Graph.
type Option func(*options)

// WithName sets the graph name used in logs, traces and metric labels.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the graph logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers the graph's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithTracerProvider sets the provider for run and operator spans. The
// default is the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithAnnotations forwards run events to h.
func WithAnnotations(h annotations.Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithPartitionWorkers bounds how many goroutines a transform may use to
// process independent partitions within one evaluation. 1 keeps evaluation
// on the run goroutine.
func WithPartitionWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}
