package graph

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/paulrosenzweig/vega/dataflow"
	"github.com/paulrosenzweig/vega/dataflow/annotations"
)

// Operator is a node of a dataflow graph. Its published value, pulse and
// stamp change only when a run that evaluated it commits.
type Operator struct {
	id        int
	name      string
	def       *Definition
	transform Transform
	graph     *Graph

	params        *Params
	pendingParams map[string]any
	pendingValue  any
	hasPending    bool
	fresh         bool // never evaluated

	inputs  []*Operator // pulse inputs, in connection order
	refs    map[string]*Operator
	targets []*Operator
	rank    int

	stamp int64
	pulse *dataflow.Pulse
	value any
}

// ID is the operator's insertion index within its graph.
func (o *Operator) ID() int { return o.id }

// Name is the operator's display name.
func (o *Operator) Name() string { return o.name }

// Type is the operator's definition type.
func (o *Operator) Type() string { return o.def.Type }

// Definition returns the operator's definition.
func (o *Operator) Definition() *Definition { return o.def }

// Rank returns the operator's topological rank. It is only meaningful after
// the graph has run since the last structural change.
func (o *Operator) Rank() int {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.rank
}

// Stamp returns the stamp of the last committed run that evaluated o.
func (o *Operator) Stamp() int64 {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.stamp
}

// Pulse returns the last committed output pulse, or nil before the first
// evaluation.
func (o *Operator) Pulse() *dataflow.Pulse {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.pulse
}

// Value returns the last committed value.
func (o *Operator) Value() any {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.value
}

// Inputs returns the operators whose pulses o consumes.
func (o *Operator) Inputs() []*Operator {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return append([]*Operator(nil), o.inputs...)
}

// Targets returns the operators that depend on o.
func (o *Operator) Targets() []*Operator {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return append([]*Operator(nil), o.targets...)
}

func (o *Operator) dependencies() []*Operator {
	deps := append([]*Operator(nil), o.inputs...)
	for _, r := range o.refs {
		deps = append(deps, r)
	}
	return deps
}

// EvalContext carries everything a transform sees during one evaluation.
type EvalContext struct {
	Context context.Context
	Stamp   int64
	Params  *Params

	// Inputs holds one pulse per input operator, in connection order. An
	// input that did not change this run contributes an empty pulse at the
	// current stamp that still carries its source view.
	Inputs []*dataflow.Pulse

	// Changeset is set for the source operator a run was started on.
	Changeset *dataflow.Changeset

	// Update holds a value staged with Graph.Update; Updated reports whether
	// one was staged for this run.
	Update  any
	Updated bool

	Logger  zerolog.Logger
	Workers int

	op        *Operator
	collector *annotations.Collector
}

// Input returns the first input pulse, or an empty pulse when the operator
// has no inputs.
func (c *EvalContext) Input() *dataflow.Pulse {
	if len(c.Inputs) == 0 {
		return dataflow.NewPulse(c.Stamp)
	}
	return c.Inputs[0]
}

// Operator returns the operator being evaluated.
func (c *EvalContext) Operator() *Operator { return c.op }

// Fresh reports whether the operator has never completed an evaluation.
func (c *EvalContext) Fresh() bool { return c.op.fresh }

// Annotate records an event attributed to the evaluating operator.
func (c *EvalContext) Annotate(name string, data map[string]any) {
	if c.collector == nil {
		return
	}
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["operator"] = c.op.name
	data["stamp"] = c.Stamp
	c.collector.AddTiming(name, time.Now(), data)
}
