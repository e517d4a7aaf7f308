package graph

import (
	"github.com/paulrosenzweig/vega/dataflow"
)

// SignalDefinition is the built-in operator holding a scalar value. Other
// operators bind parameters to it with Ref; Graph.Update changes it.
var SignalDefinition = &Definition{
	Type: "Signal",
	New: func(*Params) (Transform, error) {
		return &signal{}, nil
	},
}

type signal struct {
	value  any
	next   any
	staged bool
}

func (s *signal) Evaluate(ctx *EvalContext) (*dataflow.Pulse, error) {
	out := dataflow.NewPulse(ctx.Stamp)
	if !ctx.Updated {
		return out, nil
	}
	s.next, s.staged = ctx.Update, true
	out.ValueChanged = ctx.Fresh() || !dataflow.ValuesEqual(s.value, ctx.Update)
	return out, nil
}

func (s *signal) Value() any {
	if s.staged {
		return s.next
	}
	return s.value
}

func (s *signal) Commit() {
	if s.staged {
		s.value, s.next, s.staged = s.next, nil, false
	}
}

func (s *signal) Rollback() {
	s.next, s.staged = nil, false
}
