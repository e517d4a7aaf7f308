package graph

import (
	"errors"
	"sync"

	"github.com/paulrosenzweig/vega/dataflow"
)

// relay forwards its first input and counts what the graph does with it.
type relay struct {
	mu          sync.Mutex
	evaluations int
	commits     int
	rollbacks   int
	lastParams  *Params
	block       chan struct{} // when set, Evaluate waits on it once
	entered     chan struct{}
}

func (r *relay) Evaluate(ctx *EvalContext) (*dataflow.Pulse, error) {
	r.mu.Lock()
	r.evaluations++
	r.lastParams = ctx.Params
	block, entered := r.block, r.entered
	r.block = nil
	r.mu.Unlock()

	if block != nil {
		close(entered)
		<-block
	}

	in := ctx.Input()
	out := in.Fork()
	out.Added = in.Added
	out.Removed = in.Removed
	out.Modified = in.Modified
	out.Reset = in.Reset
	return out, nil
}

func (r *relay) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
}

func (r *relay) Rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks++
}

func (r *relay) counts() (evaluations, commits, rollbacks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evaluations, r.commits, r.rollbacks
}

var errBadRow = errors.New("bad row")

// validator fails on any added tuple with bad=true.
type validator struct{ relay }

func (v *validator) Evaluate(ctx *EvalContext) (*dataflow.Pulse, error) {
	for _, t := range ctx.Input().Added {
		if t.Get("bad") == true {
			return nil, errBadRow
		}
	}
	return v.relay.Evaluate(ctx)
}

// testRegistry registers Relay, Validator and Scale definitions. The created
// transforms are recorded in the returned slice pointers so tests can inspect
// them.
func testRegistry(relays *[]*relay, validators *[]*validator) *Registry {
	reg := NewRegistry()
	mustRegister := func(def *Definition) {
		if err := reg.Register(def); err != nil {
			panic(err)
		}
	}
	mustRegister(&Definition{
		Type: "Relay",
		Params: []ParamDef{
			{Name: "factor", Kind: KindNumber, Default: 1},
			{Name: "by", Kind: KindField, Array: true, Structural: true},
		},
		New: func(*Params) (Transform, error) {
			r := &relay{}
			if relays != nil {
				*relays = append(*relays, r)
			}
			return r, nil
		},
	})
	mustRegister(&Definition{
		Type: "Validator",
		New: func(*Params) (Transform, error) {
			v := &validator{}
			if validators != nil {
				*validators = append(*validators, v)
			}
			return v, nil
		},
	})
	return reg
}

func rows(values ...int) []map[string]any {
	out := make([]map[string]any, len(values))
	for i, v := range values {
		out[i] = map[string]any{"v": v}
	}
	return out
}
