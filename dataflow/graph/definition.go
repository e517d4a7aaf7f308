package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/paulrosenzweig/vega/dataflow"
)

// Metadata flags describe how an operator treats tuples.
type Metadata struct {
	// Modifies: the operator writes fields of its input tuples in place
	// instead of producing new tuple identities.
	Modifies bool
	// Tree: the output implies a hierarchy.
	Tree bool
	// Source: the operator accepts changesets from Graph.Run.
	Source bool
	// Generates: the operator creates new tuples.
	Generates bool
}

// Transform computes an operator's output pulse from its inputs.
type Transform interface {
	Evaluate(ctx *EvalContext) (*dataflow.Pulse, error)
}

// Transactional transforms stage their state changes during Evaluate. The
// graph calls Commit once the whole run succeeds and Rollback when any
// operator in the run fails.
type Transactional interface {
	Commit()
	Rollback()
}

// Valuer transforms expose a value other operators can bind parameters to.
type Valuer interface {
	Value() any
}

// Closer transforms release resources when the graph is closed.
type Closer interface {
	Close() error
}

// Definition declares an operator type.
type Definition struct {
	Type     string
	Metadata Metadata
	Params   []ParamDef
	New      func(*Params) (Transform, error)

	// Validate, when set, checks parameter combinations the schema cannot
	// express. SetParam calls it on the updated set; New runs at Add.
	Validate func(*Params) error
}

// Param looks up a parameter declaration by name.
func (d *Definition) Param(name string) (*ParamDef, bool) {
	for i := range d.Params {
		if d.Params[i].Name == name {
			return &d.Params[i], true
		}
	}
	return nil, false
}

func (d *Definition) validate() error {
	if d.Type == "" {
		return dataflow.NewConfigError("", "", "definition has no type name")
	}
	if d.New == nil {
		return dataflow.NewConfigError(d.Type, "", "definition has no constructor")
	}
	seen := make(map[string]bool, len(d.Params))
	for i := range d.Params {
		pd := &d.Params[i]
		if pd.Name == "" {
			return dataflow.NewConfigError(d.Type, "", "parameter %d has no name", i)
		}
		if seen[pd.Name] {
			return dataflow.NewConfigError(d.Type, pd.Name, "declared twice")
		}
		seen[pd.Name] = true
		if pd.Kind == KindEnum && len(pd.Values) == 0 {
			return dataflow.NewConfigError(d.Type, pd.Name, "enum parameter declares no values")
		}
		if pd.Default != nil {
			if _, err := resolveParam(d.Type, pd, pd.Default); err != nil {
				return fmt.Errorf("invalid default: %w", err)
			}
		}
	}
	return nil
}

// Registry maps operator type names to definitions. Each graph is built
// against one registry; registries are independent of each other.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns a registry holding the built-in Source and Signal
// definitions.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*Definition)}
	r.defs[SourceDefinition.Type] = SourceDefinition
	r.defs[SignalDefinition.Type] = SignalDefinition
	return r
}

// Register adds a definition. Registering a type name twice is an error.
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return dataflow.NewConfigError(def.Type, "", "operator type already registered")
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition for typ.
func (r *Registry) Lookup(typ string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typ]
	return def, ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
