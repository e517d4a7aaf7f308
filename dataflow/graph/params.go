package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/paulrosenzweig/vega/dataflow"
)

// ParamKind tags the value kind of an operator parameter.
type ParamKind int

const (
	KindField ParamKind = iota
	KindCompare
	KindEnum
	KindNumber
	KindBoolean
	KindString
)

func (k ParamKind) String() string {
	switch k {
	case KindField:
		return "field"
	case KindCompare:
		return "compare"
	case KindEnum:
		return "enum"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	}
	return fmt.Sprintf("ParamKind(%d)", int(k))
}

// ParamDef declares one operator parameter.
//
// Resolved value types:
//
//	field    dataflow.Field        array: []dataflow.Field
//	compare  *dataflow.Comparator
//	enum     string                array: []string
//	number   float64               array: []float64, or []*float64 when Nullable
//	boolean  bool
//	string   string                array: []string
//
// Nullable arrays accept nil elements. For field and string arrays a nil
// element resolves to the zero Field or the empty string.
type ParamDef struct {
	Name     string
	Kind     ParamKind
	Array    bool
	Nullable bool
	Required bool
	Length   int // fixed array length; 0 means any
	Default  any
	Values   []string // allowed enum values

	// Structural parameters change the shape of an operator's output. A change
	// forces the operator to rebuild its state instead of updating it.
	Structural bool
}

// CompareSpec is the declarative form of a comparator parameter.
type CompareSpec struct {
	Fields []string `yaml:"field" json:"field"`
	Orders []string `yaml:"order" json:"order"`
}

// Reference makes a parameter read another operator's value.
type Reference struct {
	Op *Operator
}

// Ref binds a parameter to op's value. The bound operator becomes a
// dependency; when its value changes the parameter is re-resolved and reported
// as modified.
func Ref(op *Operator) Reference {
	return Reference{Op: op}
}

// Params holds the resolved parameters of one operator evaluation.
type Params struct {
	def      *Definition
	values   map[string]any
	modified map[string]bool
}

// ResolveParams validates raw parameter values against def and fills
// defaults. Reference values are left for the graph to resolve.
func ResolveParams(def *Definition, raw map[string]any) (*Params, error) {
	for name := range raw {
		if _, ok := def.Param(name); !ok {
			return nil, dataflow.NewConfigError(def.Type, name, "unknown parameter")
		}
	}

	p := &Params{
		def:      def,
		values:   make(map[string]any, len(def.Params)),
		modified: make(map[string]bool, len(def.Params)),
	}
	for i := range def.Params {
		pd := &def.Params[i]
		v, ok := raw[pd.Name]
		if _, isRef := v.(Reference); isRef {
			p.values[pd.Name] = v
			p.modified[pd.Name] = true
			continue
		}
		if !ok || v == nil {
			v = pd.Default
		}
		if v == nil {
			if pd.Required {
				return nil, dataflow.NewConfigError(def.Type, pd.Name, "required parameter is missing")
			}
			p.modified[pd.Name] = true
			continue
		}
		resolved, err := resolveParam(def.Type, pd, v)
		if err != nil {
			return nil, err
		}
		p.values[pd.Name] = resolved
		p.modified[pd.Name] = true
	}
	return p, nil
}

// with returns a copy of p in which name holds raw, resolved. The copy's
// modified set contains only the names changed through with.
func (p *Params) with(changes map[string]any) (*Params, error) {
	next := &Params{
		def:      p.def,
		values:   make(map[string]any, len(p.values)),
		modified: make(map[string]bool, len(changes)),
	}
	for k, v := range p.values {
		next.values[k] = v
	}
	for name, raw := range changes {
		pd, ok := p.def.Param(name)
		if !ok {
			return nil, dataflow.NewConfigError(p.def.Type, name, "unknown parameter")
		}
		if raw == nil {
			raw = pd.Default
		}
		if raw == nil {
			if pd.Required {
				return nil, dataflow.NewConfigError(p.def.Type, name, "required parameter is missing")
			}
			delete(next.values, name)
		} else if _, isRef := raw.(Reference); isRef {
			next.values[name] = raw
		} else {
			v, err := resolveParam(p.def.Type, pd, raw)
			if err != nil {
				return nil, err
			}
			next.values[name] = v
		}
		next.modified[name] = true
	}
	return next, nil
}

// set returns a copy of p with name holding an already resolved value and
// marked modified. A nil value clears the parameter.
func (p *Params) set(name string, value any) *Params {
	next := &Params{
		def:      p.def,
		values:   make(map[string]any, len(p.values)),
		modified: make(map[string]bool, len(p.modified)+1),
	}
	for k, v := range p.values {
		next.values[k] = v
	}
	for k, v := range p.modified {
		next.modified[k] = v
	}
	if value == nil {
		delete(next.values, name)
	} else {
		next.values[name] = value
	}
	next.modified[name] = true
	return next
}

// settled returns a copy of p with an empty modified set.
func (p *Params) settled() *Params {
	return &Params{def: p.def, values: p.values, modified: map[string]bool{}}
}

func (p *Params) references() map[string]*Operator {
	var refs map[string]*Operator
	for name, v := range p.values {
		if r, ok := v.(Reference); ok {
			if refs == nil {
				refs = make(map[string]*Operator)
			}
			refs[name] = r.Op
		}
	}
	return refs
}

// Get returns the resolved value of name, or nil.
func (p *Params) Get(name string) any {
	v := p.values[name]
	if _, isRef := v.(Reference); isRef {
		return nil
	}
	return v
}

// Has reports whether name holds a value.
func (p *Params) Has(name string) bool {
	return p.Get(name) != nil
}

// Modified reports whether any of the named parameters changed since the
// operator last evaluated. With no names it reports whether any parameter
// changed.
func (p *Params) Modified(names ...string) bool {
	if len(names) == 0 {
		return len(p.modified) > 0
	}
	for _, n := range names {
		if p.modified[n] {
			return true
		}
	}
	return false
}

// StructuralModified reports whether a structural parameter changed.
func (p *Params) StructuralModified() bool {
	for i := range p.def.Params {
		if p.def.Params[i].Structural && p.modified[p.def.Params[i].Name] {
			return true
		}
	}
	return false
}

// Field returns a field parameter.
func (p *Params) Field(name string) dataflow.Field {
	f, _ := p.Get(name).(dataflow.Field)
	return f
}

// Fields returns a field array parameter.
func (p *Params) Fields(name string) []dataflow.Field {
	fs, _ := p.Get(name).([]dataflow.Field)
	return fs
}

// Comparator returns a compare parameter, or nil.
func (p *Params) Comparator(name string) *dataflow.Comparator {
	c, _ := p.Get(name).(*dataflow.Comparator)
	return c
}

// Number returns a number parameter.
func (p *Params) Number(name string) float64 {
	n, _ := p.Get(name).(float64)
	return n
}

// Numbers returns a non-nullable number array parameter.
func (p *Params) Numbers(name string) []float64 {
	ns, _ := p.Get(name).([]float64)
	return ns
}

// NullableNumbers returns a nullable number array parameter.
func (p *Params) NullableNumbers(name string) []*float64 {
	ns, _ := p.Get(name).([]*float64)
	return ns
}

// Bool returns a boolean parameter.
func (p *Params) Bool(name string) bool {
	b, _ := p.Get(name).(bool)
	return b
}

// String returns a string or enum parameter.
func (p *Params) String(name string) string {
	s, _ := p.Get(name).(string)
	return s
}

// Strings returns a string or enum array parameter.
func (p *Params) Strings(name string) []string {
	ss, _ := p.Get(name).([]string)
	return ss
}

func resolveParam(opType string, pd *ParamDef, v any) (any, error) {
	fail := func(format string, args ...any) error {
		return dataflow.NewConfigError(opType, pd.Name, format, args...)
	}

	if pd.Kind == KindCompare {
		c, err := resolveComparator(v)
		if err != nil {
			return nil, fail("%v", err)
		}
		return c, nil
	}

	if !pd.Array {
		if v == nil {
			return nil, nil
		}
		out, err := resolveScalar(pd, v)
		if err != nil {
			return nil, fail("%v", err)
		}
		return out, nil
	}

	items, ok := toSlice(v)
	if !ok {
		// a lone scalar is an array of one
		items = []any{v}
	}
	if pd.Length > 0 && len(items) != pd.Length {
		return nil, fail("expected %d values, got %d", pd.Length, len(items))
	}

	switch pd.Kind {
	case KindField:
		out := make([]dataflow.Field, len(items))
		for i, item := range items {
			if item == nil {
				if !pd.Nullable {
					return nil, fail("element %d is null", i)
				}
				continue
			}
			f, err := resolveScalar(pd, item)
			if err != nil {
				return nil, fail("element %d: %v", i, err)
			}
			out[i] = f.(dataflow.Field)
		}
		return out, nil
	case KindNumber:
		if pd.Nullable {
			out := make([]*float64, len(items))
			for i, item := range items {
				if item == nil {
					continue
				}
				n, ok := dataflow.ToNumber(item)
				if !ok {
					return nil, fail("element %d: %v is not a number", i, item)
				}
				out[i] = &n
			}
			return out, nil
		}
		out := make([]float64, len(items))
		for i, item := range items {
			n, ok := dataflow.ToNumber(item)
			if !ok {
				return nil, fail("element %d: %v is not a number", i, item)
			}
			out[i] = n
		}
		return out, nil
	case KindEnum, KindString:
		out := make([]string, len(items))
		for i, item := range items {
			if item == nil {
				if !pd.Nullable {
					return nil, fail("element %d is null", i)
				}
				continue
			}
			s, err := resolveScalar(pd, item)
			if err != nil {
				return nil, fail("element %d: %v", i, err)
			}
			out[i] = s.(string)
		}
		return out, nil
	}
	return nil, fail("%s parameters cannot be arrays", pd.Kind)
}

func resolveScalar(pd *ParamDef, v any) (any, error) {
	switch pd.Kind {
	case KindField:
		switch f := v.(type) {
		case dataflow.Field:
			return f, nil
		case string:
			if f == "" {
				return nil, fmt.Errorf("empty field name")
			}
			return dataflow.NewField(f), nil
		}
		return nil, fmt.Errorf("%v is not a field", v)
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%v is not a string", v)
		}
		if !slices.Contains(pd.Values, s) {
			return nil, fmt.Errorf("unrecognized value %q", s)
		}
		return s, nil
	case KindNumber:
		n, ok := dataflow.ToNumber(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return n, nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%v is not a boolean", v)
		}
		return b, nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%v is not a string", v)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", pd.Kind)
}

func resolveComparator(v any) (*dataflow.Comparator, error) {
	var spec CompareSpec
	switch c := v.(type) {
	case *dataflow.Comparator:
		return c, nil
	case CompareSpec:
		spec = c
	case *CompareSpec:
		spec = *c
	case string:
		spec.Fields = []string{c}
	case []string:
		spec.Fields = c
	case []any:
		fields, err := stringList(c)
		if err != nil {
			return nil, err
		}
		spec.Fields = fields
	case map[string]any:
		fields, err := stringList(c["field"])
		if err != nil {
			return nil, fmt.Errorf("field: %w", err)
		}
		orders, err := stringList(c["order"])
		if err != nil {
			return nil, fmt.Errorf("order: %w", err)
		}
		spec = CompareSpec{Fields: fields, Orders: orders}
	default:
		return nil, fmt.Errorf("%v is not a comparator", v)
	}

	if len(spec.Fields) == 0 {
		return nil, fmt.Errorf("comparator has no fields")
	}
	if len(spec.Orders) > len(spec.Fields) {
		return nil, fmt.Errorf("%d orders for %d fields", len(spec.Orders), len(spec.Fields))
	}
	fields := make([]dataflow.Field, len(spec.Fields))
	orders := make([]dataflow.Order, len(spec.Fields))
	for i, name := range spec.Fields {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("empty field name")
		}
		// "-field" is shorthand for descending
		if strings.HasPrefix(name, "-") {
			name = name[1:]
			orders[i] = dataflow.Descending
		}
		fields[i] = dataflow.NewField(name)
	}
	for i, s := range spec.Orders {
		o, err := dataflow.ParseOrder(s)
		if err != nil {
			return nil, err
		}
		if s != "" {
			orders[i] = o
		}
	}
	return dataflow.NewComparator(fields, orders), nil
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []string{s}, nil
	}
	items, ok := toSlice(v)
	if !ok {
		return nil, fmt.Errorf("%v is not a list of strings", v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("element %d: %v is not a string", i, item)
		}
		out[i] = s
	}
	return out, nil
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []*float64:
		out := make([]any, len(s))
		for i, x := range s {
			if x != nil {
				out[i] = *x
			}
		}
		return out, true
	case []dataflow.Field:
		out := make([]any, len(s))
		for i, x := range s {
			if !x.IsZero() {
				out[i] = x
			}
		}
		return out, true
	}
	return nil, false
}
